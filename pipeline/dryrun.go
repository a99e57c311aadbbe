package pipeline

import (
	"fmt"
	"strings"

	"github.com/petal-labs/petalpipe/core"
	"github.com/petal-labs/petalpipe/vars"
)

// DryRunStep is the resolved view of one step.
type DryRunStep struct {
	StepID  string         `json:"step_id"`
	Type    core.StepType  `json:"type"`
	Order   int            `json:"order"`
	Enabled bool           `json:"enabled"`
	Inputs  map[string]any `json:"inputs,omitempty"`
}

// DryRunResult reports whether a run request would be accepted.
type DryRunResult struct {
	Valid    bool         `json:"valid"`
	Errors   []Diagnostic `json:"errors"`
	Warnings []Diagnostic `json:"warnings"`
	Steps    []DryRunStep `json:"steps,omitempty"`
}

// DryRun validates def and resolves every step's inputs against the
// initial variables. No executor is invoked and nothing is persisted.
// References to step outputs cannot resolve before a run and are not
// reported; unresolved input.* and pipeline.* references are warnings.
func DryRun(def *core.PipelineDefinition, input map[string]any) DryRunResult {
	diags := Validate(def)
	result := DryRunResult{
		Valid:    !HasErrors(diags),
		Errors:   nonNil(Errors(diags)),
		Warnings: nonNil(Warnings(diags)),
	}
	if def == nil {
		return result
	}

	vc := vars.New(input, def.Config)
	for _, step := range def.OrderedSteps() {
		path := "steps." + step.ID
		warn := func(token, p string, err error) {
			if strings.HasPrefix(p, vars.RootOutput+".") || p == vars.RootOutput {
				return
			}
			result.Warnings = append(result.Warnings, warnDiag(CodeUnresolvedInput,
				fmt.Sprintf("step %q: %s does not resolve against the initial variables", step.ID, token), path))
		}
		result.Steps = append(result.Steps, DryRunStep{
			StepID:  step.ID,
			Type:    step.Type,
			Order:   step.Order,
			Enabled: step.IsEnabled(),
			Inputs:  ResolveInputs(step, vc, warn),
		})
	}
	return result
}

func nonNil(diags []Diagnostic) []Diagnostic {
	if diags == nil {
		return []Diagnostic{}
	}
	return diags
}
