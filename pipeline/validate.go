package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/petal-labs/petalpipe/core"
	"github.com/petal-labs/petalpipe/registry"
	"github.com/petal-labs/petalpipe/steps"
	"github.com/petal-labs/petalpipe/vars"
)

// Validate checks a pipeline definition against the global step catalog and
// returns its diagnostics (errors and warnings).
func Validate(def *core.PipelineDefinition) []Diagnostic {
	return ValidateWithRegistry(def, registry.Global())
}

// ValidateWithRegistry checks a pipeline definition against reg.
func ValidateWithRegistry(def *core.PipelineDefinition, reg *registry.Registry) []Diagnostic {
	if def == nil || len(def.Steps) == 0 {
		return []Diagnostic{errDiag(CodeEmptyPipeline, "pipeline has no steps", "steps")}
	}

	diags := make([]Diagnostic, 0)
	diags = append(diags, validateSteps(def, reg)...)
	diags = append(diags, validateOrders(def)...)
	diags = append(diags, validateOutputKeys(def)...)
	diags = append(diags, validateBranches(def)...)
	diags = append(diags, validateOutputRefs(def)...)
	return diags
}

func validateSteps(def *core.PipelineDefinition, reg *registry.Registry) []Diagnostic {
	diags := make([]Diagnostic, 0)
	seen := make(map[string]int, len(def.Steps))

	for i, step := range def.Steps {
		path := stepPath(i)

		// PL-005: ids are required and unique.
		switch prev, dup := seen[step.ID]; {
		case step.ID == "":
			diags = append(diags, errDiag(CodeDuplicateStepID, fmt.Sprintf("step at index %d has no id", i), path+".id"))
		case dup:
			diags = append(diags, errDiag(CodeDuplicateStepID,
				fmt.Sprintf("step id %q is used by steps[%d] and steps[%d]", step.ID, prev, i), path+".id"))
		default:
			seen[step.ID] = i
		}

		// PL-001: type must be known.
		stepType, ok := core.ParseStepType(string(step.Type))
		if !ok || !reg.Has(stepType) {
			diags = append(diags, errDiag(CodeUnknownStepType,
				fmt.Sprintf("step %q has unknown type %q", step.ID, step.Type), path+".type"))
		} else {
			// PL-002: required config, satisfied by config or input_mapping.
			for _, field := range reg.RequiredFields(stepType) {
				if isSet(step.Config[field]) {
					continue
				}
				if _, mapped := step.InputMapping[field]; mapped {
					continue
				}
				diags = append(diags, errDiag(CodeMissingConfig,
					fmt.Sprintf("step %q (%s) is missing required config field %q", step.ID, stepType, field),
					path+".config."+field))
			}
		}

		// PL-010: timeout and retry policy.
		diags = append(diags, validatePolicy(step, path)...)
	}
	return diags
}

func validatePolicy(step core.Step, path string) []Diagnostic {
	var diags []Diagnostic
	if step.Timeout < 0 {
		diags = append(diags, errDiag(CodeInvalidPolicy,
			fmt.Sprintf("step %q has negative timeout %v", step.ID, step.Timeout), path+".timeout"))
	}
	rc := step.RetryConfig
	if rc == nil {
		return diags
	}
	rpath := path + ".retry_config"
	if rc.MaxAttempts < 1 {
		diags = append(diags, errDiag(CodeInvalidPolicy,
			fmt.Sprintf("step %q retry max_attempts must be >= 1, got %d", step.ID, rc.MaxAttempts), rpath+".max_attempts"))
	}
	b := rc.Backoff
	if b.InitialMS < 0 || b.MaxMS < 0 {
		diags = append(diags, errDiag(CodeInvalidPolicy,
			fmt.Sprintf("step %q backoff durations must not be negative", step.ID), rpath+".backoff"))
	}
	if b.MaxMS > 0 && b.InitialMS > b.MaxMS {
		diags = append(diags, errDiag(CodeInvalidPolicy,
			fmt.Sprintf("step %q backoff initial_ms %d exceeds max_ms %d", step.ID, b.InitialMS, b.MaxMS), rpath+".backoff"))
	}
	if b.Multiplier != 0 && b.Multiplier < 1 {
		diags = append(diags, errDiag(CodeInvalidPolicy,
			fmt.Sprintf("step %q backoff multiplier must be >= 1, got %v", step.ID, b.Multiplier), rpath+".backoff.multiplier"))
	}
	return diags
}

// PL-003: order values are unique.
func validateOrders(def *core.PipelineDefinition) []Diagnostic {
	var diags []Diagnostic
	byOrder := make(map[int]string, len(def.Steps))
	for i, step := range def.Steps {
		if other, dup := byOrder[step.Order]; dup {
			diags = append(diags, errDiag(CodeDuplicateOrder,
				fmt.Sprintf("steps %q and %q share order %d", other, step.ID, step.Order), stepPath(i)+".order"))
			continue
		}
		byOrder[step.Order] = step.ID
	}
	return diags
}

// PL-007: output keys (name, else id) are unique.
func validateOutputKeys(def *core.PipelineDefinition) []Diagnostic {
	var diags []Diagnostic
	owners := make(map[string]string, len(def.Steps))
	for i, step := range def.Steps {
		key := step.OutputKey()
		if key == "" {
			continue
		}
		if other, dup := owners[key]; dup && other != step.ID {
			diags = append(diags, warnDiag(CodeOutputKeyCollision,
				fmt.Sprintf("step %q writes output key %q already used by step %q", step.ID, key, other), stepPath(i)+".name"))
			continue
		}
		owners[key] = step.ID
	}
	return diags
}

// PL-004, PL-008, PL-009: condition branch targets.
func validateBranches(def *core.PipelineDefinition) []Diagnostic {
	var diags []Diagnostic
	byID := make(map[string]core.Step, len(def.Steps))
	for _, step := range def.Steps {
		if _, exists := byID[step.ID]; !exists {
			byID[step.ID] = step
		}
	}

	for i, step := range def.Steps {
		if step.Type != core.StepTypeCondition {
			continue
		}
		for _, branch := range []string{"true_branch", "false_branch"} {
			targets := steps.BranchTargets(map[string]any{branch: step.Config[branch]})
			for j, id := range targets {
				path := fmt.Sprintf("%s.config.%s[%d]", stepPath(i), branch, j)
				target, ok := byID[id]
				switch {
				case !ok:
					diags = append(diags, errDiag(CodeUnknownBranchTarget,
						fmt.Sprintf("condition %q %s references unknown step %q", step.ID, branch, id), path))
				case target.Type == core.StepTypeCondition:
					diags = append(diags, warnDiag(CodeNestedCondition,
						fmt.Sprintf("condition %q routes to condition %q; nested branching is not supported and the target will fail", step.ID, id), path))
				case !target.IsEnabled():
					diags = append(diags, warnDiag(CodeDisabledBranchStep,
						fmt.Sprintf("condition %q routes to disabled step %q", step.ID, id), path))
				}
			}
		}
	}
	return diags
}

// PL-011: output.<key> references name a step of the pipeline.
func validateOutputRefs(def *core.PipelineDefinition) []Diagnostic {
	known := make(map[string]bool, len(def.Steps))
	for _, step := range def.Steps {
		known[step.OutputKey()] = true
	}

	var diags []Diagnostic
	for i, step := range def.Steps {
		path := stepPath(i)
		refs := make(map[string]string)
		collectRefs(step.Config, path+".config", refs)
		for target, src := range step.InputMapping {
			addRef(src, path+".input_mapping."+target, refs)
		}
		if step.Type == core.StepTypeCondition {
			if field, ok := step.Config["field"].(string); ok {
				addRef(field, path+".config.field", refs)
			}
		}

		keys := make([]string, 0, len(refs))
		for ref := range refs {
			keys = append(keys, ref)
		}
		sort.Strings(keys)
		for _, ref := range keys {
			if !known[ref] {
				diags = append(diags, warnDiag(CodeUnknownOutputRef,
					fmt.Sprintf("step %q references output of unknown step %q", step.ID, ref), refs[ref]))
			}
		}
	}
	return diags
}

// collectRefs records the step keys of every output.<key> token in v.
func collectRefs(v any, path string, refs map[string]string) {
	switch val := v.(type) {
	case string:
		for _, tokenPath := range vars.Tokens(val) {
			addRef(tokenPath, path, refs)
		}
	case map[string]any:
		for k, item := range val {
			collectRefs(item, path+"."+k, refs)
		}
	case []any:
		for i, item := range val {
			collectRefs(item, fmt.Sprintf("%s[%d]", path, i), refs)
		}
	}
}

// addRef records the step key of an output.<key>... path.
func addRef(p, path string, refs map[string]string) {
	p = strings.TrimSpace(p)
	p = strings.TrimSuffix(strings.TrimPrefix(p, "{{"), "}}")
	p = strings.TrimSpace(p)
	rest, ok := strings.CutPrefix(p, vars.RootOutput+".")
	if !ok {
		return
	}
	key := rest
	if idx := strings.IndexAny(rest, ".["); idx >= 0 {
		key = rest[:idx]
	}
	if key == "" {
		return
	}
	if _, exists := refs[key]; !exists {
		refs[key] = path
	}
}

func isSet(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(val) != ""
	default:
		return true
	}
}

func stepPath(i int) string {
	return fmt.Sprintf("steps[%d]", i)
}
