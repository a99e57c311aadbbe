package steps

import (
	"context"
	"errors"
	"strings"

	"github.com/petal-labs/petalpipe/core"
	"github.com/petal-labs/petalpipe/vars"
)

// ConditionExecutor evaluates a predicate against the variable context and
// selects a branch of step ids. The predicate itself never fails the step.
//
// Config: field (context path), operator, value, true_branch, false_branch.
type ConditionExecutor struct{}

// Execute implements Executor.
func (e *ConditionExecutor) Execute(ctx context.Context, step core.Step, inputs map[string]any, rc RunContext) Result {
	field := unwrapToken(configString(inputs, "field"))
	if field == "" {
		return Fail(core.ErrorKindValidation, "condition step %s: field is required", step.ID)
	}
	op, ok := ParseOperator(configString(inputs, "operator"))
	if !ok {
		return Fail(core.ErrorKindValidation, "condition step %s: unknown operator %q", step.ID, configString(inputs, "operator"))
	}

	var (
		actual any
		found  bool
	)
	if rc.Vars != nil {
		v, err := rc.Vars.Resolve(field)
		switch {
		case err == nil:
			actual, found = v, true
		case errors.Is(err, vars.ErrPathNotFound):
			found = false
		default:
			return Fail(core.ErrorKindValidation, "condition step %s: %v", step.ID, err)
		}
	}
	if !found && op != OpExists {
		return Fail(core.ErrorKindValidation, "condition step %s: field %s could not be resolved", step.ID, field)
	}

	result := Evaluate(op, actual, found, inputs["value"])

	trueBranch, _ := configStringSlice(inputs, "true_branch")
	falseBranch, _ := configStringSlice(inputs, "false_branch")
	branch := falseBranch
	if result {
		branch = trueBranch
	}
	selected := make([]string, len(branch))
	copy(selected, branch)

	rc.logger().Debug("condition evaluated",
		"execution_id", rc.ExecutionID,
		"step_id", step.ID,
		"field", field,
		"operator", string(op),
		"result", result,
	)

	return Success{
		Outputs: map[string]any{
			"result": result,
			"branch": selected,
		},
		Metrics: map[string]any{"result": result},
	}
}

// RawConfigKeys lists config keys that must reach the executor without
// template substitution.
func RawConfigKeys(t core.StepType) []string {
	if t == core.StepTypeCondition {
		return []string{"field"}
	}
	return nil
}

// BranchTargets returns every step id a condition config can route to.
func BranchTargets(config map[string]any) []string {
	trueBranch, _ := configStringSlice(config, "true_branch")
	falseBranch, _ := configStringSlice(config, "false_branch")
	out := make([]string, 0, len(trueBranch)+len(falseBranch))
	out = append(out, trueBranch...)
	return append(out, falseBranch...)
}

// SelectedBranch extracts the branch chosen by a successful condition.
func SelectedBranch(outputs map[string]any) ([]string, bool) {
	return configStringSlice(outputs, "branch")
}

// unwrapToken accepts "{{ output.x }}" as an alias for the bare path.
func unwrapToken(field string) string {
	if strings.HasPrefix(field, "{{") && strings.HasSuffix(field, "}}") {
		return strings.TrimSpace(field[2 : len(field)-2])
	}
	return field
}
