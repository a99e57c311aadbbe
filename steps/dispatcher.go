package steps

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/petal-labs/petalpipe/core"
	"github.com/petal-labs/petalpipe/filestore"
)

// Deps are the external collaborators executors call out to. Nil
// collaborators make the corresponding step type fail with an internal error.
type Deps struct {
	LLM             core.LLMClient
	Sandbox         Runner
	HTTPClient      HTTPClient
	Files           filestore.Store
	AllowedPackages []string
}

// Dispatcher routes a step to the executor for its type. Panics raised by
// an executor are recovered into an internal Failure.
type Dispatcher struct {
	Prompt    Executor
	Code      Executor
	Transform Executor
	API       Executor
	Condition Executor
	File      Executor
}

// NewDispatcher wires the built-in executors to deps.
func NewDispatcher(deps Deps) *Dispatcher {
	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Dispatcher{
		Prompt:    &PromptExecutor{Client: deps.LLM},
		Code:      &CodeExecutor{Runner: deps.Sandbox, AllowedPackages: deps.AllowedPackages},
		Transform: &TransformExecutor{},
		API:       &APIExecutor{Client: httpClient},
		Condition: &ConditionExecutor{},
		File:      &FileExecutor{Store: deps.Files},
	}
}

// Execute runs step with the executor for its type.
func (d *Dispatcher) Execute(ctx context.Context, step core.Step, inputs map[string]any, rc RunContext) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			rc.logger().Error("step executor panicked",
				"execution_id", rc.ExecutionID,
				"step_id", step.ID,
				"step_type", step.Type,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			result = Failure{
				Kind:    core.ErrorKindInternal,
				Message: fmt.Sprintf("executor panic: %v", r),
			}
		}
	}()

	var exec Executor
	switch step.Type {
	case core.StepTypePrompt:
		exec = d.Prompt
	case core.StepTypeCode:
		exec = d.Code
	case core.StepTypeTransform:
		exec = d.Transform
	case core.StepTypeAPI:
		exec = d.API
	case core.StepTypeCondition:
		exec = d.Condition
	case core.StepTypeFile:
		exec = d.File
	default:
		return Fail(core.ErrorKindValidation, "unknown step type %q", step.Type)
	}
	if exec == nil {
		return Fail(core.ErrorKindInternal, "no executor configured for step type %q", step.Type)
	}

	res := exec.Execute(ctx, step, inputs, rc)
	if res == nil {
		return Fail(core.ErrorKindInternal, "executor for %q returned no result", step.Type)
	}
	return res
}

var _ Executor = (*Dispatcher)(nil)
