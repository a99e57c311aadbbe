// Package steps provides the executors for each pipeline step type.
//
// Executors never return Go errors past their boundary: every outcome is a
// Result, either Success or Failure. Dispatcher selects the executor for a
// step with an explicit switch over core.StepType.
package steps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/petal-labs/petalpipe/core"
	"github.com/petal-labs/petalpipe/vars"
)

// Result is the outcome of one executor attempt. It is either Success or
// Failure.
type Result interface {
	isResult()
}

// Success carries the outputs and metrics of a completed attempt.
type Success struct {
	Outputs map[string]any
	Metrics map[string]any
}

// Failure carries the classified error of a failed attempt.
type Failure struct {
	Kind    core.ErrorKind
	Message string
	Details map[string]any
}

func (Success) isResult() {}
func (Failure) isResult() {}

// Retryable reports whether the supervisor may attempt the step again.
func (f Failure) Retryable() bool {
	return f.Kind.Retryable()
}

// Error renders the failure as "<kind>: <message>".
func (f Failure) Error() string {
	return f.StepError().Error()
}

// StepError converts the failure into a core.StepError.
func (f Failure) StepError() *core.StepError {
	err := core.NewStepError(f.Kind, f.Message, nil)
	err.Details = f.Details
	return err
}

// Fail builds a Failure with a formatted message.
func Fail(kind core.ErrorKind, format string, args ...any) Failure {
	return Failure{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// FailureFrom classifies err. A *core.StepError keeps its kind, context
// deadline and cancellation map to timeout and cancelled, everything else
// gets fallback.
func FailureFrom(err error, fallback core.ErrorKind) Failure {
	if stepErr, ok := core.StepErrorFrom(err); ok {
		return Failure{Kind: stepErr.Kind, Message: stepErr.Message, Details: stepErr.Details}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Failure{Kind: core.ErrorKindTimeout, Message: err.Error()}
	case errors.Is(err, context.Canceled):
		return Failure{Kind: core.ErrorKindCancelled, Message: err.Error()}
	default:
		return Failure{Kind: fallback, Message: err.Error()}
	}
}

// RunContext is the per-attempt information passed to executors.
type RunContext struct {
	ExecutionID string
	Attempt     int
	Vars        *vars.Context
	Logger      *slog.Logger
}

func (rc RunContext) logger() *slog.Logger {
	if rc.Logger != nil {
		return rc.Logger
	}
	return slog.Default()
}

// Executor runs one step type.
type Executor interface {
	Execute(ctx context.Context, step core.Step, inputs map[string]any, rc RunContext) Result
}

// ExecutorFunc adapts a function into an Executor.
type ExecutorFunc func(ctx context.Context, step core.Step, inputs map[string]any, rc RunContext) Result

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, step core.Step, inputs map[string]any, rc RunContext) Result {
	return f(ctx, step, inputs, rc)
}
