package steps

import (
	"context"
	"strings"
	"time"

	"github.com/petal-labs/petalpipe/core"
)

// SandboxRequest describes one sandboxed program run.
type SandboxRequest struct {
	Language string         `json:"language"`
	Code     string         `json:"code"`
	Stdin    string         `json:"stdin,omitempty"`
	Timeout  time.Duration  `json:"-"`
	MemoryMB int            `json:"memory_mb,omitempty"`
	Packages []string       `json:"packages,omitempty"`
	Inputs   map[string]any `json:"inputs,omitempty"`
}

// SandboxResult is what the sandbox reports back.
type SandboxResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	Result     any    `json:"result,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// Runner executes untrusted code in isolation.
type Runner interface {
	Run(ctx context.Context, req SandboxRequest) (SandboxResult, error)
}

// RunnerFunc adapts a function into a Runner.
type RunnerFunc func(ctx context.Context, req SandboxRequest) (SandboxResult, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, req SandboxRequest) (SandboxResult, error) {
	return f(ctx, req)
}

// CodeExecutor runs user code through a sandbox Runner.
type CodeExecutor struct {
	Runner Runner
	// AllowedPackages restricts the packages a step may request. Empty
	// means any package is allowed.
	AllowedPackages []string
}

// Execute implements Executor.
func (e *CodeExecutor) Execute(ctx context.Context, step core.Step, inputs map[string]any, rc RunContext) Result {
	code, _ := configRawString(inputs, "code")
	if strings.TrimSpace(code) == "" {
		return Fail(core.ErrorKindValidation, "code step %s: code is required", step.ID)
	}
	language := strings.ToLower(configString(inputs, "language"))
	if language == "" {
		return Fail(core.ErrorKindValidation, "code step %s: language is required", step.ID)
	}
	if e.Runner == nil {
		return Fail(core.ErrorKindInternal, "code step %s: no sandbox configured", step.ID)
	}

	packages, _ := configStringSlice(inputs, "packages")
	if denied := e.deniedPackages(packages); len(denied) > 0 {
		f := Fail(core.ErrorKindSandbox, "code step %s: packages not allowed: %s", step.ID, strings.Join(denied, ", "))
		f.Details = map[string]any{"denied_packages": denied}
		return f
	}

	req := SandboxRequest{
		Language: language,
		Code:     code,
		Stdin:    configString(inputs, "stdin"),
		Timeout:  configDuration(inputs, "timeout"),
		Packages: packages,
	}
	if mem, ok := configInt(inputs, "memory_mb"); ok {
		req.MemoryMB = mem
	}
	if data, ok := configMap(inputs, "inputs"); ok {
		req.Inputs = data
	}

	runCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	res, err := e.Runner.Run(runCtx, req)
	if err != nil {
		f := FailureFrom(err, core.ErrorKindSandbox)
		// A sandbox-level timeout is a sandbox failure, not the step deadline.
		if f.Kind == core.ErrorKindTimeout && ctx.Err() == nil {
			f.Kind = core.ErrorKindSandbox
		}
		return f
	}

	outputs := map[string]any{
		"stdout":    res.Stdout,
		"stderr":    res.Stderr,
		"exit_code": res.ExitCode,
		"result":    res.Result,
	}
	metrics := map[string]any{
		"exit_code":   res.ExitCode,
		"duration_ms": res.DurationMS,
	}

	if res.ExitCode != 0 {
		return Failure{
			Kind:    core.ErrorKindSandbox,
			Message: exitMessage(step.ID, res),
			Details: outputs,
		}
	}
	return Success{Outputs: outputs, Metrics: metrics}
}

func (e *CodeExecutor) deniedPackages(requested []string) []string {
	if len(e.AllowedPackages) == 0 || len(requested) == 0 {
		return nil
	}
	allowed := make(map[string]struct{}, len(e.AllowedPackages))
	for _, p := range e.AllowedPackages {
		allowed[strings.ToLower(strings.TrimSpace(p))] = struct{}{}
	}
	var denied []string
	for _, p := range requested {
		if _, ok := allowed[strings.ToLower(strings.TrimSpace(p))]; !ok {
			denied = append(denied, p)
		}
	}
	return denied
}

func exitMessage(stepID string, res SandboxResult) string {
	msg := "code step " + stepID + ": exited with non-zero status"
	if stderr := strings.TrimSpace(res.Stderr); stderr != "" {
		if len(stderr) > 512 {
			stderr = stderr[:512]
		}
		msg += ": " + stderr
	}
	return msg
}
