package runtime

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/petal-labs/petalpipe/core"
	"github.com/petal-labs/petalpipe/steps"
)

// Backoff bounds.
const (
	MinRetryBackoff     = 10 * time.Millisecond
	DefaultMaxBackoff   = 30 * time.Second
	DefaultMultiplier   = 2.0
	DefaultMaxAttempts  = 1
	maxSupportedAttempt = 100
)

// summedMetrics are accumulated across attempts instead of replaced.
var summedMetrics = []string{"input_tokens", "output_tokens", "total_tokens", "cost_usd"}

// RetryNotice describes an upcoming retry.
type RetryNotice struct {
	Attempt     int
	NextAttempt int
	Delay       time.Duration
	Failure     steps.Failure
}

// Outcome is the supervised result of a step.
type Outcome struct {
	Result   steps.Result
	Attempts int
	Metrics  map[string]any
}

// Supervisor runs an executor under a step's timeout and retry policy.
type Supervisor struct {
	Executor steps.Executor

	// OnRetry is called before each backoff wait.
	OnRetry func(RetryNotice)

	// sleep waits for d or until ctx is done.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewSupervisor creates a supervisor for exec.
func NewSupervisor(exec steps.Executor) *Supervisor {
	return &Supervisor{Executor: exec, sleep: sleepContext}
}

// Run executes step, retrying retryable failures. ctx is the execution
// context; cancelling it lets the running attempt return, then stops the
// loop before the next attempt or during backoff.
func (s *Supervisor) Run(ctx context.Context, step core.Step, inputs map[string]any, rc steps.RunContext) Outcome {
	policy := normalizeRetry(step.RetryConfig)
	timeout := step.TimeoutDuration()
	sleep := s.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var (
		last    steps.Result
		metrics = map[string]any{}
	)

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Outcome{Result: cancelledResult(last, err), Attempts: attempt - 1, Metrics: finalizeMetrics(metrics, attempt-1)}
		}

		rc.Attempt = attempt
		res := s.attempt(ctx, step, inputs, rc, timeout)
		last = res

		switch r := res.(type) {
		case steps.Success:
			mergeMetrics(metrics, r.Metrics)
			r.Metrics = finalizeMetrics(metrics, attempt)
			return Outcome{Result: r, Attempts: attempt, Metrics: r.Metrics}
		case steps.Failure:
			mergeCounters(metrics, r.Details)
			if r.Kind == core.ErrorKindCancelled || ctx.Err() != nil {
				return Outcome{Result: r, Attempts: attempt, Metrics: finalizeMetrics(metrics, attempt)}
			}
			if attempt == policy.MaxAttempts || !r.Retryable() {
				return Outcome{Result: r, Attempts: attempt, Metrics: finalizeMetrics(metrics, attempt)}
			}

			delay := BackoffDelay(policy.Backoff, attempt)
			if s.OnRetry != nil {
				s.OnRetry(RetryNotice{Attempt: attempt, NextAttempt: attempt + 1, Delay: delay, Failure: r})
			}
			if err := sleep(ctx, delay); err != nil {
				return Outcome{Result: r, Attempts: attempt, Metrics: finalizeMetrics(metrics, attempt)}
			}
		}
	}

	return Outcome{Result: last, Attempts: policy.MaxAttempts, Metrics: finalizeMetrics(metrics, policy.MaxAttempts)}
}

// attempt runs one executor call under a hard per-attempt deadline. The
// executor sees cancellation of ctx through its context, but the attempt is
// only abandoned when the deadline passes: a cancelled execution waits for
// the running attempt to return.
func (s *Supervisor) attempt(ctx context.Context, step core.Step, inputs map[string]any, rc steps.RunContext, timeout time.Duration) steps.Result {
	attemptCtx := ctx
	cancel := func() {}
	var deadline <-chan time.Time
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	defer cancel()

	done := make(chan steps.Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- steps.Fail(core.ErrorKindInternal, "executor panic: %v", r)
			}
		}()
		done <- s.Executor.Execute(attemptCtx, step, inputs, rc)
	}()

	select {
	case res := <-done:
		if res == nil {
			return steps.Fail(core.ErrorKindInternal, "executor returned no result")
		}
		f, ok := res.(steps.Failure)
		if !ok {
			return res
		}
		if ctx.Err() != nil {
			return cancelledFailure(step, ctx.Err(), f.Details)
		}
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return timeoutFailure(step, timeout, f.Details)
		}
		return f
	case <-deadline:
		if ctx.Err() != nil {
			return cancelledFailure(step, ctx.Err(), nil)
		}
		return timeoutFailure(step, timeout, nil)
	}
}

func cancelledFailure(step core.Step, err error, details map[string]any) steps.Failure {
	return steps.Failure{
		Kind:    core.ErrorKindCancelled,
		Message: fmt.Sprintf("step %s cancelled: %v", step.ID, err),
		Details: details,
	}
}

func timeoutFailure(step core.Step, timeout time.Duration, details map[string]any) steps.Failure {
	return steps.Failure{
		Kind:    core.ErrorKindTimeout,
		Message: fmt.Sprintf("step %s timed out after %s", step.ID, timeout),
		Details: details,
	}
}

func cancelledResult(last steps.Result, err error) steps.Result {
	if f, ok := last.(steps.Failure); ok {
		return f
	}
	return steps.Failure{Kind: core.ErrorKindCancelled, Message: "execution cancelled: " + err.Error()}
}

// BackoffDelay returns the wait after the given failed attempt (1-based):
// initial * multiplier^(attempt-1), at least MinRetryBackoff and at most max.
func BackoffDelay(b core.BackoffConfig, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > maxSupportedAttempt {
		attempt = maxSupportedAttempt
	}
	initial := time.Duration(b.InitialMS) * time.Millisecond
	maxDelay := time.Duration(b.MaxMS) * time.Millisecond
	if maxDelay <= 0 {
		maxDelay = DefaultMaxBackoff
	}
	mult := b.Multiplier
	if mult <= 0 {
		mult = DefaultMultiplier
	}

	delay := float64(initial) * math.Pow(mult, float64(attempt-1))
	if math.IsInf(delay, 0) || math.IsNaN(delay) || delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	d := time.Duration(delay)
	if d < MinRetryBackoff {
		d = MinRetryBackoff
	}
	if d > maxDelay {
		d = maxDelay
	}
	return d
}

func normalizeRetry(rc *core.RetryConfig) core.RetryConfig {
	if rc == nil {
		return core.RetryConfig{MaxAttempts: DefaultMaxAttempts}
	}
	out := *rc
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = DefaultMaxAttempts
	}
	if out.MaxAttempts > maxSupportedAttempt {
		out.MaxAttempts = maxSupportedAttempt
	}
	return out
}

// mergeMetrics copies src into dst, summing token and cost counters.
func mergeMetrics(dst, src map[string]any) {
	for k, v := range src {
		if isSummed(k) {
			if n, ok := asFloat(v); ok {
				prev, _ := asFloat(dst[k])
				dst[k] = prev + n
				continue
			}
		}
		dst[k] = v
	}
}

// mergeCounters sums only the token and cost counters of src into dst.
func mergeCounters(dst, src map[string]any) {
	for _, k := range summedMetrics {
		if n, ok := asFloat(src[k]); ok {
			prev, _ := asFloat(dst[k])
			dst[k] = prev + n
		}
	}
}

func finalizeMetrics(m map[string]any, attempts int) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		if isSummed(k) && k != "cost_usd" {
			if f, ok := v.(float64); ok {
				out[k] = int(f)
				continue
			}
		}
		out[k] = v
	}
	out["attempts"] = attempts
	return out
}

func isSummed(key string) bool {
	for _, k := range summedMetrics {
		if k == key {
			return true
		}
	}
	return false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
