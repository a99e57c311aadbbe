package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/petalpipe/core"
	"github.com/petal-labs/petalpipe/pipeline"
	"github.com/petal-labs/petalpipe/steps"
	"github.com/petal-labs/petalpipe/store"
	"github.com/petal-labs/petalpipe/vars"
)

// Engine errors
var (
	ErrNoExecutor    = errors.New("runtime: executor is required")
	ErrEmptyPipeline = errors.New("runtime: pipeline has no steps")
)

// EngineConfig configures an Engine.
type EngineConfig struct {
	// Executor runs individual steps, usually a *steps.Dispatcher.
	Executor steps.Executor

	// Store persists execution and step execution records. Optional.
	Store store.ExecutionStore

	// Registry tracks in-flight executions (default: in-memory).
	Registry Registry

	// EventBus distributes events to subscribers. Optional.
	EventBus EventPublisher

	// EventHandler receives every event synchronously. Optional.
	EventHandler EventHandler

	// EmitterDecorator wraps the internal emitter, e.g. for tracing.
	EmitterDecorator EventEmitterDecorator

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// StreamBuffer is the per-execution stream capacity (default: 256).
	StreamBuffer int

	// Now provides the current time (for testing). If nil, uses time.Now.
	Now func() time.Time

	// NewID generates execution and step execution ids (default: uuid).
	NewID func() string
}

// RunRequest is a request to execute a pipeline.
type RunRequest struct {
	Pipeline    core.PipelineDefinition
	Input       map[string]any
	UserID      string
	DebugMode   bool
	ExecutionID string // optional; generated when empty
}

// Engine walks pipeline steps, supervising each one, and records the
// outcome. Each execution runs on its own goroutine with strictly
// sequential steps.
type Engine struct {
	cfg      EngineConfig
	registry Registry
	logger   *slog.Logger

	// sleep overrides the supervisor backoff wait (for testing).
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine creates an engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Executor == nil {
		return nil, ErrNoExecutor
	}
	if cfg.Registry == nil {
		cfg.Registry = NewMemRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Engine{cfg: cfg, registry: cfg.Registry, logger: cfg.Logger}, nil
}

// Registry returns the registry of in-flight executions.
func (e *Engine) Registry() Registry {
	return e.registry
}

// Cancel requests cancellation of a running execution. It returns false
// when the execution is unknown or already terminal.
func (e *Engine) Cancel(executionID string) bool {
	return e.registry.Cancel(executionID)
}

// Active lists the running executions.
func (e *Engine) Active() []ExecutionInfo {
	return e.registry.List()
}

// DryRun validates the request and resolves step inputs against the
// initial variables without executing or persisting anything.
func (e *Engine) DryRun(req RunRequest) pipeline.DryRunResult {
	return pipeline.DryRun(&req.Pipeline, req.Input)
}

// Run executes the pipeline and blocks until it reaches a terminal state.
// Cancelling ctx cancels the execution. The returned error is non-nil only
// when the execution could not be started; step failures are reported in
// the returned record.
func (e *Engine) Run(ctx context.Context, req RunRequest) (core.Execution, error) {
	run, err := e.prepare(ctx, req)
	if err != nil {
		return core.Execution{}, err
	}
	run.stream.Detach()
	run.execute()
	return run.rec, nil
}

// Start launches the execution in the background and returns its id and
// event stream. The stream delivers every event; callers that do not read
// it must call Detach. The execution outlives ctx; use Cancel to stop it.
func (e *Engine) Start(ctx context.Context, req RunRequest) (string, *Stream, error) {
	run, err := e.prepare(context.WithoutCancel(ctx), req)
	if err != nil {
		return "", nil, err
	}
	go run.execute()
	return run.rec.ID, run.stream, nil
}

func (e *Engine) prepare(parent context.Context, req RunRequest) (*execution, error) {
	if len(req.Pipeline.Steps) == 0 {
		return nil, ErrEmptyPipeline
	}
	id := req.ExecutionID
	if id == "" {
		id = e.cfg.NewID()
	}

	start := e.cfg.Now()
	ctx, cancel := context.WithCancel(parent)
	handle := NewHandle(id, req.Pipeline.ID, req.UserID, start, cancel)
	handle.Stream = newStream(id, e.cfg.StreamBuffer)
	if err := e.registry.Insert(handle); err != nil {
		cancel()
		return nil, err
	}

	x := &execution{
		engine: e,
		ctx:    ctx,
		cancel: cancel,
		handle: handle,
		stream: handle.Stream,
		def:    req.Pipeline,
		debug:  req.DebugMode,
		vars:   vars.New(req.Input, req.Pipeline.Config),
		start:  start,
		logger: e.logger.With("execution_id", id, "pipeline_id", req.Pipeline.ID),
	}
	x.rec = core.Execution{
		ID:              id,
		PipelineID:      req.Pipeline.ID,
		UserID:          req.UserID,
		Status:          core.ExecutionPending,
		StartedAt:       x.start.UTC(),
		InputParameters: vars.DeepCopyMap(req.Input),
	}
	x.emit = x.buildEmitter()
	return x, nil
}

// execution is the state of one pipeline run. It is owned by a single
// goroutine.
type execution struct {
	engine *Engine
	ctx    context.Context
	cancel context.CancelFunc
	handle *Handle
	stream *Stream
	emit   EventEmitter
	logger *slog.Logger

	def      core.PipelineDefinition
	debug    bool
	vars     *vars.Context
	rec      core.Execution
	start    time.Time
	finished bool
}

// buildEmitter numbers events from 1 and fans them out to the bus, the
// handler and the execution stream.
func (x *execution) buildEmitter() EventEmitter {
	var seq atomic.Uint64
	cfg := x.engine.cfg
	emit := func(ev Event) {
		ev.Seq = seq.Add(1)
		if cfg.EventBus != nil {
			cfg.EventBus.Publish(ev)
		}
		if cfg.EventHandler != nil {
			cfg.EventHandler(ev)
		}
		x.stream.push(ev)
	}
	if cfg.EmitterDecorator != nil {
		emit = cfg.EmitterDecorator(emit)
	}
	return func(ev Event) {
		emit(ev.WithElapsed(x.engine.cfg.Now().Sub(x.start)))
	}
}

func (x *execution) execute() {
	defer x.cancel()
	defer x.stream.close()
	defer x.engine.registry.Remove(x.rec.ID)
	defer func() {
		if r := recover(); r != nil {
			x.logger.Error("engine panic", "panic", r)
			x.emit(NewEvent(EventError, x.rec.ID).WithPayload("error", fmt.Sprintf("engine panic: %v", r)))
			x.finish(core.ExecutionFailed, &core.ExecutionError{
				Kind:    core.ErrorKindInternal,
				Message: fmt.Sprintf("engine panic: %v", r),
			})
		}
	}()

	x.rec.Status = core.ExecutionRunning
	x.log(core.LogLevelInfo, "execution started", "", map[string]any{"step_count": len(x.def.Steps)})
	if err := x.persist(func(ctx context.Context, s store.ExecutionStore) error {
		return s.CreateExecution(ctx, x.rec)
	}); err != nil {
		x.reportStoreError("create_execution", err)
	}
	x.emit(NewEvent(EventExecutionStarted, x.rec.ID).
		WithPayload("pipeline_id", x.def.ID).
		WithPayload("pipeline_name", x.def.Name).
		WithPayload("step_count", len(x.def.Steps)))

	x.walk()
}

// walk runs the step queue. A successful condition replaces the remaining
// queue with its selected branch.
func (x *execution) walk() {
	ordered := x.def.OrderedSteps()
	byID := make(map[string]core.Step, len(ordered))
	queue := make([]string, 0, len(ordered))
	for _, step := range ordered {
		if _, dup := byID[step.ID]; dup {
			continue
		}
		byID[step.ID] = step
		queue = append(queue, step.ID)
	}

	visited := make(map[string]bool, len(ordered))
	inBranch := false

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		if x.ctx.Err() != nil {
			x.skipRemaining(byID, append([]string{id}, queue...), visited, "cancelled")
			x.finishCancelled()
			return
		}

		step, ok := byID[id]
		if !ok {
			x.finish(core.ExecutionFailed, &core.ExecutionError{
				Kind:    core.ErrorKindValidation,
				Message: fmt.Sprintf("branch references unknown step %q", id),
				StepID:  id,
			})
			return
		}
		if visited[id] {
			x.log(core.LogLevelWarn, "step already ran; branch entry ignored", id, nil)
			continue
		}
		visited[id] = true

		if !step.IsEnabled() {
			x.skipStep(step, "disabled")
			continue
		}

		if inBranch && step.Type == core.StepTypeCondition {
			failure := steps.Fail(core.ErrorKindValidation,
				"condition step %s is a branch target; nested branching is not supported", step.ID)
			x.finish(core.ExecutionFailed, x.rejectStep(step, failure))
			return
		}

		outputs, execErr := x.runStep(step)
		if execErr != nil {
			if execErr.Kind == core.ErrorKindCancelled || x.ctx.Err() != nil {
				x.skipRemaining(byID, queue, visited, "cancelled")
				x.finishCancelled()
				return
			}
			x.finish(core.ExecutionFailed, execErr)
			return
		}

		if step.Type == core.StepTypeCondition {
			branch, _ := steps.SelectedBranch(outputs)
			queue = x.routeBranch(step, branch, queue, byID, visited)
			inBranch = true
		}
	}

	x.finish(core.ExecutionCompleted, nil)
}

// routeBranch records skipped steps for the remainder of the queue and the
// branch not taken, and returns the new queue.
func (x *execution) routeBranch(cond core.Step, branch, remaining []string, byID map[string]core.Step, visited map[string]bool) []string {
	selected := make(map[string]bool, len(branch))
	for _, id := range branch {
		selected[id] = true
	}

	candidates := append(append([]string{}, remaining...), steps.BranchTargets(cond.Config)...)
	var skipped []string
	for _, id := range candidates {
		if selected[id] {
			continue
		}
		skipped = append(skipped, id)
	}
	x.skipRemaining(byID, skipped, visited, "branch_not_taken")

	x.log(core.LogLevelInfo, "condition routed", cond.ID, map[string]any{"branch": branch})
	return append([]string{}, branch...)
}

// skipRemaining records unvisited steps of ids as skipped.
func (x *execution) skipRemaining(byID map[string]core.Step, ids []string, visited map[string]bool, reason string) {
	for _, id := range ids {
		step, ok := byID[id]
		if !ok || visited[id] {
			continue
		}
		visited[id] = true
		x.skipStep(step, reason)
	}
}

func (x *execution) skipStep(step core.Step, reason string) {
	now := x.now()
	se := core.StepExecution{
		ID:          x.engine.cfg.NewID(),
		ExecutionID: x.rec.ID,
		StepID:      step.ID,
		StepType:    step.Type,
		Status:      core.StepSkipped,
		StartedAt:   now,
		CompletedAt: &now,
	}
	x.saveStep(se)
	x.log(core.LogLevelInfo, "step skipped", step.ID, map[string]any{"reason": reason})
	x.emit(NewEvent(EventStepSkipped, x.rec.ID).
		WithStep(step.ID, step.Type).
		WithPayload("reason", reason))
}

// rejectStep records a step that fails before any attempt.
func (x *execution) rejectStep(step core.Step, failure steps.Failure) *core.ExecutionError {
	now := x.now()
	se := core.StepExecution{
		ID:          x.engine.cfg.NewID(),
		ExecutionID: x.rec.ID,
		StepID:      step.ID,
		StepType:    step.Type,
		Status:      core.StepRunning,
		StartedAt:   now,
	}
	return x.failStep(se, step, failure, 0)
}

// runStep resolves inputs, supervises the executor and records the result.
// It returns the step outputs, or the execution error when the step failed.
func (x *execution) runStep(step core.Step) (map[string]any, *core.ExecutionError) {
	logger := x.logger.With("step_id", step.ID, "step_type", string(step.Type))
	se := core.StepExecution{
		ID:          x.engine.cfg.NewID(),
		ExecutionID: x.rec.ID,
		StepID:      step.ID,
		StepType:    step.Type,
		Status:      core.StepPending,
		StartedAt:   x.now(),
	}

	inputs := pipeline.ResolveInputs(step, x.vars, func(token, path string, err error) {
		logger.Warn("unresolved template", "token", token, "error", err)
		x.appendLog(core.LogLevelWarn, "unresolved template "+token, step.ID, map[string]any{"path": path})
	})

	se.Status = core.StepRunning
	se.Inputs = inputs
	x.saveStep(se)

	started := NewEvent(EventStepStarted, x.rec.ID).
		WithStep(step.ID, step.Type).
		WithAttempt(1).
		WithPayload("name", step.Name)
	if x.debug {
		started = started.WithPayload("inputs", vars.DeepCopyMap(inputs))
		x.log(core.LogLevelDebug, "resolved inputs", step.ID, map[string]any{"inputs": vars.DeepCopyMap(inputs)})
	}
	x.log(core.LogLevelInfo, "step started", step.ID, nil)
	x.emit(started)

	sup := NewSupervisor(x.engine.cfg.Executor)
	if x.engine.sleep != nil {
		sup.sleep = x.engine.sleep
	}
	sup.OnRetry = func(n RetryNotice) {
		x.log(core.LogLevelWarn, "step retrying", step.ID, map[string]any{
			"attempt":      n.Attempt,
			"next_attempt": n.NextAttempt,
			"delay_ms":     n.Delay.Milliseconds(),
			"error_kind":   string(n.Failure.Kind),
			"error":        n.Failure.Message,
		})
		x.emit(NewEvent(EventStepRetrying, x.rec.ID).
			WithStep(step.ID, step.Type).
			WithAttempt(n.Attempt).
			WithPayload("next_attempt", n.NextAttempt).
			WithPayload("delay_ms", n.Delay.Milliseconds()).
			WithPayload("error_kind", string(n.Failure.Kind)).
			WithPayload("error", n.Failure.Message))
	}

	rc := steps.RunContext{ExecutionID: x.rec.ID, Vars: x.vars, Logger: logger}
	outcome := sup.Run(x.ctx, step, inputs, rc)

	se.Metrics = outcome.Metrics
	se.Attempts = outcome.Attempts

	switch r := outcome.Result.(type) {
	case steps.Success:
		outputs := pipeline.ApplyOutputMapping(step.OutputMapping, r.Outputs)
		if outputs == nil {
			outputs = map[string]any{}
		}
		next, err := x.vars.WithOutput(step.OutputKey(), outputs)
		if err != nil {
			return nil, x.failStep(se, step, steps.Failure{Kind: core.ErrorKindInternal, Message: err.Error()}, outcome.Attempts)
		}
		x.vars = next

		end := x.now()
		se.Status = core.StepCompleted
		se.Outputs = outputs
		se.CompletedAt = &end
		se.DurationMS = end.Sub(se.StartedAt).Milliseconds()
		x.saveStep(se)

		x.log(core.LogLevelInfo, "step completed", step.ID, map[string]any{
			"attempts":    outcome.Attempts,
			"duration_ms": se.DurationMS,
		})
		x.emit(NewEvent(EventStepCompleted, x.rec.ID).
			WithStep(step.ID, step.Type).
			WithAttempt(outcome.Attempts).
			WithPayload("output_key", step.OutputKey()).
			WithPayload("outputs", vars.DeepCopyMap(outputs)).
			WithPayload("metrics", outcome.Metrics).
			WithPayload("duration_ms", se.DurationMS))
		return outputs, nil

	case steps.Failure:
		return nil, x.failStep(se, step, r, outcome.Attempts)

	default:
		return nil, x.failStep(se, step, steps.Fail(core.ErrorKindInternal, "executor returned no result"), outcome.Attempts)
	}
}

func (x *execution) failStep(se core.StepExecution, step core.Step, failure steps.Failure, attempts int) *core.ExecutionError {
	end := x.now()
	execErr := failure.StepError().ToExecutionError(step.ID)
	se.Status = core.StepFailed
	se.Error = execErr
	se.CompletedAt = &end
	se.DurationMS = end.Sub(se.StartedAt).Milliseconds()
	se.Attempts = attempts
	x.saveStep(se)

	x.log(core.LogLevelError, "step failed", step.ID, map[string]any{
		"error_kind": string(failure.Kind),
		"error":      failure.Message,
		"attempts":   attempts,
	})
	ev := NewEvent(EventStepFailed, x.rec.ID).
		WithStep(step.ID, step.Type).
		WithAttempt(attempts).
		WithPayload("error_kind", string(failure.Kind)).
		WithPayload("error", failure.Message).
		WithPayload("retryable", failure.Retryable())
	if len(failure.Details) > 0 {
		ev = ev.WithPayload("details", failure.Details)
	}
	x.emit(ev)
	return execErr
}

func (x *execution) finishCancelled() {
	x.finish(core.ExecutionCancelled, &core.ExecutionError{
		Kind:    core.ErrorKindCancelled,
		Message: "execution cancelled",
	})
}

// finish finalizes the record, persists it and emits the terminal event.
func (x *execution) finish(status core.ExecutionStatus, execErr *core.ExecutionError) {
	if x.finished {
		return
	}
	x.finished = true

	end := x.now()
	x.rec.Status = status
	x.rec.CompletedAt = &end
	x.rec.DurationMS = end.Sub(x.rec.StartedAt).Milliseconds()
	x.rec.Results = x.vars.Outputs()
	x.rec.Error = execErr

	var kind EventKind
	switch status {
	case core.ExecutionCompleted:
		kind = EventExecutionCompleted
		x.log(core.LogLevelInfo, "execution completed", "", map[string]any{"duration_ms": x.rec.DurationMS})
	case core.ExecutionCancelled:
		kind = EventExecutionCancelled
		x.log(core.LogLevelWarn, "execution cancelled", "", nil)
	default:
		kind = EventExecutionFailed
		x.log(core.LogLevelError, "execution failed", execErr.StepID, map[string]any{
			"error_kind": string(execErr.Kind),
			"error":      execErr.Message,
		})
	}
	x.handle.setStatus(status)

	if err := x.persist(func(ctx context.Context, s store.ExecutionStore) error {
		return s.UpdateExecution(ctx, x.rec)
	}); err != nil {
		x.reportStoreError("update_execution", err)
	}

	ev := NewEvent(kind, x.rec.ID).
		WithPayload("status", string(status)).
		WithPayload("duration_ms", x.rec.DurationMS)
	if status == core.ExecutionCompleted {
		ev = ev.WithPayload("results", x.vars.Outputs())
	}
	if execErr != nil {
		ev = ev.WithPayload("error", execErr.Message).WithPayload("error_kind", string(execErr.Kind))
		if execErr.StepID != "" {
			ev = ev.WithPayload("step_id", execErr.StepID)
		}
	}
	x.emit(ev)
}

func (x *execution) saveStep(se core.StepExecution) {
	if err := x.persist(func(ctx context.Context, s store.ExecutionStore) error {
		return s.SaveStepExecution(ctx, se)
	}); err != nil {
		x.reportStoreError("save_step_execution", err)
	}
}

// persist runs fn against the store. It uses a context detached from
// cancellation so terminal records are written after a cancel.
func (x *execution) persist(fn func(ctx context.Context, s store.ExecutionStore) error) error {
	s := x.engine.cfg.Store
	if s == nil {
		return nil
	}
	return fn(context.WithoutCancel(x.ctx), s)
}

// reportStoreError logs a persistence failure. It never fails the run.
func (x *execution) reportStoreError(op string, err error) {
	x.logger.Error("execution store error", "operation", op, "error", err)
	x.emit(NewEvent(EventError, x.rec.ID).
		WithPayload("operation", op).
		WithPayload("error", err.Error()))
}

// log appends an execution log entry and mirrors it to slog.
func (x *execution) log(level, msg, stepID string, fields map[string]any) {
	x.appendLog(level, msg, stepID, fields)

	attrs := make([]any, 0, 2+2*len(fields))
	if stepID != "" {
		attrs = append(attrs, "step_id", stepID)
	}
	for k, v := range fields {
		attrs = append(attrs, k, v)
	}
	x.logger.Log(context.Background(), slogLevel(level), msg, attrs...)
}

func (x *execution) appendLog(level, msg, stepID string, fields map[string]any) {
	x.rec.Logs = append(x.rec.Logs, core.LogEntry{
		Time:    x.now(),
		Level:   level,
		Message: msg,
		StepID:  stepID,
		Fields:  fields,
	})
}

func (x *execution) now() time.Time {
	return x.engine.cfg.Now().UTC()
}

func slogLevel(level string) slog.Level {
	switch level {
	case core.LogLevelDebug:
		return slog.LevelDebug
	case core.LogLevelWarn:
		return slog.LevelWarn
	case core.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
