package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/petal-labs/petalpipe/core"
	"github.com/petal-labs/petalpipe/steps"
	"github.com/petal-labs/petalpipe/store"
)

// scriptedExecutor runs per-step functions and records every call.
type scriptedExecutor struct {
	mu     sync.Mutex
	calls  []string
	inputs map[string]map[string]any
	funcs  map[string]steps.ExecutorFunc
	inner  steps.Executor
}

func newScripted() *scriptedExecutor {
	return &scriptedExecutor{
		inputs: make(map[string]map[string]any),
		funcs:  make(map[string]steps.ExecutorFunc),
	}
}

func (s *scriptedExecutor) Execute(ctx context.Context, step core.Step, inputs map[string]any, rc steps.RunContext) steps.Result {
	s.mu.Lock()
	s.calls = append(s.calls, step.ID)
	s.inputs[step.ID] = inputs
	fn := s.funcs[step.ID]
	s.mu.Unlock()

	if fn != nil {
		return fn(ctx, step, inputs, rc)
	}
	if s.inner != nil {
		return s.inner.Execute(ctx, step, inputs, rc)
	}
	return steps.Success{Outputs: map[string]any{"step": step.ID}}
}

func (s *scriptedExecutor) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) handle(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventKind, len(l.events))
	for i, e := range l.events {
		out[i] = e.Kind
	}
	return out
}

func (l *eventLog) count(kind EventKind) int {
	n := 0
	for _, k := range l.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

func (l *eventLog) find(kind EventKind, stepID string) (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e.Kind == kind && e.StepID == stepID {
			return e, true
		}
	}
	return Event{}, false
}

func newTestEngine(t *testing.T, exec steps.Executor) (*Engine, *store.MemStore, *eventLog) {
	t.Helper()
	st := store.NewMemStore()
	events := &eventLog{}
	e, err := NewEngine(EngineConfig{
		Executor:     exec,
		Store:        st,
		EventHandler: events.handle,
	})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	e.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return e, st, events
}

func linearPipeline(n int) core.PipelineDefinition {
	def := core.PipelineDefinition{ID: "linear", Name: "linear"}
	for i := 1; i <= n; i++ {
		id := string(rune('a' + i - 1))
		def.Steps = append(def.Steps, core.Step{
			ID:     id,
			Type:   core.StepTypeTransform,
			Order:  i,
			Config: map[string]any{"operation": "pick"},
		})
	}
	return def
}

func TestEngine_RunCompletesEveryStep(t *testing.T) {
	exec := newScripted()
	e, st, events := newTestEngine(t, exec)

	rec, err := e.Run(context.Background(), RunRequest{Pipeline: linearPipeline(3), Input: map[string]any{"x": 1}, UserID: "u1"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rec.Status != core.ExecutionCompleted {
		t.Fatalf("status = %q, want completed (error %+v)", rec.Status, rec.Error)
	}
	if got := exec.Calls(); len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Fatalf("calls = %v, want [a b c]", got)
	}

	if n := events.count(EventStepCompleted); n != 3 {
		t.Fatalf("step_completed events = %d, want 3", n)
	}
	if n := events.count(EventExecutionCompleted); n != 1 {
		t.Fatalf("execution_completed events = %d, want 1", n)
	}
	kinds := events.kinds()
	if kinds[0] != EventExecutionStarted || kinds[len(kinds)-1] != EventExecutionCompleted {
		t.Fatalf("event order = %v", kinds)
	}

	events.mu.Lock()
	for i, ev := range events.events {
		if ev.Seq != uint64(i+1) {
			t.Errorf("event %d seq = %d, want %d", i, ev.Seq, i+1)
		}
		if ev.ExecutionID != rec.ID {
			t.Errorf("event %d execution_id = %q", i, ev.ExecutionID)
		}
	}
	events.mu.Unlock()

	for _, key := range []string{"a", "b", "c"} {
		out, ok := rec.Results[key].(map[string]any)
		if !ok || out["step"] != key {
			t.Fatalf("results[%s] = %v", key, rec.Results[key])
		}
	}

	stored, err := st.GetExecution(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if stored.Status != core.ExecutionCompleted || stored.CompletedAt == nil || stored.UserID != "u1" {
		t.Fatalf("stored execution = %+v", stored)
	}
	stepRecs, _ := st.ListStepExecutions(context.Background(), rec.ID)
	if len(stepRecs) != 3 {
		t.Fatalf("step executions = %d, want 3", len(stepRecs))
	}
	for _, se := range stepRecs {
		if se.Status != core.StepCompleted || se.CompletedAt == nil || se.Attempts != 1 {
			t.Fatalf("step execution = %+v", se)
		}
	}
	if len(e.Active()) != 0 {
		t.Fatalf("registry still lists %d executions", len(e.Active()))
	}
}

func TestEngine_MissingConfigFailsWithoutDownstream(t *testing.T) {
	exec := newScripted()
	exec.inner = steps.NewDispatcher(steps.Deps{
		LLM: core.LLMClientFunc(func(ctx context.Context, req core.LLMRequest) (core.LLMResponse, error) {
			return core.LLMResponse{Text: "unused"}, nil
		}),
	})
	e, st, events := newTestEngine(t, exec)

	def := core.PipelineDefinition{
		ID: "p",
		Steps: []core.Step{
			{ID: "ask", Type: core.StepTypePrompt, Order: 1, Config: map[string]any{"prompt": "hi"}},
			{ID: "after", Type: core.StepTypeTransform, Order: 2, Config: map[string]any{"operation": "pick"}},
		},
	}
	rec, err := e.Run(context.Background(), RunRequest{Pipeline: def})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rec.Status != core.ExecutionFailed {
		t.Fatalf("status = %q, want failed", rec.Status)
	}
	if rec.Error == nil || rec.Error.Kind != core.ErrorKindValidation || rec.Error.StepID != "ask" {
		t.Fatalf("error = %+v, want validation on ask", rec.Error)
	}
	if got := exec.Calls(); len(got) != 1 {
		t.Fatalf("calls = %v, want only ask", got)
	}
	if _, ok := events.find(EventStepStarted, "after"); ok {
		t.Fatal("downstream step started")
	}
	if n := events.count(EventExecutionFailed); n != 1 {
		t.Fatalf("execution_failed events = %d, want 1", n)
	}
	failed, ok := events.find(EventStepFailed, "ask")
	if !ok || failed.Payload["retryable"] != false {
		t.Fatalf("step_failed = %+v", failed)
	}
	stepRecs, _ := st.ListStepExecutions(context.Background(), rec.ID)
	if len(stepRecs) != 1 || stepRecs[0].Status != core.StepFailed || stepRecs[0].Error == nil {
		t.Fatalf("step executions = %+v", stepRecs)
	}
}

func TestEngine_CancelBetweenSteps(t *testing.T) {
	exec := newScripted()
	st := store.NewMemStore()
	events := &eventLog{}
	var e *Engine
	e, err := NewEngine(EngineConfig{
		Executor: exec,
		Store:    st,
		EventHandler: func(ev Event) {
			events.handle(ev)
			if ev.Kind == EventStepCompleted && ev.StepID == "b" {
				if !e.Cancel(ev.ExecutionID) {
					t.Error("Cancel() = false for running execution")
				}
			}
		},
	})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	rec, err := e.Run(context.Background(), RunRequest{Pipeline: linearPipeline(4), ExecutionID: "exec-cancel"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rec.Status != core.ExecutionCancelled {
		t.Fatalf("status = %q, want cancelled", rec.Status)
	}
	if got := exec.Calls(); len(got) != 2 {
		t.Fatalf("calls = %v, want [a b]", got)
	}
	if _, ok := rec.Results["b"]; !ok {
		t.Fatal("outputs of the step that completed before cancel are missing")
	}
	for _, id := range []string{"c", "d"} {
		if _, ok := events.find(EventStepSkipped, id); !ok {
			t.Fatalf("step %s not skipped", id)
		}
	}
	if n := events.count(EventExecutionCancelled); n != 1 {
		t.Fatalf("execution_cancelled events = %d, want 1", n)
	}
	if e.Cancel("exec-cancel") {
		t.Fatal("Cancel() = true after terminal")
	}

	stepRecs, _ := st.ListStepExecutions(context.Background(), rec.ID)
	var skipped int
	for _, se := range stepRecs {
		if se.Status == core.StepSkipped {
			skipped++
		}
	}
	if skipped != 2 {
		t.Fatalf("skipped step executions = %d, want 2", skipped)
	}
}

func branchPipeline(score int) (core.PipelineDefinition, map[string]any) {
	def := core.PipelineDefinition{
		ID: "branch",
		Steps: []core.Step{
			{ID: "start", Type: core.StepTypeTransform, Order: 1},
			{ID: "check", Type: core.StepTypeCondition, Order: 2, Config: map[string]any{
				"field": "input.score", "operator": "gt", "value": 50,
				"true_branch": []any{"high"}, "false_branch": []any{"low"},
			}},
			{ID: "high", Type: core.StepTypeTransform, Order: 3},
			{ID: "low", Type: core.StepTypeTransform, Order: 4},
			{ID: "tail", Type: core.StepTypeTransform, Order: 5},
		},
	}
	return def, map[string]any{"score": score}
}

func TestEngine_ConditionRoutesTrueBranch(t *testing.T) {
	exec := newScripted()
	exec.funcs["check"] = (&steps.ConditionExecutor{}).Execute
	e, _, events := newTestEngine(t, exec)

	def, input := branchPipeline(80)
	rec, err := e.Run(context.Background(), RunRequest{Pipeline: def, Input: input})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rec.Status != core.ExecutionCompleted {
		t.Fatalf("status = %q (error %+v)", rec.Status, rec.Error)
	}
	got := exec.Calls()
	want := []string{"start", "check", "high"}
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("calls = %v, want %v", got, want)
		}
	}
	for _, id := range []string{"low", "tail"} {
		ev, ok := events.find(EventStepSkipped, id)
		if !ok || ev.Payload["reason"] != "branch_not_taken" {
			t.Fatalf("step %s skip event = %+v", id, ev)
		}
	}
	check, _ := rec.Results["check"].(map[string]any)
	if check["result"] != true {
		t.Fatalf("check outputs = %v", check)
	}
}

func TestEngine_ConditionRoutesFalseBranch(t *testing.T) {
	exec := newScripted()
	exec.funcs["check"] = (&steps.ConditionExecutor{}).Execute
	e, _, events := newTestEngine(t, exec)

	def, input := branchPipeline(10)
	if _, err := e.Run(context.Background(), RunRequest{Pipeline: def, Input: input}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	got := exec.Calls()
	if len(got) != 3 || got[2] != "low" {
		t.Fatalf("calls = %v, want [start check low]", got)
	}
	if _, ok := events.find(EventStepSkipped, "high"); !ok {
		t.Fatal("high not skipped")
	}
}

func TestEngine_NestedConditionFails(t *testing.T) {
	exec := newScripted()
	exec.inner = steps.NewDispatcher(steps.Deps{})
	e, _, _ := newTestEngine(t, exec)

	def := core.PipelineDefinition{
		ID: "nested",
		Steps: []core.Step{
			{ID: "outer", Type: core.StepTypeCondition, Order: 1, Config: map[string]any{
				"field": "input.flag", "operator": "eq", "value": true, "true_branch": []any{"inner"},
			}},
			{ID: "inner", Type: core.StepTypeCondition, Order: 2, Config: map[string]any{
				"field": "input.flag", "operator": "exists",
			}},
		},
	}
	rec, err := e.Run(context.Background(), RunRequest{Pipeline: def, Input: map[string]any{"flag": true}})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rec.Status != core.ExecutionFailed || rec.Error == nil || rec.Error.Kind != core.ErrorKindValidation || rec.Error.StepID != "inner" {
		t.Fatalf("execution = %+v, want validation failure on inner", rec)
	}
	if got := exec.Calls(); len(got) != 1 {
		t.Fatalf("calls = %v, want only outer", got)
	}
}

func TestEngine_RetriesUntilSuccess(t *testing.T) {
	exec := newScripted()
	attempts := 0
	exec.funcs["a"] = func(ctx context.Context, step core.Step, inputs map[string]any, rc steps.RunContext) steps.Result {
		attempts++
		if rc.Attempt != attempts {
			t.Errorf("rc.Attempt = %d, want %d", rc.Attempt, attempts)
		}
		if attempts < 3 {
			return steps.Fail(core.ErrorKindExternalService, "upstream 503")
		}
		return steps.Success{Outputs: map[string]any{"ok": true}}
	}
	e, st, events := newTestEngine(t, exec)

	def := linearPipeline(1)
	def.Steps[0].RetryConfig = &core.RetryConfig{MaxAttempts: 3, Backoff: core.BackoffConfig{InitialMS: 5}}

	rec, err := e.Run(context.Background(), RunRequest{Pipeline: def})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rec.Status != core.ExecutionCompleted {
		t.Fatalf("status = %q", rec.Status)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	if n := events.count(EventStepRetrying); n != 2 {
		t.Fatalf("step_retrying events = %d, want 2", n)
	}
	completed, _ := events.find(EventStepCompleted, "a")
	if completed.Attempt != 3 {
		t.Fatalf("step_completed attempt = %d, want 3", completed.Attempt)
	}
	stepRecs, _ := st.ListStepExecutions(context.Background(), rec.ID)
	if len(stepRecs) != 1 || stepRecs[0].Attempts != 3 {
		t.Fatalf("step execution = %+v", stepRecs)
	}

	var retryLogs int
	for _, entry := range rec.Logs {
		if entry.Message == "step retrying" {
			retryLogs++
		}
	}
	if retryLogs != 2 {
		t.Fatalf("retry log entries = %d, want 2", retryLogs)
	}
}

func TestEngine_RetriesExhausted(t *testing.T) {
	exec := newScripted()
	exec.funcs["a"] = func(ctx context.Context, step core.Step, inputs map[string]any, rc steps.RunContext) steps.Result {
		return steps.Fail(core.ErrorKindProvider, "rate limited")
	}
	e, _, events := newTestEngine(t, exec)

	def := linearPipeline(2)
	def.Steps[0].RetryConfig = &core.RetryConfig{MaxAttempts: 3}

	rec, err := e.Run(context.Background(), RunRequest{Pipeline: def})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rec.Status != core.ExecutionFailed || rec.Error.Kind != core.ErrorKindProvider {
		t.Fatalf("execution = %+v", rec)
	}
	if got := exec.Calls(); len(got) != 3 {
		t.Fatalf("calls = %v, want 3 attempts of a", got)
	}
	failed, _ := events.find(EventStepFailed, "a")
	if failed.Attempt != 3 {
		t.Fatalf("step_failed attempt = %d, want 3", failed.Attempt)
	}
}

func TestEngine_TemplateSubstitution(t *testing.T) {
	exec := newScripted()
	exec.funcs["first"] = func(ctx context.Context, step core.Step, inputs map[string]any, rc steps.RunContext) steps.Result {
		return steps.Success{Outputs: map[string]any{"name": "world", "items": []any{"x", "y"}}}
	}
	e, _, _ := newTestEngine(t, exec)

	def := core.PipelineDefinition{
		ID:     "tmpl",
		Config: map[string]any{"greeting": "hello"},
		Steps: []core.Step{
			{ID: "first", Type: core.StepTypeTransform, Order: 1},
			{ID: "second", Type: core.StepTypeTransform, Order: 2,
				Config: map[string]any{
					"text":    "{{pipeline.greeting}} {{ output.first.name }} from {{input.city}}",
					"list":    "{{output.first.items}}",
					"missing": "{{output.ghost.value}}",
				},
				InputMapping: map[string]string{"second_item": "output.first.items[1]"},
			},
		},
	}
	rec, err := e.Run(context.Background(), RunRequest{Pipeline: def, Input: map[string]any{"city": "Oslo"}})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rec.Status != core.ExecutionCompleted {
		t.Fatalf("status = %q", rec.Status)
	}

	exec.mu.Lock()
	inputs := exec.inputs["second"]
	exec.mu.Unlock()
	if inputs["text"] != "hello world from Oslo" {
		t.Fatalf("text = %q", inputs["text"])
	}
	if list, ok := inputs["list"].([]any); !ok || len(list) != 2 {
		t.Fatalf("list = %#v, want raw list", inputs["list"])
	}
	if inputs["second_item"] != "y" {
		t.Fatalf("second_item = %v", inputs["second_item"])
	}
	if inputs["missing"] != "{{output.ghost.value}}" {
		t.Fatalf("unresolved token = %v, want left literal", inputs["missing"])
	}

	var warned bool
	for _, entry := range rec.Logs {
		if entry.Level == core.LogLevelWarn && entry.StepID == "second" {
			warned = true
		}
	}
	if !warned {
		t.Fatal("unresolved template not logged")
	}
}

func TestEngine_DryRunHasNoSideEffects(t *testing.T) {
	exec := newScripted()
	e, st, events := newTestEngine(t, exec)

	def := linearPipeline(2)
	res := e.DryRun(RunRequest{Pipeline: def, Input: map[string]any{"x": 1}})
	if !res.Valid {
		t.Fatalf("DryRun invalid: %+v", res.Errors)
	}
	if len(exec.Calls()) != 0 {
		t.Fatalf("executor called %d times", len(exec.Calls()))
	}
	list, _ := st.ListExecutions(context.Background(), store.ListOptions{})
	if len(list) != 0 {
		t.Fatalf("dry run persisted %d executions", len(list))
	}
	if len(events.kinds()) != 0 {
		t.Fatalf("dry run emitted events %v", events.kinds())
	}
}

func TestEngine_DisabledStepSkipped(t *testing.T) {
	exec := newScripted()
	e, _, events := newTestEngine(t, exec)

	def := linearPipeline(3)
	disabled := false
	def.Steps[1].Enabled = &disabled

	rec, err := e.Run(context.Background(), RunRequest{Pipeline: def})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rec.Status != core.ExecutionCompleted {
		t.Fatalf("status = %q", rec.Status)
	}
	if got := exec.Calls(); len(got) != 2 || got[1] != "c" {
		t.Fatalf("calls = %v", got)
	}
	ev, ok := events.find(EventStepSkipped, "b")
	if !ok || ev.Payload["reason"] != "disabled" {
		t.Fatalf("skip event = %+v", ev)
	}
	if _, ok := rec.Results["b"]; ok {
		t.Fatal("disabled step produced results")
	}
}

func TestEngine_StepTimeout(t *testing.T) {
	exec := newScripted()
	exec.funcs["a"] = func(ctx context.Context, step core.Step, inputs map[string]any, rc steps.RunContext) steps.Result {
		<-ctx.Done()
		return steps.FailureFrom(ctx.Err(), core.ErrorKindInternal)
	}
	e, _, _ := newTestEngine(t, exec)

	def := linearPipeline(1)
	def.Steps[0].Timeout = 0.02

	rec, err := e.Run(context.Background(), RunRequest{Pipeline: def})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rec.Status != core.ExecutionFailed || rec.Error.Kind != core.ErrorKindTimeout {
		t.Fatalf("execution = %+v, want timeout failure", rec)
	}
}

func TestEngine_OutputMappingAndDebug(t *testing.T) {
	exec := newScripted()
	exec.funcs["a"] = func(ctx context.Context, step core.Step, inputs map[string]any, rc steps.RunContext) steps.Result {
		return steps.Success{Outputs: map[string]any{"text": "hi"}}
	}
	e, _, events := newTestEngine(t, exec)

	def := linearPipeline(1)
	def.Steps[0].Name = "greet"
	def.Steps[0].OutputMapping = map[string]string{"text": "message"}
	def.Steps[0].Config["label"] = "{{input.who}}"

	rec, err := e.Run(context.Background(), RunRequest{Pipeline: def, Input: map[string]any{"who": "ada"}, DebugMode: true})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	greet, ok := rec.Results["greet"].(map[string]any)
	if !ok || greet["message"] != "hi" {
		t.Fatalf("results = %v, want output.greet.message", rec.Results)
	}
	started, _ := events.find(EventStepStarted, "a")
	inputs, ok := started.Payload["inputs"].(map[string]any)
	if !ok || inputs["label"] != "ada" {
		t.Fatalf("step_started payload = %v, want resolved inputs", started.Payload)
	}
}

func TestEngine_StartStreamsUntilTerminal(t *testing.T) {
	release := make(chan struct{})
	exec := newScripted()
	exec.funcs["a"] = func(ctx context.Context, step core.Step, inputs map[string]any, rc steps.RunContext) steps.Result {
		<-release
		return steps.Success{Outputs: map[string]any{}}
	}
	e, st, _ := newTestEngine(t, exec)

	id, stream, err := e.Start(context.Background(), RunRequest{Pipeline: linearPipeline(2), UserID: "u"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if stream.ExecutionID() != id {
		t.Fatalf("stream id = %q, want %q", stream.ExecutionID(), id)
	}

	active := e.Active()
	if len(active) != 1 || active[0].ExecutionID != id || active[0].UserID != "u" {
		t.Fatalf("Active() = %+v", active)
	}
	close(release)

	var last Event
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case ev, ok := <-stream.Events():
			if !ok {
				done = true
				break
			}
			last = ev
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
	if last.Kind != EventExecutionCompleted {
		t.Fatalf("last event = %q, want execution_completed", last.Kind)
	}
	<-stream.Done()

	rec, err := st.GetExecution(context.Background(), id)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if rec.Status != core.ExecutionCompleted {
		t.Fatalf("stored status = %q", rec.Status)
	}
	if _, ok := e.Registry().Lookup(id); ok {
		t.Fatal("terminal execution still registered")
	}
}

func waitDone(t *testing.T, stream *Stream) {
	t.Helper()
	select {
	case <-stream.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not stop")
	}
}

func stepRecord(t *testing.T, st *store.MemStore, executionID, stepID string) core.StepExecution {
	t.Helper()
	recs, err := st.ListStepExecutions(context.Background(), executionID)
	if err != nil {
		t.Fatalf("ListStepExecutions: %v", err)
	}
	for _, se := range recs {
		if se.StepID == stepID {
			return se
		}
	}
	t.Fatalf("no step execution for %s", stepID)
	return core.StepExecution{}
}

func TestEngine_StartCancelWhileRunning(t *testing.T) {
	exec := newScripted()
	entered := make(chan struct{})
	exec.funcs["a"] = func(ctx context.Context, step core.Step, inputs map[string]any, rc steps.RunContext) steps.Result {
		close(entered)
		<-ctx.Done()
		return steps.FailureFrom(ctx.Err(), core.ErrorKindInternal)
	}
	e, st, events := newTestEngine(t, exec)

	id, stream, err := e.Start(context.Background(), RunRequest{Pipeline: linearPipeline(2)})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	stream.Detach()
	<-entered
	if !e.Cancel(id) {
		t.Fatal("Cancel() = false")
	}
	waitDone(t, stream)

	if n := events.count(EventExecutionCancelled); n != 1 {
		t.Fatalf("execution_cancelled = %d, kinds %v", n, events.kinds())
	}
	if _, ok := events.find(EventStepSkipped, "b"); !ok {
		t.Fatal("b not skipped after cancel")
	}
	a := stepRecord(t, st, id, "a")
	if a.Status != core.StepFailed || a.Error == nil || a.Error.Kind != core.ErrorKindCancelled {
		t.Fatalf("step a = %+v, want failed with kind cancelled", a)
	}
	if got := exec.Calls(); len(got) != 1 {
		t.Fatalf("calls = %v, want [a]", got)
	}
}

func TestEngine_CancelLetsRunningAttemptFinish(t *testing.T) {
	exec := newScripted()
	entered := make(chan struct{})
	exec.funcs["a"] = func(_ context.Context, step core.Step, inputs map[string]any, rc steps.RunContext) steps.Result {
		close(entered)
		time.Sleep(100 * time.Millisecond)
		return steps.Success{Outputs: map[string]any{"text": "late"}}
	}
	e, st, events := newTestEngine(t, exec)

	id, stream, err := e.Start(context.Background(), RunRequest{Pipeline: linearPipeline(3)})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	stream.Detach()
	<-entered
	cancelled := time.Now()
	if !e.Cancel(id) {
		t.Fatal("Cancel() = false")
	}
	waitDone(t, stream)
	if waited := time.Since(cancelled); waited < 50*time.Millisecond {
		t.Fatalf("execution stopped after %s, before the running attempt returned", waited)
	}

	a := stepRecord(t, st, id, "a")
	if a.Status != core.StepCompleted || a.Outputs["text"] != "late" {
		t.Fatalf("step a = %+v, want completed with its outputs", a)
	}
	if _, ok := events.find(EventStepCompleted, "a"); !ok {
		t.Fatal("no step_completed for a")
	}
	for _, stepID := range []string{"b", "c"} {
		if _, ok := events.find(EventStepSkipped, stepID); !ok {
			t.Fatalf("step %s not skipped", stepID)
		}
	}

	rec, err := st.GetExecution(context.Background(), id)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if rec.Status != core.ExecutionCancelled {
		t.Fatalf("status = %q, want cancelled", rec.Status)
	}
	if _, ok := rec.Results["a"]; !ok {
		t.Fatalf("results = %v, want outputs of a", rec.Results)
	}
	if got := exec.Calls(); len(got) != 1 {
		t.Fatalf("calls = %v, want [a]", got)
	}
}

func TestEngine_StreamDeliversEveryEventToSlowReader(t *testing.T) {
	e, err := NewEngine(EngineConfig{Executor: newScripted(), StreamBuffer: 4})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	_, stream, err := e.Start(context.Background(), RunRequest{Pipeline: linearPipeline(5)})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	var kinds []EventKind
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case ev, ok := <-stream.Events():
			if !ok {
				done = true
				break
			}
			if ev.Seq != uint64(len(kinds)+1) {
				t.Fatalf("event %d has seq %d", len(kinds)+1, ev.Seq)
			}
			kinds = append(kinds, ev.Kind)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}

	// started, 5 x (step_started, step_completed), completed
	if len(kinds) != 12 {
		t.Fatalf("received %d events, want 12: %v", len(kinds), kinds)
	}
	if kinds[0] != EventExecutionStarted || kinds[11] != EventExecutionCompleted {
		t.Fatalf("kinds = %v", kinds)
	}
}

func TestEngine_HandleUsesEngineClock(t *testing.T) {
	fixed := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	release := make(chan struct{})
	exec := newScripted()
	exec.funcs["a"] = func(ctx context.Context, step core.Step, inputs map[string]any, rc steps.RunContext) steps.Result {
		<-release
		return steps.Success{}
	}
	st := store.NewMemStore()
	e, err := NewEngine(EngineConfig{Executor: exec, Store: st, Now: func() time.Time { return fixed }})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	id, stream, err := e.Start(context.Background(), RunRequest{Pipeline: linearPipeline(1)})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	stream.Detach()

	active := e.Active()
	if len(active) != 1 || !active[0].StartedAt.Equal(fixed) {
		t.Fatalf("Active() = %+v, want started_at %s", active, fixed)
	}
	close(release)
	waitDone(t, stream)

	rec, err := st.GetExecution(context.Background(), id)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if !rec.StartedAt.Equal(active[0].StartedAt) {
		t.Fatalf("record started_at %s, handle %s", rec.StartedAt, active[0].StartedAt)
	}
}

func TestEngine_RunRejectsInvalidRequests(t *testing.T) {
	if _, err := NewEngine(EngineConfig{}); err != ErrNoExecutor {
		t.Fatalf("NewEngine() error = %v, want ErrNoExecutor", err)
	}
	e, _, _ := newTestEngine(t, newScripted())
	if _, err := e.Run(context.Background(), RunRequest{}); err != ErrEmptyPipeline {
		t.Fatalf("Run(empty) error = %v, want ErrEmptyPipeline", err)
	}
	if e.Cancel("unknown") {
		t.Fatal("Cancel(unknown) = true")
	}
}

func TestEngine_StoreErrorsDoNotFailRun(t *testing.T) {
	events := &eventLog{}
	e, err := NewEngine(EngineConfig{
		Executor:     newScripted(),
		Store:        failingStore{},
		EventHandler: events.handle,
	})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	rec, err := e.Run(context.Background(), RunRequest{Pipeline: linearPipeline(1)})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rec.Status != core.ExecutionCompleted {
		t.Fatalf("status = %q", rec.Status)
	}
	if events.count(EventError) == 0 {
		t.Fatal("store failures not reported as error events")
	}
}

type failingStore struct{}

func (failingStore) CreateExecution(context.Context, core.Execution) error { return errBoom }
func (failingStore) UpdateExecution(context.Context, core.Execution) error { return errBoom }
func (failingStore) GetExecution(context.Context, string) (core.Execution, error) {
	return core.Execution{}, errBoom
}
func (failingStore) ListExecutions(context.Context, store.ListOptions) ([]core.Execution, error) {
	return nil, errBoom
}
func (failingStore) SaveStepExecution(context.Context, core.StepExecution) error { return errBoom }
func (failingStore) ListStepExecutions(context.Context, string) ([]core.StepExecution, error) {
	return nil, errBoom
}

var errBoom = errors.New("store down")
