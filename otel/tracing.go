// Package otel provides OpenTelemetry integration for petalpipe execution events.
package otel

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/petalpipe/runtime"
)

// TracingHandler turns execution events into spans: one root span per
// execution and one child span per step.
type TracingHandler struct {
	tracer trace.Tracer

	mu        sync.RWMutex
	execSpans map[string]trace.Span      // executionID -> span
	execCtxs  map[string]context.Context // executionID -> context (for child spans)
	stepSpans map[string]trace.Span      // executionID:stepID -> span
}

// NewTracingHandler creates a TracingHandler backed by tracer.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:    tracer,
		execSpans: make(map[string]trace.Span),
		execCtxs:  make(map[string]context.Context),
		stepSpans: make(map[string]trace.Span),
	}
}

// Handle processes an event. It has runtime.EventHandler semantics.
func (h *TracingHandler) Handle(e runtime.Event) {
	switch e.Kind {
	case runtime.EventExecutionStarted:
		h.handleExecutionStarted(e)
	case runtime.EventStepStarted:
		h.handleStepStarted(e)
	case runtime.EventStepCompleted:
		h.endStep(e, "")
	case runtime.EventStepFailed:
		h.endStep(e, payloadString(e, "error", "step failed"))
	case runtime.EventStepRetrying, runtime.EventStepSkipped:
		h.annotate(e)
	case runtime.EventExecutionCompleted, runtime.EventExecutionFailed, runtime.EventExecutionCancelled:
		h.handleExecutionFinished(e)
	}
}

func (h *TracingHandler) handleExecutionStarted(e runtime.Event) {
	name := payloadString(e, "pipeline_name", "")
	if name == "" {
		name = payloadString(e, "pipeline_id", e.ExecutionID)
	}

	attrs := []attribute.KeyValue{
		attribute.String("petalpipe.execution_id", e.ExecutionID),
	}
	if id := payloadString(e, "pipeline_id", ""); id != "" {
		attrs = append(attrs, attribute.String("petalpipe.pipeline_id", id))
	}

	ctx, span := h.tracer.Start(context.Background(), "execution:"+name,
		trace.WithAttributes(attrs...),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.execSpans[e.ExecutionID] = span
	h.execCtxs[e.ExecutionID] = ctx
	h.mu.Unlock()
}

func (h *TracingHandler) handleStepStarted(e runtime.Event) {
	h.mu.RLock()
	parent, ok := h.execCtxs[e.ExecutionID]
	h.mu.RUnlock()
	if !ok {
		parent = context.Background()
	}

	_, span := h.tracer.Start(parent, "step:"+e.StepID,
		trace.WithAttributes(
			attribute.String("petalpipe.execution_id", e.ExecutionID),
			attribute.String("petalpipe.step_id", e.StepID),
			attribute.String("petalpipe.step_type", string(e.StepType)),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.stepSpans[stepKey(e)] = span
	h.mu.Unlock()
}

// endStep closes the step span. A non-empty errMsg marks it failed.
func (h *TracingHandler) endStep(e runtime.Event, errMsg string) {
	key := stepKey(e)
	h.mu.Lock()
	span, ok := h.stepSpans[key]
	delete(h.stepSpans, key)
	h.mu.Unlock()
	if !ok {
		return
	}

	span.SetAttributes(attribute.Int("petalpipe.attempts", e.Attempt))
	if errMsg != "" {
		span.SetAttributes(attribute.String("petalpipe.error_kind", payloadString(e, "error_kind", "")))
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(spanError(errMsg), trace.WithTimestamp(e.Time))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

// annotate adds a span event to the step span, or to the execution span for
// steps that never started.
func (h *TracingHandler) annotate(e runtime.Event) {
	h.mu.RLock()
	span, ok := h.stepSpans[stepKey(e)]
	if !ok {
		span, ok = h.execSpans[e.ExecutionID]
	}
	h.mu.RUnlock()
	if !ok {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("petalpipe.step_id", e.StepID),
	}
	if e.Attempt > 0 {
		attrs = append(attrs, attribute.Int("petalpipe.attempt", e.Attempt))
	}
	if reason := payloadString(e, "reason", ""); reason != "" {
		attrs = append(attrs, attribute.String("petalpipe.reason", reason))
	}
	if msg := payloadString(e, "error", ""); msg != "" {
		attrs = append(attrs, attribute.String("petalpipe.error", msg))
	}
	span.AddEvent(string(e.Kind), trace.WithTimestamp(e.Time), trace.WithAttributes(attrs...))
}

func (h *TracingHandler) handleExecutionFinished(e runtime.Event) {
	h.mu.Lock()
	span, ok := h.execSpans[e.ExecutionID]
	delete(h.execSpans, e.ExecutionID)
	delete(h.execCtxs, e.ExecutionID)
	prefix := e.ExecutionID + ":"
	var orphans []trace.Span
	for key, s := range h.stepSpans {
		if strings.HasPrefix(key, prefix) {
			orphans = append(orphans, s)
			delete(h.stepSpans, key)
		}
	}
	h.mu.Unlock()

	for _, s := range orphans {
		s.SetStatus(codes.Error, "execution ended before step finished")
		s.End(trace.WithTimestamp(e.Time))
	}
	if !ok {
		return
	}

	status := payloadString(e, "status", "")
	span.SetAttributes(
		attribute.String("petalpipe.status", status),
		attribute.Int64("petalpipe.duration_ms", e.Elapsed.Milliseconds()),
	)
	if e.Kind == runtime.EventExecutionFailed {
		span.SetStatus(codes.Error, payloadString(e, "error", "execution failed"))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

// ActiveSpanContext returns the span context of the running step, or an
// empty SpanContext.
func (h *TracingHandler) ActiveSpanContext(executionID, stepID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.stepSpans[executionID+":"+stepID]
	h.mu.RUnlock()
	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// ActiveExecutionSpanContext returns the span context of the execution's
// root span, or an empty SpanContext.
func (h *TracingHandler) ActiveExecutionSpanContext(executionID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.execSpans[executionID]
	h.mu.RUnlock()
	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

func stepKey(e runtime.Event) string {
	return e.ExecutionID + ":" + e.StepID
}

func payloadString(e runtime.Event, key, fallback string) string {
	if s, ok := e.Payload[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

type spanError string

func (e spanError) Error() string { return string(e) }
