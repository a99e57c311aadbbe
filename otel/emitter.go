package otel

import (
	"github.com/petal-labs/petalpipe/runtime"
)

// EnrichEmitter wraps emit so events carry the TraceID and SpanID of the
// active step span, falling back to the execution span. Events pass through
// unchanged when no span is active.
func EnrichEmitter(emit runtime.EventEmitter, tracing *TracingHandler) runtime.EventEmitter {
	return func(e runtime.Event) {
		if e.StepID != "" {
			if sc := tracing.ActiveSpanContext(e.ExecutionID, e.StepID); sc.IsValid() {
				e.TraceID = sc.TraceID().String()
				e.SpanID = sc.SpanID().String()
			}
		}
		if e.TraceID == "" && e.ExecutionID != "" {
			if sc := tracing.ActiveExecutionSpanContext(e.ExecutionID); sc.IsValid() {
				e.TraceID = sc.TraceID().String()
				e.SpanID = sc.SpanID().String()
			}
		}
		emit(e)
	}
}

// Decorator returns an EventEmitterDecorator for runtime.EngineConfig.
func (h *TracingHandler) Decorator() runtime.EventEmitterDecorator {
	return func(emit runtime.EventEmitter) runtime.EventEmitter {
		return EnrichEmitter(emit, h)
	}
}
