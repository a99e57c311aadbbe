// Package runtime provides the execution engine for petalpipe pipelines.
package runtime

import (
	"time"

	"github.com/petal-labs/petalpipe/core"
)

// EventKind identifies the type of event emitted by the engine.
type EventKind string

const (
	// EventExecutionStarted is emitted when an execution begins.
	EventExecutionStarted EventKind = "execution_started"

	// EventStepStarted is emitted when a step begins its first attempt.
	EventStepStarted EventKind = "step_started"

	// EventStepCompleted is emitted when a step succeeds.
	EventStepCompleted EventKind = "step_completed"

	// EventStepFailed is emitted when a step fails terminally.
	EventStepFailed EventKind = "step_failed"

	// EventStepSkipped is emitted for disabled, unselected and cancelled steps.
	EventStepSkipped EventKind = "step_skipped"

	// EventStepRetrying is emitted between attempts. It is not a state
	// transition.
	EventStepRetrying EventKind = "step_retrying"

	// EventExecutionCompleted is emitted when every step has finished.
	EventExecutionCompleted EventKind = "execution_completed"

	// EventExecutionFailed is emitted when a step failure ends the execution.
	EventExecutionFailed EventKind = "execution_failed"

	// EventExecutionCancelled is emitted when the execution was cancelled.
	EventExecutionCancelled EventKind = "execution_cancelled"

	// EventError reports an engine-level fault that is not tied to a step.
	EventError EventKind = "error"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// IsTerminal reports whether no further events follow this one.
func (k EventKind) IsTerminal() bool {
	switch k {
	case EventExecutionCompleted, EventExecutionFailed, EventExecutionCancelled:
		return true
	default:
		return false
	}
}

// Event is a structured, streamable record of what happened during an
// execution. Keep payloads small; full records live in the execution store.
type Event struct {
	// Kind identifies the event type.
	Kind EventKind `json:"type"`

	// ExecutionID is the execution this event belongs to.
	ExecutionID string `json:"execution_id"`

	// Time is when the event occurred.
	Time time.Time `json:"timestamp"`

	// Seq is a monotonic sequence number per execution (1-indexed).
	Seq uint64 `json:"seq"`

	// StepID is the step that produced this event (empty for execution-level events).
	StepID string `json:"step_id,omitempty"`

	// StepType is the type of the step (empty for execution-level events).
	StepType core.StepType `json:"step_type,omitempty"`

	// Attempt is the attempt number (1-indexed) for step events.
	Attempt int `json:"attempt,omitempty"`

	// Elapsed is the duration since the execution started.
	Elapsed time.Duration `json:"elapsed_ns,omitempty"`

	// Payload contains event-specific data.
	Payload map[string]any `json:"payload,omitempty"`

	// TraceID is the OpenTelemetry trace ID (hex-encoded, empty when OTel inactive).
	TraceID string `json:"trace_id,omitempty"`

	// SpanID is the OpenTelemetry span ID (hex-encoded, empty when OTel inactive).
	SpanID string `json:"span_id,omitempty"`
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(kind EventKind, executionID string) Event {
	return Event{
		Kind:        kind,
		ExecutionID: executionID,
		Time:        time.Now(),
		Payload:     make(map[string]any),
	}
}

// WithStep sets the step information on the event.
func (e Event) WithStep(stepID string, stepType core.StepType) Event {
	e.StepID = stepID
	e.StepType = stepType
	return e
}

// WithAttempt sets the attempt number on the event.
func (e Event) WithAttempt(attempt int) Event {
	e.Attempt = attempt
	return e
}

// WithElapsed sets the elapsed duration on the event.
func (e Event) WithElapsed(elapsed time.Duration) Event {
	e.Elapsed = elapsed
	return e
}

// WithPayload adds a key-value pair to the event payload.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// EventEmitter is a function type for emitting events.
type EventEmitter func(Event)

// EventEmitterDecorator wraps an emitter to add cross-cutting behavior,
// for example enriching events with trace metadata.
type EventEmitterDecorator func(EventEmitter) EventEmitter

// EventPublisher can publish events to external subscribers.
// This interface is satisfied by bus.EventBus, allowing the engine
// to distribute events without importing the bus package directly.
type EventPublisher interface {
	Publish(event Event)
}

// EventHandler is a function type for handling events.
type EventHandler func(Event)

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}
