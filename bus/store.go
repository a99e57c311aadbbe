package bus

import (
	"context"

	"github.com/petal-labs/petalpipe/runtime"
)

// EventStore persists events for replay.
type EventStore interface {
	// Append stores an event. (execution_id, seq) is unique.
	Append(ctx context.Context, event runtime.Event) error

	// List returns an execution's events in seq order.
	// afterSeq: only events with Seq > afterSeq (0 means all)
	// limit: max events to return (0 means no limit)
	List(ctx context.Context, executionID string, afterSeq uint64, limit int) ([]runtime.Event, error)

	// LatestSeq returns the highest Seq of an execution (0 if none).
	LatestSeq(ctx context.Context, executionID string) (uint64, error)
}
