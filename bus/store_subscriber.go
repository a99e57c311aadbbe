package bus

import (
	"context"
	"log/slog"
	"time"

	"github.com/petal-labs/petalpipe/runtime"
)

// StoreSubscriber writes events to an EventStore. Handle fits
// runtime.EventHandler, so it can be attached to the engine directly.
type StoreSubscriber struct {
	store   EventStore
	logger  *slog.Logger
	timeout time.Duration
}

// NewStoreSubscriber creates a StoreSubscriber.
func NewStoreSubscriber(store EventStore, logger *slog.Logger) *StoreSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreSubscriber{store: store, logger: logger, timeout: 5 * time.Second}
}

// Handle persists a single event. Failures are logged, never returned.
func (s *StoreSubscriber) Handle(event runtime.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.store.Append(ctx, event); err != nil {
		s.logger.Error("failed to persist event",
			"execution_id", event.ExecutionID,
			"kind", event.Kind,
			"seq", event.Seq,
			"error", err,
		)
	}
}

// Drain persists every event of sub until the subscription closes.
func (s *StoreSubscriber) Drain(sub Subscription) {
	for ev := range sub.Events() {
		s.Handle(ev)
	}
}
