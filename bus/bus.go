// Package bus distributes execution progress events. The engine publishes
// every event once; SSE streams, the event store and observability
// handlers subscribe independently.
package bus

import "github.com/petal-labs/petalpipe/runtime"

// EventBus distributes events to subscribers.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(event runtime.Event)

	// Subscribe registers a subscriber for one execution.
	// The subscription must be closed when done.
	Subscribe(executionID string) Subscription

	// SubscribeAll registers a subscriber that receives every execution's events.
	SubscribeAll() Subscription

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription receives events.
type Subscription interface {
	// Events returns the channel of delivered events. It is closed when the
	// subscription or the bus is closed.
	Events() <-chan runtime.Event

	// Dropped reports how many events were discarded because the
	// subscriber fell behind.
	Dropped() uint64

	// Close unsubscribes and releases resources.
	Close() error
}
