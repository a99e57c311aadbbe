package bus

import (
	"sync"
	"sync/atomic"

	"github.com/petal-labs/petalpipe/runtime"
)

// DefaultSubscriberBuffer is the per-subscriber channel capacity.
const DefaultSubscriberBuffer = 256

// MemBusConfig configures an in-memory event bus.
type MemBusConfig struct {
	// SubscriberBufferSize is the channel buffer size per subscriber (default: 256).
	SubscriberBufferSize int
}

// MemBus is an in-process EventBus. Slow subscribers lose events rather
// than blocking the engine.
type MemBus struct {
	mu      sync.RWMutex
	byExec  map[string]map[*memSub]struct{}
	global  map[*memSub]struct{}
	bufSize int
	closed  bool
}

// NewMemBus creates an in-memory event bus.
func NewMemBus(config MemBusConfig) *MemBus {
	bufSize := config.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = DefaultSubscriberBuffer
	}
	return &MemBus{
		byExec:  make(map[string]map[*memSub]struct{}),
		global:  make(map[*memSub]struct{}),
		bufSize: bufSize,
	}
}

// Publish delivers event to the subscribers of its execution and to every
// global subscriber. Events published after Close are dropped.
func (b *MemBus) Publish(event runtime.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for sub := range b.byExec[event.ExecutionID] {
		sub.send(event)
	}
	for sub := range b.global {
		sub.send(event)
	}
}

// Subscribe implements EventBus.
func (b *MemBus) Subscribe(executionID string) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newMemSub(b, executionID, b.bufSize)
	if b.closed {
		sub.close()
		return sub
	}
	set, ok := b.byExec[executionID]
	if !ok {
		set = make(map[*memSub]struct{})
		b.byExec[executionID] = set
	}
	set[sub] = struct{}{}
	return sub
}

// SubscribeAll implements EventBus.
func (b *MemBus) SubscribeAll() Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newMemSub(b, "", b.bufSize)
	sub.global = true
	if b.closed {
		sub.close()
		return sub
	}
	b.global[sub] = struct{}{}
	return sub
}

// Close shuts down the bus and closes every subscription.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for _, set := range b.byExec {
		for sub := range set {
			sub.close()
		}
	}
	for sub := range b.global {
		sub.close()
	}
	b.byExec = make(map[string]map[*memSub]struct{})
	b.global = make(map[*memSub]struct{})
	return nil
}

// Subscribers reports the number of live subscriptions.
func (b *MemBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.global)
	for _, set := range b.byExec {
		n += len(set)
	}
	return n
}

func (b *MemBus) remove(sub *memSub) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub.global {
		delete(b.global, sub)
		return
	}
	set := b.byExec[sub.executionID]
	delete(set, sub)
	if len(set) == 0 {
		delete(b.byExec, sub.executionID)
	}
}

type memSub struct {
	bus         *MemBus
	executionID string
	global      bool
	ch          chan runtime.Event
	dropped     atomic.Uint64

	mu     sync.Mutex
	closed bool
}

func newMemSub(b *MemBus, executionID string, bufSize int) *memSub {
	return &memSub{
		bus:         b,
		executionID: executionID,
		ch:          make(chan runtime.Event, bufSize),
	}
}

func (s *memSub) Events() <-chan runtime.Event {
	return s.ch
}

func (s *memSub) Dropped() uint64 {
	return s.dropped.Load()
}

// Close removes the subscription from the bus and closes its channel.
func (s *memSub) Close() error {
	s.bus.remove(s)
	s.close()
	return nil
}

func (s *memSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (s *memSub) send(event runtime.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
	default:
		s.dropped.Add(1)
	}
}

var (
	_ EventBus               = (*MemBus)(nil)
	_ Subscription           = (*memSub)(nil)
	_ runtime.EventPublisher = (*MemBus)(nil)
)
