package bus

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/petal-labs/petalpipe/runtime"
)

// MemEventStore is a thread-safe in-memory event store.
type MemEventStore struct {
	mu     sync.RWMutex
	events map[string][]runtime.Event
}

// NewMemEventStore creates an empty in-memory event store.
func NewMemEventStore() *MemEventStore {
	return &MemEventStore{events: make(map[string][]runtime.Event)}
}

// Append implements EventStore. Events may arrive out of order; they are
// kept sorted by seq.
func (s *MemEventStore) Append(_ context.Context, event runtime.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.events[event.ExecutionID]
	i := sort.Search(len(list), func(i int) bool { return list[i].Seq >= event.Seq })
	if i < len(list) && list[i].Seq == event.Seq {
		return fmt.Errorf("memstore: duplicate event %s/%d", event.ExecutionID, event.Seq)
	}
	list = append(list, runtime.Event{})
	copy(list[i+1:], list[i:])
	list[i] = event
	s.events[event.ExecutionID] = list
	return nil
}

// List implements EventStore.
func (s *MemEventStore) List(_ context.Context, executionID string, afterSeq uint64, limit int) ([]runtime.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []runtime.Event
	for _, e := range s.events[executionID] {
		if e.Seq <= afterSeq {
			continue
		}
		result = append(result, e)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// LatestSeq implements EventStore.
func (s *MemEventStore) LatestSeq(_ context.Context, executionID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.events[executionID]
	if len(list) == 0 {
		return 0, nil
	}
	return list[len(list)-1].Seq, nil
}

var _ EventStore = (*MemEventStore)(nil)
