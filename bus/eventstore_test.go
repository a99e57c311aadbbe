package bus

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/petal-labs/petalpipe/core"
	"github.com/petal-labs/petalpipe/runtime"
)

// testDSN returns a unique shared-memory DSN for test isolation.
func testDSN(t *testing.T) string {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
}

func newTestSQLiteStore(t *testing.T, cfg SQLiteStoreConfig) *SQLiteEventStore {
	t.Helper()
	if cfg.DSN == "" {
		cfg.DSN = testDSN(t)
	}
	s, err := NewSQLiteEventStore(cfg)
	if err != nil {
		t.Fatalf("NewSQLiteEventStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func makeEvent(executionID string, seq uint64, kind runtime.EventKind) runtime.Event {
	e := runtime.NewEvent(kind, executionID)
	e.Seq = seq
	return e
}

func eventStores(t *testing.T) map[string]EventStore {
	t.Helper()
	return map[string]EventStore{
		"memory": NewMemEventStore(),
		"sqlite": newTestSQLiteStore(t, SQLiteStoreConfig{}),
	}
}

func TestEventStore_AppendList(t *testing.T) {
	for name, store := range eventStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := uint64(1); i <= 5; i++ {
				e := makeEvent("exec-1", i, runtime.EventStepCompleted)
				e.StepID = fmt.Sprintf("step-%d", i)
				e.StepType = core.StepTypePrompt
				e.Attempt = 2
				e.Elapsed = time.Duration(i) * time.Millisecond
				e.TraceID = "trace-abc"
				e.Payload = map[string]any{"index": float64(i)}
				if err := store.Append(ctx, e); err != nil {
					t.Fatalf("Append(%d): %v", i, err)
				}
			}

			events, err := store.List(ctx, "exec-1", 0, 0)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(events) != 5 {
				t.Fatalf("got %d events, want 5", len(events))
			}
			e := events[0]
			if e.ExecutionID != "exec-1" || e.Seq != 1 || e.Kind != runtime.EventStepCompleted {
				t.Fatalf("event = %+v", e)
			}
			if e.StepID != "step-1" || e.StepType != core.StepTypePrompt || e.Attempt != 2 {
				t.Fatalf("step fields = %+v", e)
			}
			if e.Elapsed != time.Millisecond || e.TraceID != "trace-abc" {
				t.Fatalf("elapsed/trace = %v %q", e.Elapsed, e.TraceID)
			}
			if e.Payload["index"] != float64(1) {
				t.Fatalf("payload = %v", e.Payload)
			}
		})
	}
}

func TestEventStore_DuplicateSeqRejected(t *testing.T) {
	for name, store := range eventStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			e := makeEvent("exec-1", 1, runtime.EventExecutionStarted)
			if err := store.Append(ctx, e); err != nil {
				t.Fatalf("Append: %v", err)
			}
			if err := store.Append(ctx, e); err == nil {
				t.Fatal("duplicate (execution_id, seq) accepted")
			}
		})
	}
}

func TestEventStore_Cursor(t *testing.T) {
	tests := []struct {
		name      string
		afterSeq  uint64
		limit     int
		wantFirst uint64
		wantCount int
	}{
		{name: "all", afterSeq: 0, limit: 0, wantFirst: 1, wantCount: 10},
		{name: "after", afterSeq: 7, limit: 0, wantFirst: 8, wantCount: 3},
		{name: "limit", afterSeq: 0, limit: 3, wantFirst: 1, wantCount: 3},
		{name: "after with limit", afterSeq: 5, limit: 2, wantFirst: 6, wantCount: 2},
		{name: "past end", afterSeq: 10, limit: 0, wantCount: 0},
	}

	for name, store := range eventStores(t) {
		ctx := context.Background()
		// Append out of order to check ordering on read.
		for _, i := range []uint64{3, 1, 2, 4, 5, 6, 7, 8, 10, 9} {
			if err := store.Append(ctx, makeEvent("exec-1", i, runtime.EventStepStarted)); err != nil {
				t.Fatalf("%s Append(%d): %v", name, i, err)
			}
		}
		for _, tt := range tests {
			t.Run(name+"/"+tt.name, func(t *testing.T) {
				events, err := store.List(ctx, "exec-1", tt.afterSeq, tt.limit)
				if err != nil {
					t.Fatalf("List: %v", err)
				}
				if len(events) != tt.wantCount {
					t.Fatalf("got %d events, want %d", len(events), tt.wantCount)
				}
				for i := 1; i < len(events); i++ {
					if events[i].Seq <= events[i-1].Seq {
						t.Fatalf("events out of order: %d after %d", events[i].Seq, events[i-1].Seq)
					}
				}
				if tt.wantCount > 0 && events[0].Seq != tt.wantFirst {
					t.Fatalf("first seq = %d, want %d", events[0].Seq, tt.wantFirst)
				}
			})
		}
	}
}

func TestEventStore_LatestSeqAndIsolation(t *testing.T) {
	for name, store := range eventStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if seq, err := store.LatestSeq(ctx, "exec-1"); err != nil || seq != 0 {
				t.Fatalf("empty LatestSeq = %d, %v", seq, err)
			}
			_ = store.Append(ctx, makeEvent("exec-1", 1, runtime.EventExecutionStarted))
			_ = store.Append(ctx, makeEvent("exec-1", 2, runtime.EventExecutionCompleted))
			_ = store.Append(ctx, makeEvent("exec-2", 1, runtime.EventExecutionStarted))

			if seq, _ := store.LatestSeq(ctx, "exec-1"); seq != 2 {
				t.Fatalf("exec-1 LatestSeq = %d, want 2", seq)
			}
			events, _ := store.List(ctx, "exec-2", 0, 0)
			if len(events) != 1 {
				t.Fatalf("exec-2 events = %d, want 1", len(events))
			}
		})
	}
}

func TestSQLiteEventStore_PruneByAge(t *testing.T) {
	store := newTestSQLiteStore(t, SQLiteStoreConfig{RetentionAge: time.Hour, PruneInterval: time.Hour})
	ctx := context.Background()

	old := makeEvent("exec-1", 1, runtime.EventExecutionStarted)
	old.Time = time.Now().Add(-2 * time.Hour)
	fresh := makeEvent("exec-1", 2, runtime.EventExecutionCompleted)
	for _, e := range []runtime.Event{old, fresh} {
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	if err := store.Prune(ctx); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	events, _ := store.List(ctx, "exec-1", 0, 0)
	if len(events) != 1 || events[0].Seq != 2 {
		t.Fatalf("after prune = %+v, want only seq 2", events)
	}
}

func TestSQLiteEventStore_PruneByCount(t *testing.T) {
	store := newTestSQLiteStore(t, SQLiteStoreConfig{RetentionCount: 3, PruneInterval: time.Hour})
	ctx := context.Background()

	for i := uint64(1); i <= 5; i++ {
		_ = store.Append(ctx, makeEvent("exec-1", i, runtime.EventStepStarted))
	}
	_ = store.Append(ctx, makeEvent("exec-2", 1, runtime.EventStepStarted))

	if err := store.Prune(ctx); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	events, _ := store.List(ctx, "exec-1", 0, 0)
	if len(events) != 3 || events[0].Seq != 3 {
		t.Fatalf("exec-1 after prune = %d events (first %v)", len(events), events)
	}
	ids, err := store.ExecutionIDs(ctx)
	if err != nil || len(ids) != 2 {
		t.Fatalf("ExecutionIDs = %v, %v", ids, err)
	}
}

func TestSQLiteEventStore_CloseIdempotent(t *testing.T) {
	s, err := NewSQLiteEventStore(SQLiteStoreConfig{DSN: testDSN(t), RetentionCount: 1, PruneInterval: time.Millisecond})
	if err != nil {
		t.Fatalf("NewSQLiteEventStore: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_ = s.Close()
}

func TestStoreSubscriber_PersistsEngineEvents(t *testing.T) {
	store := NewMemEventStore()
	sub := NewStoreSubscriber(store, nil)

	sub.Handle(makeEvent("exec-1", 1, runtime.EventExecutionStarted))
	sub.Handle(makeEvent("exec-1", 2, runtime.EventExecutionCompleted))
	// Duplicates are logged, not propagated.
	sub.Handle(makeEvent("exec-1", 2, runtime.EventExecutionCompleted))

	events, _ := store.List(context.Background(), "exec-1", 0, 0)
	if len(events) != 2 {
		t.Fatalf("persisted %d events, want 2", len(events))
	}
}

func TestStoreSubscriber_DrainsBusSubscription(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	store := NewMemEventStore()
	done := make(chan struct{})
	go func() {
		NewStoreSubscriber(store, nil).Drain(b.SubscribeAll())
		close(done)
	}()

	// Wait until the drain goroutine subscribed.
	deadline := time.Now().Add(time.Second)
	for b.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	b.Publish(makeEvent("exec-9", 1, runtime.EventExecutionStarted))
	_ = b.Close()
	<-done

	if seq, _ := store.LatestSeq(context.Background(), "exec-9"); seq != 1 {
		t.Fatalf("LatestSeq = %d, want 1", seq)
	}
}
