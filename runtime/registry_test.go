package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/petal-labs/petalpipe/core"
)

var testStart = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func TestMemRegistry_InsertLookupRemove(t *testing.T) {
	r := NewMemRegistry()
	h := NewHandle("e1", "p1", "u1", testStart, func() {})

	if err := r.Insert(h); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := r.Insert(NewHandle("e1", "p1", "u1", testStart, nil)); !errors.Is(err, ErrExecutionExists) {
		t.Fatalf("duplicate Insert() error = %v, want ErrExecutionExists", err)
	}
	if err := r.Insert(NewHandle("", "p1", "", testStart, nil)); err == nil {
		t.Fatal("Insert() without id succeeded")
	}

	got, ok := r.Lookup("e1")
	if !ok || got != h {
		t.Fatalf("Lookup() = %v, %v", got, ok)
	}

	r.Remove("e1")
	if _, ok := r.Lookup("e1"); ok {
		t.Fatal("Lookup() after Remove found entry")
	}
}

func TestMemRegistry_ListOnlyRunning(t *testing.T) {
	r := NewMemRegistry()
	later := NewHandle("b-later", "p", "", testStart.Add(time.Minute), nil)
	running := NewHandle("z-first", "p", "", testStart, nil)
	done := NewHandle("done", "p", "", testStart, nil)
	done.setStatus(core.ExecutionCompleted)
	_ = r.Insert(later)
	_ = r.Insert(running)
	_ = r.Insert(done)

	list := r.List()
	if len(list) != 2 || list[0].ExecutionID != "z-first" || list[1].ExecutionID != "b-later" {
		t.Fatalf("List() = %+v, want running executions oldest first", list)
	}
	if list[0].Status != core.ExecutionRunning || !list[0].StartedAt.Equal(testStart) {
		t.Fatalf("List()[0] = %+v", list[0])
	}
}

func TestMemRegistry_Cancel(t *testing.T) {
	r := NewMemRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHandle("e1", "p", "", testStart, cancel)
	_ = r.Insert(h)

	if !r.Cancel("e1") {
		t.Fatal("Cancel() = false for running execution")
	}
	if ctx.Err() == nil {
		t.Fatal("cancel token not fired")
	}
	if r.Cancel("missing") {
		t.Fatal("Cancel(missing) = true")
	}

	h.setStatus(core.ExecutionCancelled)
	if r.Cancel("e1") {
		t.Fatal("Cancel() = true for terminal execution")
	}
}

func TestMemRegistry_ConcurrentAccess(t *testing.T) {
	r := NewMemRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('A'+i%26)) + string(rune('a'+i/26))
			_ = r.Insert(NewHandle(id, "p", "", testStart, nil))
			r.List()
			r.Cancel(id)
			r.Remove(id)
		}(i)
	}
	wg.Wait()
	if len(r.List()) != 0 {
		t.Fatalf("List() = %v, want empty", r.List())
	}
}

func TestStream_DeliversEveryEventWhenFull(t *testing.T) {
	s := newStream("e1", 2)
	go func() {
		for i := 1; i <= 6; i++ {
			s.push(Event{Seq: uint64(i)})
		}
		s.close()
	}()

	var seqs []uint64
	for ev := range s.Events() {
		seqs = append(seqs, ev.Seq)
		time.Sleep(time.Millisecond)
	}
	if len(seqs) != 6 {
		t.Fatalf("received %v, want 6 events", seqs)
	}
	for i, seq := range seqs {
		if seq != uint64(i+1) {
			t.Fatalf("received %v, want seqs in order", seqs)
		}
	}
}

func TestStream_DetachReleasesProducer(t *testing.T) {
	s := newStream("e1", 1)
	s.push(Event{Seq: 1})

	pushed := make(chan struct{})
	go func() {
		s.push(Event{Seq: 2})
		s.push(Event{Seq: 3})
		s.close()
		close(pushed)
	}()
	s.Detach()
	s.Detach()

	select {
	case <-pushed:
	case <-time.After(5 * time.Second):
		t.Fatal("producer still blocked after Detach")
	}
	<-s.Done()
}

func TestStream_CloseIsIdempotent(t *testing.T) {
	s := newStream("e1", 0)
	s.close()
	s.close()
	s.push(Event{Seq: 1})

	select {
	case <-s.Done():
	default:
		t.Fatal("Done() not closed")
	}
	if _, ok := <-s.Events(); ok {
		t.Fatal("event delivered after close")
	}
	if s.ExecutionID() != "e1" {
		t.Fatalf("ExecutionID() = %q", s.ExecutionID())
	}
}

func TestMultiEventHandler(t *testing.T) {
	var a, b int
	h := MultiEventHandler(func(Event) { a++ }, nil, func(Event) { b++ })
	h(NewEvent(EventStepStarted, "e1"))
	if a != 1 || b != 1 {
		t.Fatalf("a=%d b=%d", a, b)
	}
}

func TestEventBuilders(t *testing.T) {
	ev := NewEvent(EventStepCompleted, "e1").
		WithStep("s1", core.StepTypePrompt).
		WithAttempt(2).
		WithPayload("k", "v")
	if ev.StepID != "s1" || ev.StepType != core.StepTypePrompt || ev.Attempt != 2 || ev.Payload["k"] != "v" {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Time.IsZero() {
		t.Fatal("timestamp not set")
	}
	if !EventExecutionFailed.IsTerminal() || EventStepFailed.IsTerminal() {
		t.Fatal("IsTerminal mismatch")
	}
}
