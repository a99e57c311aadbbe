package runtime

import (
	"sync"
)

// DefaultStreamBuffer is the default capacity of an execution's event stream.
const DefaultStreamBuffer = 256

// Stream is the bounded event channel of one execution. The producer
// pushes one event per transition and closes the stream after the terminal
// event. Events are never dropped: when the buffer is full the producer
// waits for the consumer. A caller that does not read the stream, or stops
// reading before Done, must call Detach.
type Stream struct {
	executionID string
	ch          chan Event
	done        chan struct{}
	detached    chan struct{}

	mu         sync.Mutex
	closed     bool
	detachOnce sync.Once
}

func newStream(executionID string, size int) *Stream {
	if size <= 0 {
		size = DefaultStreamBuffer
	}
	return &Stream{
		executionID: executionID,
		ch:          make(chan Event, size),
		done:        make(chan struct{}),
		detached:    make(chan struct{}),
	}
}

// ExecutionID returns the id of the execution the stream belongs to.
func (s *Stream) ExecutionID() string {
	return s.executionID
}

// Events returns the receive side of the stream. It is closed after the
// terminal event.
func (s *Stream) Events() <-chan Event {
	return s.ch
}

// Done is closed once the execution has reached a terminal state.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Detach releases the producer from waiting on this consumer. Events not yet
// pushed are discarded; Done is still closed on the terminal state.
func (s *Stream) Detach() {
	s.detachOnce.Do(func() { close(s.detached) })
}

// push is only called from the execution goroutine, which also calls close.
func (s *Stream) push(e Event) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	select {
	case <-s.detached:
		return
	default:
	}
	select {
	case s.ch <- e:
	case <-s.detached:
	}
}

func (s *Stream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
	close(s.done)
}
