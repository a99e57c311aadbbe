// Package sse streams execution progress events to HTTP clients as
// Server-Sent Events. Stored events are replayed first, then live events
// are forwarded from the event bus until the execution reaches a terminal
// state.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/petal-labs/petalpipe/bus"
	"github.com/petal-labs/petalpipe/runtime"
)

// HeartbeatInterval is the default interval between SSE heartbeat comments.
const HeartbeatInterval = 15 * time.Second

// wireEvent is the JSON form of a runtime event on the SSE stream.
type wireEvent struct {
	Type        string         `json:"type"`
	ExecutionID string         `json:"execution_id"`
	Timestamp   time.Time      `json:"timestamp"`
	Seq         uint64         `json:"seq"`
	StepID      string         `json:"step_id,omitempty"`
	StepType    string         `json:"step_type,omitempty"`
	Attempt     int            `json:"attempt,omitempty"`
	ElapsedMS   int64          `json:"elapsed_ms"`
	Payload     map[string]any `json:"payload"`
	TraceID     string         `json:"trace_id,omitempty"`
	SpanID      string         `json:"span_id,omitempty"`
}

func toWire(e runtime.Event) wireEvent {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return wireEvent{
		Type:        string(e.Kind),
		ExecutionID: e.ExecutionID,
		Timestamp:   e.Time,
		Seq:         e.Seq,
		StepID:      e.StepID,
		StepType:    string(e.StepType),
		Attempt:     e.Attempt,
		ElapsedMS:   e.Elapsed.Milliseconds(),
		Payload:     payload,
		TraceID:     e.TraceID,
		SpanID:      e.SpanID,
	}
}

// Handler serves the event stream of one execution, identified by the "id"
// path value. The cursor is taken from the "after" query parameter or the
// Last-Event-ID header; only events with a greater seq are sent.
//
// SSE format:
//
//	id: {seq}
//	event: {type}
//	data: {json}
//
// A ": ping" comment is written every heartbeat interval. The stream ends
// after a terminal event or when the client disconnects.
type Handler struct {
	store     bus.EventStore
	bus       bus.EventBus
	heartbeat time.Duration
}

// NewHandler creates a Handler. Either store or eb may be nil.
func NewHandler(store bus.EventStore, eb bus.EventBus) *Handler {
	return &Handler{store: store, bus: eb, heartbeat: HeartbeatInterval}
}

// WithHeartbeat overrides the heartbeat interval.
func (h *Handler) WithHeartbeat(d time.Duration) *Handler {
	if d > 0 {
		h.heartbeat = d
	}
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	executionID := r.PathValue("id")
	if executionID == "" {
		http.Error(w, "missing execution id", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	afterSeq, err := cursor(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()

	// Subscribe before replay so nothing published in between is lost.
	var sub bus.Subscription
	if h.bus != nil {
		sub = h.bus.Subscribe(executionID)
		defer sub.Close()
	}

	lastSeq := afterSeq
	finished, err := h.replay(ctx, w, flusher, executionID, &lastSeq)
	if err != nil || finished || sub == nil {
		return
	}
	h.streamLive(ctx, w, flusher, sub, &lastSeq)
}

func cursor(r *http.Request) (uint64, error) {
	raw := r.URL.Query().Get("after")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	if raw == "" {
		return 0, nil
	}
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid event cursor %q", raw)
	}
	return seq, nil
}

// replay writes stored events after *lastSeq. It reports whether a
// terminal event was sent.
func (h *Handler) replay(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, executionID string, lastSeq *uint64) (bool, error) {
	if h.store == nil {
		return false, nil
	}
	events, err := h.store.List(ctx, executionID, *lastSeq, 0)
	if err != nil {
		return false, err
	}
	for _, evt := range events {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err := writeEvent(w, evt); err != nil {
			return false, err
		}
		flusher.Flush()
		*lastSeq = evt.Seq
		if evt.Kind.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}

// streamLive forwards live events, skipping any already sent by replay.
func (h *Handler) streamLive(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, sub bus.Subscription, lastSeq *uint64) {
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			if evt.Seq <= *lastSeq {
				continue
			}
			if err := writeEvent(w, evt); err != nil {
				return
			}
			flusher.Flush()
			*lastSeq = evt.Seq
			if evt.Kind.IsTerminal() {
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, evt runtime.Event) error {
	data, err := json.Marshal(toWire(evt))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, evt.Kind, data)
	return err
}
