package fanout

import (
	"context"
	"sync"

	"github.com/uniassist/timeline/telemetry"
	"github.com/uniassist/timeline/timeline"
)

// Hub defaults.
const (
	// DefaultSubscriberBuffer is the per-subscriber channel capacity.
	DefaultSubscriberBuffer = 32
	// DefaultDedupWindow is how many recent event ids are remembered per
	// session for duplicate suppression.
	DefaultDedupWindow = 1024
)

type (
	// HubOptions configures the in-process fan-out hub.
	HubOptions struct {
		// SubscriberBuffer is the per-subscriber channel capacity. A
		// subscriber whose buffer is full is dropped rather than ever
		// blocking delivery.
		SubscriberBuffer int
		// DedupWindow bounds the per-session duplicate-suppression
		// memory.
		DedupWindow int
		// Logger defaults to the no-op logger.
		Logger telemetry.Logger
		// Metrics defaults to the no-op recorder.
		Metrics telemetry.Metrics
	}

	// Hub fans consumed envelopes out to per-session subscribers. It
	// implements Sink; duplicate envelopes (same event_id, redelivered by
	// the at-least-once consumer) are suppressed before broadcast.
	Hub struct {
		mu       sync.Mutex
		buffer   int
		window   int
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		sessions map[string]*sessionState
		closed   bool
	}

	sessionState struct {
		subscribers map[int]chan timeline.Envelope
		nextSub     int
		// seen is the dedup set; order tracks insertion so the window
		// can evict the oldest id.
		seen  map[string]struct{}
		order []string
	}
)

var _ Sink = (*Hub)(nil)

// NewHub constructs an in-process fan-out hub.
func NewHub(opts HubOptions) *Hub {
	buffer := opts.SubscriberBuffer
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	window := opts.DedupWindow
	if window <= 0 {
		window = DefaultDedupWindow
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Hub{
		buffer:   buffer,
		window:   window,
		logger:   logger,
		metrics:  metrics,
		sessions: make(map[string]*sessionState),
	}
}

// Deliver implements Sink. The first arrival of an event_id is broadcast
// to the session's subscribers; repeats within the dedup window are
// dropped. Subscribers that cannot keep up are disconnected so delivery
// never blocks on a slow client.
func (h *Hub) Deliver(ctx context.Context, env timeline.Envelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}

	state := h.sessions[env.Event.SessionID]
	if state == nil {
		state = &sessionState{
			subscribers: make(map[int]chan timeline.Envelope),
			seen:        make(map[string]struct{}),
		}
		h.sessions[env.Event.SessionID] = state
	}

	if _, dup := state.seen[env.Event.EventID]; dup {
		h.metrics.IncCounter("timeline.fanout.duplicate", 1)
		return nil
	}
	state.seen[env.Event.EventID] = struct{}{}
	state.order = append(state.order, env.Event.EventID)
	if len(state.order) > h.window {
		delete(state.seen, state.order[0])
		state.order = state.order[1:]
	}

	for id, ch := range state.subscribers {
		select {
		case ch <- env:
		default:
			// Slow subscriber: disconnect it rather than stall the
			// pipeline.
			delete(state.subscribers, id)
			close(ch)
			h.metrics.IncCounter("timeline.fanout.dropped", 1)
			h.logger.Warn(ctx, "dropped slow fanout subscriber",
				"session_id", env.Event.SessionID, "subscriber", id)
		}
	}
	h.metrics.IncCounter("timeline.fanout.delivered", 1)
	return nil
}

// Subscribe attaches a live subscriber to a session. The returned channel
// closes when the subscriber is canceled, falls behind, or the hub shuts
// down.
func (h *Hub) Subscribe(sessionID string) (<-chan timeline.Envelope, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan timeline.Envelope, h.buffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	state := h.sessions[sessionID]
	if state == nil {
		state = &sessionState{
			subscribers: make(map[int]chan timeline.Envelope),
			seen:        make(map[string]struct{}),
		}
		h.sessions[sessionID] = state
	}
	id := state.nextSub
	state.nextSub++
	state.subscribers[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if cur, ok := state.subscribers[id]; ok && cur == ch {
			delete(state.subscribers, id)
			close(ch)
		}
	}
	return ch, cancel
}

// SubscriberCount reports the live subscribers of a session.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	state := h.sessions[sessionID]
	if state == nil {
		return 0
	}
	return len(state.subscribers)
}

// Close disconnects every subscriber. Subsequent Deliver calls are no-ops.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, state := range h.sessions {
		for id, ch := range state.subscribers {
			delete(state.subscribers, id)
			close(ch)
		}
	}
}
