// Package fanout bridges consumed delivery envelopes to realtime
// subscribers. The Sink contract is what the stream consumer hands
// envelopes to; Hub is the in-process implementation backing the SSE
// surface.
package fanout

import (
	"context"

	"github.com/uniassist/timeline/timeline"
)

// Sink receives envelopes the stream consumer has read from the broker.
// Deliver must be idempotent per event_id: at-least-once consumption means
// the same envelope can arrive more than once.
type Sink interface {
	Deliver(ctx context.Context, env timeline.Envelope) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, env timeline.Envelope) error

// Deliver implements Sink.
func (f SinkFunc) Deliver(ctx context.Context, env timeline.Envelope) error {
	return f(ctx, env)
}
