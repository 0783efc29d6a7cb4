// Package broker defines the stream broker contract of the delivery
// pipeline: append-only streams addressed by key, with a single named
// consumer group on the global stream providing at-least-once consumption.
//
// The broker is never a durable buffer. Every operation fails fast when the
// broker is unavailable; durability lives in the outbox.
package broker

import (
	"context"
	"time"

	"github.com/uniassist/timeline/timeline"
)

type (
	// Receipt holds the broker entry ids returned by a publish: one for
	// the per-session stream, one for the global stream.
	Receipt struct {
		SessionEntryID string
		GlobalEntryID  string
	}

	// Entry is one record read from the global stream through the
	// consumer group. ID is the broker-assigned entry id used to ack;
	// EventID, SessionID and Seq are indexed alongside the payload for
	// diagnostics; Payload is the envelope wire form.
	Entry struct {
		ID        string
		EventID   string
		SessionID string
		Seq       uint64
		Payload   []byte
	}

	// Broker writes delivery envelopes to streams and reads them back
	// through a consumer group.
	//
	// Contract:
	//   - EnsureGroup is idempotent and safe to call concurrently; it
	//     creates the stream as needed.
	//   - Publish appends the envelope to its Stream.Key and
	//     Stream.GlobalKey. Per-session ordering is the caller's duty
	//     (the worker publishes one session's envelopes single-flight);
	//     the broker appends in call order.
	//   - Consume blocks up to block and returns at most batchSize
	//     entries. Entries not acked are redelivered to the group.
	//   - Failures carry a *Error classification; anything the broker
	//     did not explicitly reject is retryable.
	Broker interface {
		// EnsureGroup creates the consumer group on the global stream
		// if it does not exist.
		EnsureGroup(ctx context.Context, globalKey, group string) error
		// Publish appends the envelope to both of its streams and
		// returns the entry ids.
		Publish(ctx context.Context, env timeline.Envelope) (Receipt, error)
		// Consume reads the next batch for the named consumer.
		Consume(ctx context.Context, globalKey, group, consumer string, block time.Duration, batchSize int) ([]*Entry, error)
		// Ack acknowledges processed entries.
		Ack(ctx context.Context, globalKey, group string, entryIDs ...string) error
	}
)
