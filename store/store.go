// Package store defines the persistence contracts of the delivery pipeline:
// the append-only event store, the transactional outbox and the replay log.
//
// The event store and the outbox share one relational database so that
// admission can write both in a single transaction. Implementations live
// under features/store (Postgres) and store/memory (tests, local dev).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/uniassist/timeline/timeline"
)

type (
	// Session is the owner record of a timeline. Sessions are created on
	// first admission and never deleted by the pipeline.
	Session struct {
		// SessionID is the globally unique session identifier.
		SessionID string
		// UserID is the owning user.
		UserID string
		// RoutingHints is an opaque blob reserved for channel adapters.
		RoutingHints json.RawMessage
		// CreatedAt is the first-admission time.
		CreatedAt time.Time
	}

	// AdmitParams describes one admission: the event to append plus the
	// delivery routing computed by the admitter.
	AdmitParams struct {
		// Event is the validated event. Seq must be zero; the store
		// assigns it.
		Event *timeline.Event
		// Channel is the outbox delivery channel. Defaults to
		// timeline.DefaultChannel when empty.
		Channel string
		// StreamKey is the per-session broker key for the envelope.
		StreamKey string
		// GlobalKey is the shared broker key for the envelope.
		GlobalKey string
		// MaxAttempts bounds delivery retries for this envelope.
		// Defaults to DefaultMaxAttempts when zero.
		MaxAttempts int
	}

	// AdmitResult reports the outcome of an admission.
	AdmitResult struct {
		// Seq is the sequence assigned to the event, or the existing
		// sequence when the admission was an idempotent retry.
		Seq uint64
		// Admitted is false when an identical event already existed
		// and no new rows were written.
		Admitted bool
	}

	// Claimed is an outbox row handed to a delivery worker. Payload is
	// the envelope wire form, published to the broker verbatim.
	Claimed struct {
		EventID     string
		SessionID   string
		Seq         uint64
		Payload     []byte
		Attempts    int
		MaxAttempts int
	}

	// EventStore is the durable, ordered, append-only session timeline.
	//
	// Contract:
	//   - Append assigns the next per-session seq atomically; under
	//     concurrent appenders a session's seq values remain gap-free
	//     and duplicate-free (linearizable assignment).
	//   - Append fails with ErrEventExists when the event_id is already
	//     present, regardless of session.
	//   - Stored payload bytes are returned byte-for-byte.
	EventStore interface {
		// Append stores the event and returns its assigned seq.
		Append(ctx context.Context, ev *timeline.Event) (uint64, error)
		// Read returns events with seq > afterSeq in ascending seq
		// order, at most limit of them. Limit must be positive.
		Read(ctx context.Context, sessionID string, afterSeq uint64, limit int) ([]*timeline.Event, error)
		// ReadByID returns the event with the given id, or
		// ErrEventNotFound.
		ReadByID(ctx context.Context, eventID string) (*timeline.Event, error)
	}

	// Outbox is the durable handoff between admission and the delivery
	// workers.
	//
	// Contract:
	//   - Claim never returns the same row to two live workers; rows
	//     locked longer than the lock TTL are reclaimable.
	//   - Claim returns at most one envelope per session per batch (the
	//     lowest unsettled seq) and skips sessions that already have a
	//     row in flight, preserving per-session publish order.
	//   - All status timestamps (next_retry_at, locked_at) are compared
	//     against the database clock, never the worker clock.
	Outbox interface {
		// Enqueue inserts a pending envelope with attempts=0 and
		// next_retry_at=now. Fails with ErrEnvelopeExists when the
		// event already has one. Admission uses Admitter.Admit, which
		// enqueues inside the same transaction as the event append.
		Enqueue(ctx context.Context, env timeline.Envelope, maxAttempts int) error
		// Claim atomically marks up to batchSize due rows (status
		// pending or failed, next_retry_at <= now) as processing,
		// locked by workerID, oldest first. It returns the claimed
		// envelopes.
		Claim(ctx context.Context, workerID string, batchSize int) ([]*Claimed, error)
		// SettleSuccess transitions processing -> delivered. A row
		// already consumed is treated as settled (the consumer won the
		// race) and reports success.
		SettleSuccess(ctx context.Context, eventID string) error
		// SettleFailure records a failed publish. Retryable failures
		// with attempts+1 < max_attempts transition processing ->
		// failed with next_retry_at = now + backoff(attempts); all
		// others transition processing -> dead_letter. The cause is
		// recorded as last_error either way.
		SettleFailure(ctx context.Context, eventID string, cause string, retryable bool) error
		// MarkConsumed transitions delivered -> consumed. It is
		// idempotent: already-consumed rows report success. It also
		// accepts processing -> consumed for the case where the
		// consumer observes the broker entry before the worker settles.
		MarkConsumed(ctx context.Context, eventID string) error
		// Release returns every row locked by workerID to failed with
		// attempts unchanged and next_retry_at=now, clearing the lock.
		// Workers call it on graceful shutdown so siblings can pick the
		// rows up promptly. It reports how many rows were released.
		Release(ctx context.Context, workerID string) (int, error)
		// ReclaimStale recovers processing rows whose lock is older
		// than lockTTL (the holder is presumed dead): attempts is
		// incremented and the row moves to failed, or to dead_letter
		// when the increment exhausts max_attempts. It reports how many
		// rows were reclaimed.
		ReclaimStale(ctx context.Context, lockTTL time.Duration) (int, error)
		// Replay transitions dead_letter rows matching the request back
		// to failed with next_retry_at=now, recording each transition
		// in the replay log. Rows already logged under the request
		// token are skipped, making Replay idempotent per token.
		Replay(ctx context.Context, req ReplayRequest) (*ReplayReport, error)
		// CountByStatus reports the number of envelopes per status.
		CountByStatus(ctx context.Context) (map[Status]int64, error)
	}

	// Admitter runs the admission transaction: ensure the session row,
	// append the event with its assigned seq, and enqueue the delivery
	// envelope — all or nothing.
	//
	// Contract:
	//   - A retry with an event_id already stored under an identical
	//     payload returns the existing seq with Admitted=false and
	//     writes nothing.
	//   - An event_id stored under a different payload fails with
	//     ErrPayloadConflict.
	Admitter interface {
		Admit(ctx context.Context, p AdmitParams) (AdmitResult, error)
	}

	// Store aggregates the pipeline's persistence surface. Both the
	// Postgres implementation and the in-memory implementation satisfy
	// it.
	Store interface {
		EventStore
		Outbox
		Admitter
	}
)

// DefaultMaxAttempts bounds delivery retries per envelope unless the
// admission overrides it.
const DefaultMaxAttempts = 12

var (
	// ErrEventExists reports an append with an event_id that is already
	// stored.
	ErrEventExists = errors.New("timeline event already exists")
	// ErrEventNotFound reports a lookup for an unknown event_id.
	ErrEventNotFound = errors.New("timeline event not found")
	// ErrPayloadConflict reports an admission retry whose payload
	// diverges from the stored event.
	ErrPayloadConflict = errors.New("event already exists with a different payload")
	// ErrEnvelopeExists reports an enqueue for an event that already has
	// an outbox row.
	ErrEnvelopeExists = errors.New("outbox envelope already exists")
	// ErrEnvelopeNotFound reports an outbox operation on an unknown
	// event_id.
	ErrEnvelopeNotFound = errors.New("outbox envelope not found")
	// ErrStatusConflict reports an outbox transition from an unexpected
	// status, e.g. settling a row that is no longer processing.
	ErrStatusConflict = errors.New("outbox envelope is not in the expected status")
)
