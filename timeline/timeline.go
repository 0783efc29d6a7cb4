// Package timeline defines the core domain of the UniAssist entrance engine:
// provider interaction events aggregated into a per-session, append-only
// timeline, and the delivery envelopes that carry them to stream subscribers.
//
// The package holds pure types and validation only. Persistence contracts
// live in package store, broker contracts in package broker.
package timeline

import (
	"encoding/json"
	"fmt"
	"strings"
)

type (
	// EventKind classifies a timeline event.
	EventKind string

	// Event is a single immutable timeline record.
	//
	// Events are created by admission and never mutated afterwards. The
	// payload is an opaque provider value: it is stored and delivered
	// byte-for-byte, never reinterpreted by the pipeline.
	Event struct {
		// EventID is the caller-assigned identifier, unique across all
		// sessions. It is the idempotency key for admission, outbox,
		// broker and replay alike.
		EventID string `json:"event_id"`
		// SessionID identifies the conversation timeline the event
		// belongs to.
		SessionID string `json:"session_id"`
		// UserID is the owning user, when known.
		UserID string `json:"user_id,omitempty"`
		// TraceID correlates the event with the provider invocation
		// that produced it.
		TraceID string `json:"trace_id,omitempty"`
		// Seq is the per-session sequence number, strictly increasing
		// from 1 with no gaps. The event store assigns it at admission;
		// it is zero before then.
		Seq uint64 `json:"seq"`
		// Kind classifies the event.
		Kind EventKind `json:"kind"`
		// Payload is the opaque provider payload.
		Payload json.RawMessage `json:"payload"`
		// TimestampMS is the provider event time in Unix milliseconds.
		TimestampMS int64 `json:"timestamp_ms"`
	}

	// ValidationError reports the fields that made an event inadmissible.
	// Invalid events are rejected at admission and never enqueued.
	ValidationError struct {
		// Violations holds one human-readable entry per offending field.
		Violations []string
	}
)

// Event kinds.
const (
	// KindInteraction is a user-visible provider interaction result.
	KindInteraction EventKind = "interaction"
	// KindProviderExtension carries provider-specific extension data.
	KindProviderExtension EventKind = "provider_extension"
	// KindSystem marks events emitted by the engine itself.
	KindSystem EventKind = "system"
)

// DefaultChannel is the delivery channel recorded on outbox envelopes.
const DefaultChannel = "timeline"

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	switch k {
	case KindInteraction, KindProviderExtension, KindSystem:
		return true
	}
	return false
}

// Validate checks the event for admissibility. It returns a
// *ValidationError listing every violation, or nil when the event is
// well formed. Seq is not checked: it is assigned by the store.
func (e *Event) Validate() error {
	var v []string
	if e.EventID == "" {
		v = append(v, "event_id is required")
	}
	if e.SessionID == "" {
		v = append(v, "session_id is required")
	}
	if !e.Kind.Valid() {
		v = append(v, fmt.Sprintf("kind %q is not one of interaction, provider_extension, system", e.Kind))
	}
	if len(e.Payload) == 0 {
		v = append(v, "payload is required")
	} else if !json.Valid(e.Payload) {
		v = append(v, "payload is not valid JSON")
	}
	if e.TimestampMS < 0 {
		v = append(v, "timestamp_ms must not be negative")
	}
	if len(v) > 0 {
		return &ValidationError{Violations: v}
	}
	return nil
}

// Error implements error.
func (e *ValidationError) Error() string {
	if len(e.Violations) == 0 {
		return "invalid event"
	}
	return "invalid event: " + strings.Join(e.Violations, "; ")
}
