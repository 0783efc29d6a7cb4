package timeline

import (
	"encoding/json"
	"fmt"
)

type (
	// StreamHints names the broker keys an envelope is routed to: the
	// per-session stream and the shared global stream.
	StreamHints struct {
		// Key is the per-session stream key.
		Key string `json:"key"`
		// GlobalKey is the shared stream key read by the consumer group.
		GlobalKey string `json:"globalKey"`
	}

	// Envelope is the self-contained delivery record written to the outbox
	// and published to broker streams. It carries the event verbatim plus
	// the routing hints computed at admission, so any worker can publish
	// it without further lookups.
	Envelope struct {
		// SchemaVersion is the envelope wire version. Always
		// EnvelopeSchemaVersion today; decoders reject anything else.
		SchemaVersion string `json:"schemaVersion"`
		// Type is the envelope discriminator. Always TypeTimelineEvent.
		Type string `json:"type"`
		// Event is the admitted timeline event, seq assigned.
		Event Event `json:"event"`
		// Stream is the broker routing computed at admission.
		Stream StreamHints `json:"stream"`
	}
)

// Envelope wire constants.
const (
	// EnvelopeSchemaVersion is the only envelope schema version in use.
	EnvelopeSchemaVersion = "v0"
	// TypeTimelineEvent is the envelope type for timeline events.
	TypeTimelineEvent = "timeline_event"
)

// NewEnvelope wraps an admitted event for delivery to the given streams.
func NewEnvelope(ev Event, streamKey, globalKey string) Envelope {
	return Envelope{
		SchemaVersion: EnvelopeSchemaVersion,
		Type:          TypeTimelineEvent,
		Event:         ev,
		Stream: StreamHints{
			Key:       streamKey,
			GlobalKey: globalKey,
		},
	}
}

// Encode serializes the envelope to its JSON wire form.
func (e Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope %s: %w", e.Event.EventID, err)
	}
	return data, nil
}

// DecodeEnvelope parses an envelope from its JSON wire form. It rejects
// unknown schema versions, foreign types and envelopes missing the
// identity fields the pipeline keys on.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if e.SchemaVersion != EnvelopeSchemaVersion {
		return Envelope{}, fmt.Errorf("decode envelope: unsupported schema version %q", e.SchemaVersion)
	}
	if e.Type != TypeTimelineEvent {
		return Envelope{}, fmt.Errorf("decode envelope: unsupported type %q", e.Type)
	}
	if e.Event.EventID == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing event_id")
	}
	if e.Event.SessionID == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing session_id")
	}
	return e, nil
}
