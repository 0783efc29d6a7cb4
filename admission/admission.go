// Package admission is the pipeline's thin ingest surface: it validates a
// provider interaction result and atomically creates the timeline record
// and its outbox envelope through the store's admission transaction.
package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/uniassist/timeline/broker"
	"github.com/uniassist/timeline/store"
	"github.com/uniassist/timeline/telemetry"
	"github.com/uniassist/timeline/timeline"
)

type (
	// Options configures the admission service.
	Options struct {
		// Store runs the admission transaction. Required.
		Store store.Admitter
		// StreamPrefix prefixes the per-session stream key. Required.
		StreamPrefix string
		// GlobalKey is the shared stream key. Required.
		GlobalKey string
		// Channel overrides the outbox delivery channel. Defaults to
		// timeline.DefaultChannel.
		Channel string
		// MaxAttempts bounds delivery retries per envelope. Defaults to
		// store.DefaultMaxAttempts.
		MaxAttempts int
		// Broker receives an immediate best-effort publish after commit
		// when SyncPublish is set. Only consulted then.
		Broker broker.Broker
		// SyncPublish publishes straight after commit, ahead of the
		// delivery worker. Bootstrap/testing only; the worker still owns
		// delivery and downstream idempotency absorbs the duplicate.
		SyncPublish bool
		// Logger defaults to the no-op logger.
		Logger telemetry.Logger
		// Metrics defaults to the no-op recorder.
		Metrics telemetry.Metrics
	}

	// Service validates and admits provider events.
	Service struct {
		store       store.Admitter
		prefix      string
		globalKey   string
		channel     string
		maxAttempts int
		broker      broker.Broker
		syncPublish bool
		logger      telemetry.Logger
		metrics     telemetry.Metrics
	}

	// Result reports an admission: the assigned (or pre-existing) seq and
	// whether new rows were written.
	Result struct {
		Seq      uint64
		Admitted bool
	}
)

// eventSchema is the wire-level header check applied to raw provider
// events before they are decoded. Structural payload typing stays out of
// scope: payload only has to be present.
const eventSchema = `{
	"type": "object",
	"required": ["event_id", "kind", "payload"],
	"properties": {
		"event_id":     {"type": "string", "minLength": 1},
		"session_id":   {"type": "string"},
		"user_id":      {"type": "string"},
		"trace_id":     {"type": "string"},
		"kind":         {"enum": ["interaction", "provider_extension", "system"]},
		"timestamp_ms": {"type": "integer", "minimum": 0}
	}
}`

var compiledEventSchema = mustCompileEventSchema()

func mustCompileEventSchema() *jsonschema.Schema {
	var doc any
	if err := json.Unmarshal([]byte(eventSchema), &doc); err != nil {
		panic(fmt.Sprintf("unmarshal event schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("event.json", doc); err != nil {
		panic(fmt.Sprintf("add event schema resource: %v", err))
	}
	schema, err := c.Compile("event.json")
	if err != nil {
		panic(fmt.Sprintf("compile event schema: %v", err))
	}
	return schema
}

// New constructs an admission service.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.StreamPrefix == "" {
		return nil, errors.New("stream prefix is required")
	}
	if opts.GlobalKey == "" {
		return nil, errors.New("global stream key is required")
	}
	if opts.SyncPublish && opts.Broker == nil {
		return nil, errors.New("sync publish requires a broker")
	}
	channel := opts.Channel
	if channel == "" {
		channel = timeline.DefaultChannel
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = store.DefaultMaxAttempts
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Service{
		store:       opts.Store,
		prefix:      opts.StreamPrefix,
		globalKey:   opts.GlobalKey,
		channel:     channel,
		maxAttempts: maxAttempts,
		broker:      opts.Broker,
		syncPublish: opts.SyncPublish,
		logger:      logger,
		metrics:     metrics,
	}, nil
}

// Admit validates the event, stamps defaults and runs the admission
// transaction. A retry carrying an event_id already stored under an
// identical payload returns the existing seq with Admitted=false; a
// divergent payload fails with store.ErrPayloadConflict.
func (s *Service) Admit(ctx context.Context, sessionID string, ev timeline.Event) (Result, error) {
	if sessionID == "" {
		return Result{}, &timeline.ValidationError{Violations: []string{"session_id is required"}}
	}
	if ev.SessionID == "" {
		ev.SessionID = sessionID
	} else if ev.SessionID != sessionID {
		return Result{}, &timeline.ValidationError{Violations: []string{
			fmt.Sprintf("event session_id %q does not match session %q", ev.SessionID, sessionID),
		}}
	}
	// Seq is assigned by the store, never by the caller.
	ev.Seq = 0
	if ev.TimestampMS == 0 {
		ev.TimestampMS = time.Now().UnixMilli()
	}
	if ev.TraceID == "" {
		ev.TraceID = uuid.NewString()
	}
	if err := ev.Validate(); err != nil {
		return Result{}, err
	}

	res, err := s.store.Admit(ctx, store.AdmitParams{
		Event:       &ev,
		Channel:     s.channel,
		StreamKey:   s.prefix + ev.SessionID,
		GlobalKey:   s.globalKey,
		MaxAttempts: s.maxAttempts,
	})
	if err != nil {
		s.metrics.IncCounter("timeline.admitted", 1, "outcome", "error")
		return Result{}, err
	}

	outcome := "duplicate"
	if res.Admitted {
		outcome = "admitted"
	}
	s.metrics.IncCounter("timeline.admitted", 1, "outcome", outcome)
	s.logger.Debug(ctx, "event admitted",
		"event_id", ev.EventID, "session_id", ev.SessionID, "seq", res.Seq, "admitted", res.Admitted)

	if res.Admitted && s.syncPublish {
		s.publishSync(ctx, ev, res.Seq)
	}
	return Result{Seq: res.Seq, Admitted: res.Admitted}, nil
}

// AdmitRaw checks the raw provider bytes against the event header schema,
// decodes them and admits the result. It is the entry point for the HTTP
// ingest surface.
func (s *Service) AdmitRaw(ctx context.Context, sessionID string, raw []byte) (Result, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Result{}, &timeline.ValidationError{Violations: []string{"body is not valid JSON"}}
	}
	if err := compiledEventSchema.Validate(doc); err != nil {
		return Result{}, &timeline.ValidationError{Violations: []string{err.Error()}}
	}
	var ev timeline.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Result{}, &timeline.ValidationError{Violations: []string{err.Error()}}
	}
	return s.Admit(ctx, sessionID, ev)
}

// publishSync is the feature-flagged bootstrap path: errors are logged and
// swallowed, the outbox remains the delivery of record.
func (s *Service) publishSync(ctx context.Context, ev timeline.Event, seq uint64) {
	ev.Seq = seq
	env := timeline.NewEnvelope(ev, s.prefix+ev.SessionID, s.globalKey)
	if _, err := s.broker.Publish(ctx, env); err != nil {
		s.logger.Warn(ctx, "sync publish failed, delivery deferred to worker",
			"event_id", ev.EventID, "session_id", ev.SessionID, "err", err)
		return
	}
	s.metrics.IncCounter("timeline.publish", 1, "outcome", "sync")
}
