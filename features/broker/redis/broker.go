// Package redis implements broker.Broker on Redis streams.
//
// Envelopes land as stream entries carrying the wire payload plus the
// indexed diagnostic fields (event_id, session_id, seq). The consumer
// group on the global stream provides the at-least-once semantics the
// pipeline relies on; un-acked entries stay on the group's pending list.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"goa.design/clue/health"

	"github.com/uniassist/timeline/broker"
	"github.com/uniassist/timeline/timeline"
)

const (
	fieldEnvelope  = "envelope"
	fieldEventID   = "event_id"
	fieldSessionID = "session_id"
	fieldSeq       = "seq"

	defaultOpTimeout = 5 * time.Second
	brokerName       = "timeline-redis"
)

type (
	// Options configures the Redis broker.
	Options struct {
		// Client is the go-redis client. Required.
		Client *goredis.Client
		// OpTimeout bounds publish, ensure and ack calls. Consume uses
		// its own block timeout. Defaults to 5s.
		OpTimeout time.Duration
		// MaxPayloadBytes rejects oversized envelopes before they reach
		// the broker; such failures are permanent. Zero disables the
		// check.
		MaxPayloadBytes int
	}

	// Broker implements broker.Broker on Redis streams.
	Broker struct {
		client     *goredis.Client
		opTimeout  time.Duration
		maxPayload int
	}
)

var (
	_ broker.Broker = (*Broker)(nil)
	_ health.Pinger = (*Broker)(nil)
)

// New constructs a Redis stream broker.
func New(opts Options) (*Broker, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	timeout := opts.OpTimeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &Broker{
		client:     opts.Client,
		opTimeout:  timeout,
		maxPayload: opts.MaxPayloadBytes,
	}, nil
}

// Name implements health.Pinger.
func (b *Broker) Name() string { return brokerName }

// Ping implements health.Pinger.
func (b *Broker) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return b.client.Ping(ctx).Err()
}

// EnsureGroup implements broker.Broker. MKSTREAM creates the stream as
// needed and BUSYGROUP means another worker got there first; both make the
// call idempotent.
func (b *Broker) EnsureGroup(ctx context.Context, globalKey, group string) error {
	if globalKey == "" || group == "" {
		return broker.Permanent("ensure_group", errors.New("global key and group are required"))
	}
	ctx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()
	err := b.client.XGroupCreateMkStream(ctx, globalKey, group, "$").Err()
	if err == nil || strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return broker.Transient("ensure_group", err)
}

// Publish implements broker.Broker. The envelope is appended to its
// per-session stream first, then to the global stream, so the per-session
// key never trails the global one.
func (b *Broker) Publish(ctx context.Context, env timeline.Envelope) (broker.Receipt, error) {
	if env.Stream.Key == "" || env.Stream.GlobalKey == "" {
		return broker.Receipt{}, broker.Permanent("publish", errors.New("envelope carries no stream keys"))
	}
	payload, err := env.Encode()
	if err != nil {
		return broker.Receipt{}, broker.Permanent("publish", err)
	}
	if b.maxPayload > 0 && len(payload) > b.maxPayload {
		return broker.Receipt{}, broker.Permanent("publish",
			fmt.Errorf("envelope %s is %d bytes, limit %d", env.Event.EventID, len(payload), b.maxPayload))
	}

	ctx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()

	values := map[string]any{
		fieldEnvelope:  payload,
		fieldEventID:   env.Event.EventID,
		fieldSessionID: env.Event.SessionID,
		fieldSeq:       env.Event.Seq,
	}
	sessionID, err := b.client.XAdd(ctx, &goredis.XAddArgs{Stream: env.Stream.Key, Values: values}).Result()
	if err != nil {
		return broker.Receipt{}, classify("publish", err)
	}
	globalID, err := b.client.XAdd(ctx, &goredis.XAddArgs{Stream: env.Stream.GlobalKey, Values: values}).Result()
	if err != nil {
		// The session append stands; a retry re-appends to both streams
		// and downstream idempotency absorbs the duplicate.
		return broker.Receipt{}, classify("publish", err)
	}
	return broker.Receipt{SessionEntryID: sessionID, GlobalEntryID: globalID}, nil
}

// Consume implements broker.Broker. ">" asks for entries never delivered
// to this group; entries a dead consumer left pending are reclaimed by the
// broker group semantics, not here.
func (b *Broker) Consume(ctx context.Context, globalKey, group, consumer string, block time.Duration, batchSize int) ([]*broker.Entry, error) {
	if batchSize <= 0 {
		return nil, broker.Permanent("consume", errors.New("batch size must be > 0"))
	}
	res, err := b.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{globalKey, ">"},
		Count:    int64(batchSize),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil // block timed out with nothing to read
		}
		return nil, classify("consume", err)
	}

	var entries []*broker.Entry
	for _, stream := range res {
		for _, msg := range stream.Messages {
			entry, err := decodeMessage(msg)
			if err != nil {
				return nil, broker.Permanent("consume", err)
			}
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// Ack implements broker.Broker.
func (b *Broker) Ack(ctx context.Context, globalKey, group string, entryIDs ...string) error {
	if len(entryIDs) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()
	if err := b.client.XAck(ctx, globalKey, group, entryIDs...).Err(); err != nil {
		return classify("ack", err)
	}
	return nil
}

// Claim hands idle pending entries of dead consumers to the caller via
// XAUTOCLAIM. The stream consumer runs it periodically so entries stranded
// by a crashed sibling are re-driven.
func (b *Broker) Claim(ctx context.Context, globalKey, group, consumer string, minIdle time.Duration, batchSize int) ([]*broker.Entry, error) {
	if batchSize <= 0 {
		return nil, broker.Permanent("claim", errors.New("batch size must be > 0"))
	}
	ctx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()
	msgs, _, err := b.client.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   globalKey,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    int64(batchSize),
	}).Result()
	if err != nil {
		return nil, classify("claim", err)
	}
	var entries []*broker.Entry
	for _, msg := range msgs {
		entry, err := decodeMessage(msg)
		if err != nil {
			return nil, broker.Permanent("claim", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func decodeMessage(msg goredis.XMessage) (*broker.Entry, error) {
	entry := &broker.Entry{ID: msg.ID}
	raw, ok := msg.Values[fieldEnvelope]
	if !ok {
		return nil, fmt.Errorf("entry %s carries no envelope", msg.ID)
	}
	switch v := raw.(type) {
	case string:
		entry.Payload = []byte(v)
	case []byte:
		entry.Payload = v
	default:
		return nil, fmt.Errorf("entry %s envelope has unexpected type %T", msg.ID, raw)
	}
	if v, ok := msg.Values[fieldEventID].(string); ok {
		entry.EventID = v
	}
	if v, ok := msg.Values[fieldSessionID].(string); ok {
		entry.SessionID = v
	}
	if v, ok := msg.Values[fieldSeq].(string); ok {
		seq, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("entry %s seq %q: %w", msg.ID, v, err)
		}
		entry.Seq = seq
	}
	return entry, nil
}

// classify maps a go-redis error onto the pipeline's broker error
// taxonomy. NOGROUP surfaces as group-missing so consumers self-heal;
// everything else the server did not explicitly reject (network errors,
// timeouts, 5xx-equivalents) stays retryable.
func classify(op string, err error) error {
	if strings.Contains(err.Error(), "NOGROUP") {
		return broker.NoGroup(op, err)
	}
	return broker.Transient(op, err)
}
