// Package consumer bridges broker stream entries to the fan-out sink and
// closes the outbox loop: consume from the global stream via the consumer
// group, hand each envelope downstream, mark its outbox row consumed, and
// ack only what the outbox acknowledged.
package consumer

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/uniassist/timeline/broker"
	"github.com/uniassist/timeline/fanout"
	"github.com/uniassist/timeline/store"
	"github.com/uniassist/timeline/telemetry"
	"github.com/uniassist/timeline/timeline"
)

// Tuning defaults.
const (
	DefaultBlock         = 5 * time.Second
	DefaultBatchSize     = 64
	DefaultClaimInterval = 30 * time.Second
)

type (
	// pendingClaimer is the optional broker capability to reassign idle
	// pending entries stranded by a dead group member.
	pendingClaimer interface {
		Claim(ctx context.Context, globalKey, group, consumer string, minIdle time.Duration, batchSize int) ([]*broker.Entry, error)
	}

	// Options configures a stream consumer.
	Options struct {
		// Store is the outbox whose rows are marked consumed. Required.
		Store store.Outbox
		// Broker is read through the consumer group. Required.
		Broker broker.Broker
		// Sink receives each envelope. Required; must be idempotent per
		// event_id.
		Sink fanout.Sink
		// GlobalKey is the shared stream. Required.
		GlobalKey string
		// Group is the consumer group name. Required.
		Group string
		// ConsumerID names this member within the group. Defaults to a
		// generated id.
		ConsumerID string
		// Block bounds each blocking read.
		Block time.Duration
		// BatchSize caps entries per read.
		BatchSize int
		// ClaimInterval paces reclaiming of entries left pending by dead
		// group members, for brokers that support it.
		ClaimInterval time.Duration
		// Logger defaults to the no-op logger.
		Logger telemetry.Logger
		// Metrics defaults to the no-op recorder.
		Metrics telemetry.Metrics
	}

	// Consumer is a single consumer-group member.
	Consumer struct {
		store         store.Outbox
		broker        broker.Broker
		sink          fanout.Sink
		globalKey     string
		group         string
		id            string
		block         time.Duration
		batchSize     int
		claimInterval time.Duration
		logger        telemetry.Logger
		metrics       telemetry.Metrics
	}
)

// New constructs a stream consumer.
func New(opts Options) (*Consumer, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Broker == nil {
		return nil, errors.New("broker is required")
	}
	if opts.Sink == nil {
		return nil, errors.New("sink is required")
	}
	if opts.GlobalKey == "" {
		return nil, errors.New("global stream key is required")
	}
	if opts.Group == "" {
		return nil, errors.New("consumer group is required")
	}
	id := opts.ConsumerID
	if id == "" {
		id = "consumer-" + uuid.NewString()
	}
	block := opts.Block
	if block <= 0 {
		block = DefaultBlock
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	claimInterval := opts.ClaimInterval
	if claimInterval <= 0 {
		claimInterval = DefaultClaimInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Consumer{
		store:         opts.Store,
		broker:        opts.Broker,
		sink:          opts.Sink,
		globalKey:     opts.GlobalKey,
		group:         opts.Group,
		id:            id,
		block:         block,
		batchSize:     batchSize,
		claimInterval: claimInterval,
		logger:        logger,
		metrics:       metrics,
	}, nil
}

// ID returns the group member name.
func (c *Consumer) ID() string { return c.id }

// Run consumes until ctx is canceled. A missing consumer group — at
// startup or destroyed underneath a running consumer — is recreated and
// consumption resumes at the stream tail.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ensureGroup(ctx); err != nil {
		return err
	}
	c.logger.Info(ctx, "stream consumer started",
		"consumer_id", c.id, "group", c.group, "stream", c.globalKey)

	lastClaim := time.Now()
	for {
		if ctx.Err() != nil {
			c.logger.Info(ctx, "stream consumer stopped", "consumer_id", c.id)
			return nil
		}

		entries, err := c.broker.Consume(ctx, c.globalKey, c.group, c.id, c.block, c.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			if broker.GroupMissing(err) {
				c.logger.Warn(ctx, "consumer group missing, recreating",
					"group", c.group, "stream", c.globalKey)
				if err := c.ensureGroup(ctx); err != nil {
					return err
				}
				continue
			}
			c.logger.Error(ctx, "consume global stream", "consumer_id", c.id, "err", err)
			c.pause(ctx)
			continue
		}

		c.handleBatch(ctx, entries)

		if claimer, ok := c.broker.(pendingClaimer); ok && time.Since(lastClaim) >= c.claimInterval {
			lastClaim = time.Now()
			c.reclaimPending(ctx, claimer)
		}
	}
}

// ensureGroup retries group creation until it succeeds or ctx ends.
func (c *Consumer) ensureGroup(ctx context.Context) error {
	for {
		err := c.broker.EnsureGroup(ctx, c.globalKey, c.group)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Error(ctx, "ensure consumer group", "group", c.group, "err", err)
		c.pause(ctx)
	}
}

// handleBatch drives each entry through sink and outbox, then acks only
// the entries whose outbox update succeeded. Un-acked entries stay on the
// pending list and are redelivered.
func (c *Consumer) handleBatch(ctx context.Context, entries []*broker.Entry) {
	if len(entries) == 0 {
		return
	}
	acks := make([]string, 0, len(entries))
	for _, entry := range entries {
		if err := c.handleEntry(ctx, entry); err != nil {
			c.logger.Error(ctx, "handle stream entry",
				"entry_id", entry.ID, "event_id", entry.EventID, "err", err)
			continue
		}
		acks = append(acks, entry.ID)
	}
	if len(acks) == 0 {
		return
	}
	if err := c.broker.Ack(ctx, c.globalKey, c.group, acks...); err != nil {
		// Redelivery of already-consumed entries is harmless: the sink
		// dedups on event_id and mark-consumed is idempotent.
		c.logger.Error(ctx, "ack stream entries", "consumer_id", c.id, "err", err)
	}
}

func (c *Consumer) handleEntry(ctx context.Context, entry *broker.Entry) error {
	env, err := timeline.DecodeEnvelope(entry.Payload)
	if err != nil {
		// An undecodable entry can never succeed; ack it away rather
		// than poisoning the pending list.
		c.metrics.IncCounter("timeline.consumed", 1, "outcome", "undecodable")
		c.logger.Error(ctx, "drop undecodable stream entry", "entry_id", entry.ID, "err", err)
		return nil
	}

	if err := c.sink.Deliver(ctx, env); err != nil {
		c.metrics.IncCounter("timeline.consumed", 1, "outcome", "sink_error")
		return err
	}

	if err := c.store.MarkConsumed(ctx, env.Event.EventID); err != nil {
		switch {
		case errors.Is(err, store.ErrEnvelopeNotFound):
			// A foreign entry (no outbox row) cannot make progress;
			// acking it is the only way off the pending list.
			c.logger.Warn(ctx, "stream entry without outbox row",
				"entry_id", entry.ID, "event_id", env.Event.EventID)
			return nil
		default:
			// Skip the ack; the entry is redelivered once the row
			// reaches an ackable status.
			return err
		}
	}
	c.metrics.IncCounter("timeline.consumed", 1, "outcome", "consumed")
	c.logger.Debug(ctx, "envelope consumed",
		"event_id", env.Event.EventID, "session_id", env.Event.SessionID, "seq", env.Event.Seq)
	return nil
}

// reclaimPending re-drives entries stranded by dead group members.
func (c *Consumer) reclaimPending(ctx context.Context, claimer pendingClaimer) {
	entries, err := claimer.Claim(ctx, c.globalKey, c.group, c.id, c.claimInterval, c.batchSize)
	if err != nil {
		if ctx.Err() == nil && !broker.GroupMissing(err) {
			c.logger.Error(ctx, "claim pending entries", "consumer_id", c.id, "err", err)
		}
		return
	}
	if len(entries) > 0 {
		c.logger.Warn(ctx, "reclaimed pending entries", "consumer_id", c.id, "count", len(entries))
		c.handleBatch(ctx, entries)
	}
}

// pause backs transient errors off without spinning.
func (c *Consumer) pause(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(c.block):
	}
}
