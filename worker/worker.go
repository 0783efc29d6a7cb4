// Package worker drives outbox envelopes to the stream broker with
// at-least-once semantics: claim a batch under lock, publish, settle, and
// let the outbox backoff pace the retries of whatever failed.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/uniassist/timeline/broker"
	"github.com/uniassist/timeline/store"
	"github.com/uniassist/timeline/telemetry"
	"github.com/uniassist/timeline/timeline"
)

// Tuning defaults.
const (
	DefaultPollInterval   = 500 * time.Millisecond
	DefaultBatchSize      = 100
	DefaultConcurrency    = 4
	DefaultLockTTL        = 30 * time.Second
	DefaultPublishTimeout = 5 * time.Second
)

type (
	// Options configures a delivery worker.
	Options struct {
		// Store is the outbox. Required.
		Store store.Outbox
		// Broker receives the envelopes. Required.
		Broker broker.Broker
		// ID identifies this worker on outbox locks. Defaults to a
		// generated id.
		ID string
		// PollInterval paces the claim loop when the outbox runs dry.
		PollInterval time.Duration
		// BatchSize caps rows per claim.
		BatchSize int
		// Concurrency bounds the publish pool. The claim query hands
		// out at most one envelope per session, so concurrent publishes
		// never reorder a session.
		Concurrency int
		// LockTTL is the claim lock lifetime honored by the stale
		// sweeper.
		LockTTL time.Duration
		// SweepInterval paces the stale-lock sweeper. Defaults to the
		// lock TTL.
		SweepInterval time.Duration
		// PublishTimeout bounds each broker publish.
		PublishTimeout time.Duration
		// PublishRate caps broker publishes per second across the pool.
		// Zero means unlimited.
		PublishRate float64
		// Logger defaults to the no-op logger.
		Logger telemetry.Logger
		// Metrics defaults to the no-op recorder.
		Metrics telemetry.Metrics
	}

	// Worker is a single delivery worker instance. Run as many as needed;
	// the outbox row locks coordinate them.
	Worker struct {
		store          store.Outbox
		broker         broker.Broker
		id             string
		pollInterval   time.Duration
		batchSize      int
		concurrency    int
		lockTTL        time.Duration
		sweepInterval  time.Duration
		publishTimeout time.Duration
		limiter        *rate.Limiter
		logger         telemetry.Logger
		metrics        telemetry.Metrics
	}
)

// New constructs a delivery worker.
func New(opts Options) (*Worker, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Broker == nil {
		return nil, errors.New("broker is required")
	}
	id := opts.ID
	if id == "" {
		id = "worker-" + uuid.NewString()
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	lockTTL := opts.LockTTL
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	sweepInterval := opts.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = lockTTL
	}
	publishTimeout := opts.PublishTimeout
	if publishTimeout <= 0 {
		publishTimeout = DefaultPublishTimeout
	}
	var limiter *rate.Limiter
	if opts.PublishRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.PublishRate), 1)
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Worker{
		store:          opts.Store,
		broker:         opts.Broker,
		id:             id,
		pollInterval:   pollInterval,
		batchSize:      batchSize,
		concurrency:    concurrency,
		lockTTL:        lockTTL,
		sweepInterval:  sweepInterval,
		publishTimeout: publishTimeout,
		limiter:        limiter,
		logger:         logger,
		metrics:        metrics,
	}, nil
}

// ID returns the worker identity recorded on outbox locks.
func (w *Worker) ID() string { return w.id }

// Run claims and delivers until ctx is canceled, then drains the publish
// pool, releases every still-locked row and returns. Claimed envelopes in
// flight at cancellation settle normally; rows never dispatched go back to
// the outbox with attempts unchanged.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info(ctx, "delivery worker started",
		"worker_id", w.id, "batch_size", w.batchSize, "concurrency", w.concurrency)

	jobs := make(chan *store.Claimed)
	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for claimed := range jobs {
				w.deliver(ctx, claimed)
			}
		}()
	}

	poll := time.NewTicker(w.pollInterval)
	defer poll.Stop()
	sweep := time.NewTicker(w.sweepInterval)
	defer sweep.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-sweep.C:
			w.sweepStale(ctx)
		case <-poll.C:
			if !w.claimAndDispatch(ctx, jobs) {
				break loop
			}
		}
	}

	close(jobs)
	wg.Wait()

	// Settles above used a detached context, so only rows that were never
	// dispatched are still locked.
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.publishTimeout)
	defer cancel()
	released, err := w.store.Release(releaseCtx, w.id)
	if err != nil {
		w.logger.Error(ctx, "release claimed rows on shutdown", "worker_id", w.id, "err", err)
		return err
	}
	if released > 0 {
		w.logger.Info(ctx, "released claimed rows on shutdown", "worker_id", w.id, "released", released)
	}
	w.logger.Info(ctx, "delivery worker stopped", "worker_id", w.id)
	return nil
}

// claimAndDispatch claims one batch and hands it to the pool. It reports
// false when ctx was canceled mid-dispatch.
func (w *Worker) claimAndDispatch(ctx context.Context, jobs chan<- *store.Claimed) bool {
	batch, err := w.store.Claim(ctx, w.id, w.batchSize)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		// Database trouble: log and let the poll interval pace the retry.
		w.logger.Error(ctx, "claim outbox batch", "worker_id", w.id, "err", err)
		return true
	}
	if len(batch) > 0 {
		w.metrics.RecordGauge("timeline.claim.batch", float64(len(batch)))
	}
	for _, claimed := range batch {
		select {
		case jobs <- claimed:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// deliver publishes one envelope and settles its outbox row. Operations
// run on a detached context so an in-flight delivery completes cleanly
// during shutdown.
func (w *Worker) deliver(ctx context.Context, claimed *store.Claimed) {
	opCtx := context.WithoutCancel(ctx)

	env, err := timeline.DecodeEnvelope(claimed.Payload)
	if err != nil {
		// The stored payload cannot be published; retrying cannot help.
		w.settleFailure(opCtx, claimed, err, false)
		return
	}

	if w.limiter != nil {
		if err := w.limiter.Wait(opCtx); err != nil {
			w.settleFailure(opCtx, claimed, err, true)
			return
		}
	}

	pubCtx, cancel := context.WithTimeout(opCtx, w.publishTimeout)
	start := time.Now()
	_, err = w.broker.Publish(pubCtx, env)
	cancel()
	w.metrics.RecordTimer("timeline.publish.duration", time.Since(start))

	if err != nil {
		w.settleFailure(opCtx, claimed, err, broker.Retryable(err))
		return
	}

	if err := w.store.SettleSuccess(opCtx, claimed.EventID); err != nil {
		// The publish stands; the row is re-driven and downstream
		// idempotency absorbs the duplicate.
		w.logger.Error(opCtx, "settle delivered envelope",
			"event_id", claimed.EventID, "session_id", claimed.SessionID, "err", err)
		return
	}
	w.metrics.IncCounter("timeline.publish", 1, "outcome", "delivered")
	w.logger.Debug(opCtx, "envelope delivered",
		"event_id", claimed.EventID, "session_id", claimed.SessionID, "seq", claimed.Seq)
}

func (w *Worker) settleFailure(ctx context.Context, claimed *store.Claimed, cause error, retryable bool) {
	outcome := "retryable"
	if !retryable {
		outcome = "permanent"
	}
	w.metrics.IncCounter("timeline.publish", 1, "outcome", outcome)
	if !retryable || claimed.Attempts+1 >= claimed.MaxAttempts {
		w.metrics.IncCounter("timeline.dead_letter", 1)
	}
	w.logger.Warn(ctx, "publish failed",
		"event_id", claimed.EventID, "session_id", claimed.SessionID,
		"attempts", claimed.Attempts+1, "max_attempts", claimed.MaxAttempts,
		"retryable", retryable, "err", cause)
	if err := w.store.SettleFailure(ctx, claimed.EventID, cause.Error(), retryable); err != nil {
		// Leave the row processing; the stale sweeper reclaims it.
		w.logger.Error(ctx, "settle failed envelope",
			"event_id", claimed.EventID, "session_id", claimed.SessionID, "err", err)
	}
}

func (w *Worker) sweepStale(ctx context.Context) {
	reclaimed, err := w.store.ReclaimStale(ctx, w.lockTTL)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error(ctx, "reclaim stale locks", "worker_id", w.id, "err", err)
		}
		return
	}
	if reclaimed > 0 {
		w.metrics.IncCounter("timeline.reclaimed", float64(reclaimed))
		w.logger.Warn(ctx, "reclaimed stale locks", "worker_id", w.id, "reclaimed", reclaimed)
	}
}
