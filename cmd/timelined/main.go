// Command timelined runs the delivery pipeline daemon: the HTTP ingest and
// fan-out surface, the outbox delivery worker and the stream consumer, all
// against one Postgres database and one Redis broker.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/uniassist/timeline/admission"
	"github.com/uniassist/timeline/config"
	"github.com/uniassist/timeline/consumer"
	"github.com/uniassist/timeline/fanout"
	redisbroker "github.com/uniassist/timeline/features/broker/redis"
	"github.com/uniassist/timeline/features/store/postgres"
	"github.com/uniassist/timeline/features/store/postgres/clients/pg"
	"github.com/uniassist/timeline/replay"
	"github.com/uniassist/timeline/store"
	"github.com/uniassist/timeline/telemetry"
	"github.com/uniassist/timeline/worker"
)

func main() {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf(ctx, err, "load configuration")
	}
	if cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	// Postgres: event store, outbox and replay log.
	pgClient, err := pg.New(ctx, pg.Options{URL: cfg.DatabaseURL})
	if err != nil {
		log.Fatalf(ctx, err, "connect database")
	}
	defer pgClient.Close()

	st, err := postgres.New(postgres.Options{
		Client: pgClient,
		Backoff: store.Backoff{
			Base: cfg.BackoffBase(),
			Cap:  cfg.BackoffMax(),
		},
	})
	if err != nil {
		log.Fatalf(ctx, err, "create store")
	}
	if err := st.EnsureSchema(ctx); err != nil {
		log.Fatalf(ctx, err, "ensure schema")
	}

	// Redis: the stream broker.
	redisOpts, err := goredis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf(ctx, err, "parse redis URL")
	}
	redisClient := goredis.NewClient(redisOpts)
	defer redisClient.Close() //nolint:errcheck

	bk, err := redisbroker.New(redisbroker.Options{Client: redisClient})
	if err != nil {
		log.Fatalf(ctx, err, "create broker")
	}
	if err := bk.Ping(ctx); err != nil {
		log.Fatalf(ctx, err, "ping broker")
	}

	admitSvc, err := admission.New(admission.Options{
		Store:        st,
		StreamPrefix: cfg.StreamPrefix,
		GlobalKey:    cfg.GlobalStreamKey(),
		MaxAttempts:  cfg.MaxAttempts,
		Broker:       bk,
		SyncPublish:  cfg.SyncPublish,
		Logger:       logger,
		Metrics:      metrics,
	})
	if err != nil {
		log.Fatalf(ctx, err, "create admission service")
	}

	replaySvc, err := replay.New(replay.Options{Store: st, Logger: logger, Metrics: metrics})
	if err != nil {
		log.Fatalf(ctx, err, "create replay service")
	}

	hub := fanout.NewHub(fanout.HubOptions{Logger: logger, Metrics: metrics})
	defer hub.Close()

	wk, err := worker.New(worker.Options{
		Store:        st,
		Broker:       bk,
		PollInterval: cfg.PollInterval(),
		BatchSize:    cfg.BatchSize,
		Concurrency:  cfg.PublishConcurrency,
		LockTTL:      cfg.LockTTL(),
		PublishRate:  cfg.PublishRatePerSec,
		Logger:       logger,
		Metrics:      metrics,
	})
	if err != nil {
		log.Fatalf(ctx, err, "create delivery worker")
	}

	cons, err := consumer.New(consumer.Options{
		Store:      st,
		Broker:     bk,
		Sink:       hub,
		GlobalKey:  cfg.GlobalStreamKey(),
		Group:      cfg.ConsumerGroup,
		ConsumerID: consumerID(cfg),
		Block:      cfg.ConsumerBlock(),
		BatchSize:  cfg.ConsumerBatchSize,
		Logger:     logger,
		Metrics:    metrics,
	})
	if err != nil {
		log.Fatalf(ctx, err, "create stream consumer")
	}

	handler := newHTTPHandler(ctx, handlerOptions{
		admission: admitSvc,
		replay:    replaySvc,
		events:    st,
		hub:       hub,
		pingers:   []health.Pinger{pgClient, bk},
		logger:    logger,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Notify the main goroutine on signal or fatal component error.
	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := wk.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errc <- fmt.Errorf("delivery worker: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := cons.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errc <- fmt.Errorf("stream consumer: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		reportOutboxGauges(ctx, st, metrics, cfg.PollInterval())
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf(ctx, "HTTP server listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf(ctx, err, "HTTP server shutdown")
	}

	wg.Wait()
	log.Printf(ctx, "exited")
}

// consumerID returns the configured consumer identity, falling back to the
// hostname so restarts keep reclaiming the same pending entries.
func consumerID(cfg *config.Config) string {
	if cfg.ConsumerID != "" {
		return cfg.ConsumerID
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return "consumer-" + host
	}
	return "consumer-" + uuid.NewString()
}

// reportOutboxGauges samples the per-status outbox counts; the dead-letter
// count is the operator's replay signal.
func reportOutboxGauges(ctx context.Context, outbox store.Outbox, metrics telemetry.Metrics, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts, err := outbox.CountByStatus(ctx)
			if err != nil {
				continue
			}
			for status, n := range counts {
				metrics.RecordGauge("timeline.outbox", float64(n), "status", string(status))
			}
		}
	}
}
