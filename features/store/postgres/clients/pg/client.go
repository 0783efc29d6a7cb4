// Package pg hosts the pgx connection pool used by the Postgres store.
package pg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"goa.design/clue/health"
)

const (
	defaultConnectTimeout = 5 * time.Second
	clientName            = "timeline-pg"
)

type (
	// Options configures the Postgres client.
	Options struct {
		// URL is the Postgres connection string. Required.
		URL string
		// MaxConns caps the pool size. Zero keeps the pgxpool default.
		MaxConns int32
		// ConnectTimeout bounds the initial connect and ping.
		ConnectTimeout time.Duration
	}

	// Client wraps a pgx pool and exposes it to the store alongside a
	// health pinger for the daemon's health endpoints.
	Client struct {
		pool *pgxpool.Pool
	}
)

var _ health.Pinger = (*Client)(nil)

// New connects a pool and verifies the database is reachable.
func New(ctx context.Context, opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("database URL is required")
	}
	cfg, err := pgxpool.ParseConfig(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Client{pool: pool}, nil
}

// Pool returns the underlying pgx pool.
func (c *Client) Pool() *pgxpool.Pool { return c.pool }

// Name implements health.Pinger.
func (c *Client) Name() string { return clientName }

// Ping implements health.Pinger.
func (c *Client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.pool.Ping(ctx)
}

// Close releases the pool.
func (c *Client) Close() { c.pool.Close() }
