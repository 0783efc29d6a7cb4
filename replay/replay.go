// Package replay resurrects dead-letter envelopes. It fronts the outbox
// replay transaction with operator-facing defaults: selector validation,
// auto-generated idempotency tokens and a bounded default limit for
// cross-session replays.
package replay

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/uniassist/timeline/store"
	"github.com/uniassist/timeline/telemetry"
)

// DefaultAllLimit caps a cross-session replay when the operator gives no
// explicit limit.
const DefaultAllLimit = 20

type (
	// Params selects dead-letter envelopes to replay. Exactly one of
	// EventID, SessionID or All must be set.
	Params struct {
		// EventID replays a single envelope.
		EventID string
		// SessionID replays every dead-letter envelope of one session.
		SessionID string
		// All replays across sessions, capped by Limit.
		All bool
		// Limit caps selection, oldest first. With All it defaults to
		// DefaultAllLimit.
		Limit int
		// Token is the idempotency token. Auto-generated when empty.
		Token string
		// Note is stored in the replay log for audit.
		Note string
		// ResetAttempts restarts the retry budget at zero.
		ResetAttempts bool
		// DryRun reports the selection without mutating anything.
		DryRun bool
	}

	// Options configures a replay service.
	Options struct {
		// Store is the outbox holding the dead-letter rows. Required.
		Store store.Outbox
		// Logger defaults to the no-op logger.
		Logger telemetry.Logger
		// Metrics defaults to the no-op recorder.
		Metrics telemetry.Metrics
	}

	// Service runs operator replays.
	Service struct {
		store   store.Outbox
		logger  telemetry.Logger
		metrics telemetry.Metrics
	}
)

// New constructs a replay service.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Service{store: opts.Store, logger: logger, metrics: metrics}, nil
}

// Replay selects dead-letter rows per params and transitions them back to
// failed with an immediate retry. A repeated call with the same token is a
// no-op beyond the first. The returned report carries the effective token
// so operators can repeat or audit the invocation.
func (s *Service) Replay(ctx context.Context, p Params) (store.ReplayReport, error) {
	req := store.ReplayRequest{
		EventID:       p.EventID,
		SessionID:     p.SessionID,
		All:           p.All,
		Limit:         p.Limit,
		Token:         p.Token,
		Note:          p.Note,
		ResetAttempts: p.ResetAttempts,
		DryRun:        p.DryRun,
	}
	if req.All && req.Limit == 0 {
		req.Limit = DefaultAllLimit
	}
	if req.Token == "" && !req.DryRun {
		req.Token = uuid.NewString()
	}
	if err := req.Validate(); err != nil {
		return store.ReplayReport{}, err
	}

	report, err := s.store.Replay(ctx, req)
	if err != nil {
		s.logger.Error(ctx, "replay failed", "token", req.Token, "err", err)
		return store.ReplayReport{}, err
	}
	if !report.DryRun {
		s.metrics.IncCounter("timeline.replayed", float64(report.Updated))
	}
	s.logger.Info(ctx, "replay completed",
		"token", report.Token,
		"dry_run", report.DryRun,
		"selected", report.Selected,
		"inserted", report.Inserted,
		"updated", report.Updated)
	return *report, nil
}
