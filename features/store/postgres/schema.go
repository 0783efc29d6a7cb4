package postgres

import (
	"context"
	"fmt"
)

// Payload columns are bytea: envelope and event payloads are stored and
// returned byte-for-byte, never normalized the way jsonb would.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		session_id    text PRIMARY KEY,
		user_id       text NOT NULL DEFAULT '',
		routing_hints bytea,
		created_at    timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS timeline_events (
		event_id     text PRIMARY KEY,
		session_id   text NOT NULL,
		user_id      text NOT NULL DEFAULT '',
		trace_id     text NOT NULL DEFAULT '',
		seq          bigint NOT NULL,
		kind         text NOT NULL,
		payload      bytea NOT NULL,
		timestamp_ms bigint NOT NULL,
		created_at   timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS timeline_events_session_seq
		ON timeline_events (session_id, seq)`,
	`CREATE INDEX IF NOT EXISTS timeline_events_session_seq_desc
		ON timeline_events (session_id, seq DESC)`,
	`CREATE TABLE IF NOT EXISTS outbox_events (
		event_id      text PRIMARY KEY,
		session_id    text NOT NULL,
		seq           bigint NOT NULL,
		channel       text NOT NULL,
		payload       bytea NOT NULL,
		status        text NOT NULL,
		attempts      int NOT NULL DEFAULT 0,
		max_attempts  int NOT NULL,
		next_retry_at timestamptz NOT NULL DEFAULT now(),
		last_error    text,
		locked_by     text,
		locked_at     timestamptz,
		created_at    timestamptz NOT NULL DEFAULT now(),
		updated_at    timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS outbox_events_status_retry
		ON outbox_events (status, next_retry_at)`,
	`CREATE INDEX IF NOT EXISTS outbox_events_session_status
		ON outbox_events (session_id, status)`,
	`CREATE TABLE IF NOT EXISTS outbox_replay_log (
		id                bigserial PRIMARY KEY,
		replay_token      text NOT NULL,
		event_id          text NOT NULL,
		session_id        text NOT NULL,
		previous_status   text NOT NULL,
		previous_attempts int NOT NULL,
		note              text NOT NULL DEFAULT '',
		created_at        timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS outbox_replay_log_token_event
		ON outbox_replay_log (replay_token, event_id)`,
}

// EnsureSchema creates the pipeline tables and indexes. It is idempotent
// and safe to run at every startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
