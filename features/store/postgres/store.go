// Package postgres implements the pipeline's persistence contracts on
// PostgreSQL via pgx: the append-only event store, the transactional
// outbox and the replay log, all sharing one database so admission can
// write event and envelope atomically.
//
// Every time comparison (next_retry_at, locked_at) happens database-side
// against now(), so worker clock drift never skews retry or lock decisions.
package postgres

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/uniassist/timeline/features/store/postgres/clients/pg"
	"github.com/uniassist/timeline/store"
	"github.com/uniassist/timeline/timeline"
)

type (
	// Options configures the Postgres store.
	Options struct {
		// Client is the pg client owning the pool. Required.
		Client *pg.Client
		// Backoff is the retry backoff policy. Defaults to
		// store.DefaultBackoff.
		Backoff store.Backoff
	}

	// Store implements store.Store on PostgreSQL.
	Store struct {
		pool    *pgxpool.Pool
		backoff store.Backoff
	}
)

var _ store.Store = (*Store)(nil)

// uniqueViolation is the Postgres error code for unique constraint hits.
const uniqueViolation = "23505"

// New constructs a Postgres store. Call EnsureSchema before first use.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("pg client is required")
	}
	backoff := opts.Backoff
	if backoff.Base <= 0 && backoff.Cap <= 0 {
		backoff = store.DefaultBackoff()
	}
	return &Store{pool: opts.Client.Pool(), backoff: backoff}, nil
}

// Admit implements store.Admitter. The session upsert, seq assignment,
// event insert and outbox insert run in one transaction; the session row
// is locked first so concurrent admitters of the same session serialize
// on seq assignment.
func (s *Store) Admit(ctx context.Context, p store.AdmitParams) (store.AdmitResult, error) {
	if p.Event == nil {
		return store.AdmitResult{}, errors.New("event is required")
	}
	if p.Event.EventID == "" || p.Event.SessionID == "" {
		return store.AdmitResult{}, errors.New("event_id and session_id are required")
	}

	res, err := s.admitOnce(ctx, p)
	if isUniqueViolation(err) {
		// A concurrent admission with the same event_id won the insert
		// race; resolve against the committed row.
		return s.resolveExisting(ctx, p.Event)
	}
	return res, err
}

func (s *Store) admitOnce(ctx context.Context, p store.AdmitParams) (store.AdmitResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return store.AdmitResult{}, fmt.Errorf("begin admission: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	ev := *p.Event

	// Idempotent retry short-circuits before any write.
	var existingSeq uint64
	var existingPayload []byte
	err = tx.QueryRow(ctx,
		`SELECT seq, payload FROM timeline_events WHERE event_id = $1`,
		ev.EventID,
	).Scan(&existingSeq, &existingPayload)
	switch {
	case err == nil:
		if !bytes.Equal(existingPayload, ev.Payload) {
			return store.AdmitResult{}, store.ErrPayloadConflict
		}
		return store.AdmitResult{Seq: existingSeq, Admitted: false}, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return store.AdmitResult{}, fmt.Errorf("look up event %s: %w", ev.EventID, err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO sessions (session_id, user_id) VALUES ($1, $2)
		 ON CONFLICT (session_id) DO NOTHING`,
		ev.SessionID, ev.UserID,
	); err != nil {
		return store.AdmitResult{}, fmt.Errorf("ensure session %s: %w", ev.SessionID, err)
	}
	// Lock the session row; DO NOTHING above does not lock a pre-existing
	// one.
	if _, err := tx.Exec(ctx,
		`SELECT 1 FROM sessions WHERE session_id = $1 FOR UPDATE`,
		ev.SessionID,
	); err != nil {
		return store.AdmitResult{}, fmt.Errorf("lock session %s: %w", ev.SessionID, err)
	}

	seq, err := appendEvent(ctx, tx, &ev)
	if err != nil {
		return store.AdmitResult{}, err
	}

	streamKey, globalKey := p.StreamKey, p.GlobalKey
	env := timeline.NewEnvelope(ev, streamKey, globalKey)
	payload, err := env.Encode()
	if err != nil {
		return store.AdmitResult{}, err
	}
	channel := p.Channel
	if channel == "" {
		channel = timeline.DefaultChannel
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = store.DefaultMaxAttempts
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO outbox_events (event_id, session_id, seq, channel, payload, status, max_attempts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.EventID, ev.SessionID, seq, channel, payload, store.StatusPending, maxAttempts,
	); err != nil {
		return store.AdmitResult{}, fmt.Errorf("enqueue envelope %s: %w", ev.EventID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return store.AdmitResult{}, fmt.Errorf("commit admission: %w", err)
	}
	return store.AdmitResult{Seq: seq, Admitted: true}, nil
}

// resolveExisting handles the lost insert race: the event_id is committed
// now, so the retry semantics apply.
func (s *Store) resolveExisting(ctx context.Context, ev *timeline.Event) (store.AdmitResult, error) {
	var seq uint64
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT seq, payload FROM timeline_events WHERE event_id = $1`,
		ev.EventID,
	).Scan(&seq, &payload)
	if err != nil {
		return store.AdmitResult{}, fmt.Errorf("look up event %s: %w", ev.EventID, err)
	}
	if !bytes.Equal(payload, ev.Payload) {
		return store.AdmitResult{}, store.ErrPayloadConflict
	}
	return store.AdmitResult{Seq: seq, Admitted: false}, nil
}

// appendEvent assigns the next seq and inserts the event. Callers hold the
// session row lock.
func appendEvent(ctx context.Context, tx pgx.Tx, ev *timeline.Event) (uint64, error) {
	var seq uint64
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM timeline_events WHERE session_id = $1`,
		ev.SessionID,
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("assign seq for session %s: %w", ev.SessionID, err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO timeline_events (event_id, session_id, user_id, trace_id, seq, kind, payload, timestamp_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.EventID, ev.SessionID, ev.UserID, ev.TraceID, seq, ev.Kind, ev.Payload, ev.TimestampMS,
	); err != nil {
		if isUniqueViolation(err) {
			return 0, store.ErrEventExists
		}
		return 0, fmt.Errorf("insert event %s: %w", ev.EventID, err)
	}
	ev.Seq = seq
	return seq, nil
}

// Append implements store.EventStore.
func (s *Store) Append(ctx context.Context, ev *timeline.Event) (uint64, error) {
	if ev == nil {
		return 0, errors.New("event is required")
	}
	if ev.EventID == "" || ev.SessionID == "" {
		return 0, errors.New("event_id and session_id are required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO sessions (session_id, user_id) VALUES ($1, $2)
		 ON CONFLICT (session_id) DO NOTHING`,
		ev.SessionID, ev.UserID,
	); err != nil {
		return 0, fmt.Errorf("ensure session %s: %w", ev.SessionID, err)
	}
	if _, err := tx.Exec(ctx,
		`SELECT 1 FROM sessions WHERE session_id = $1 FOR UPDATE`,
		ev.SessionID,
	); err != nil {
		return 0, fmt.Errorf("lock session %s: %w", ev.SessionID, err)
	}
	seq, err := appendEvent(ctx, tx, ev)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return seq, nil
}

// Read implements store.EventStore.
func (s *Store) Read(ctx context.Context, sessionID string, afterSeq uint64, limit int) ([]*timeline.Event, error) {
	if sessionID == "" {
		return nil, errors.New("session_id is required")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}
	rows, err := s.pool.Query(ctx,
		`SELECT event_id, session_id, user_id, trace_id, seq, kind, payload, timestamp_ms
		 FROM timeline_events
		 WHERE session_id = $1 AND seq > $2
		 ORDER BY seq
		 LIMIT $3`,
		sessionID, afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []*timeline.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ReadByID implements store.EventStore.
func (s *Store) ReadByID(ctx context.Context, eventID string) (*timeline.Event, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT event_id, session_id, user_id, trace_id, seq, kind, payload, timestamp_ms
		 FROM timeline_events WHERE event_id = $1`,
		eventID,
	)
	ev, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrEventNotFound
	}
	return ev, err
}

func scanEvent(row pgx.Row) (*timeline.Event, error) {
	var ev timeline.Event
	var kind string
	if err := row.Scan(&ev.EventID, &ev.SessionID, &ev.UserID, &ev.TraceID, &ev.Seq, &kind, &ev.Payload, &ev.TimestampMS); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan event: %w", err)
	}
	ev.Kind = timeline.EventKind(kind)
	return &ev, nil
}

// Enqueue implements store.Outbox.
func (s *Store) Enqueue(ctx context.Context, env timeline.Envelope, maxAttempts int) error {
	payload, err := env.Encode()
	if err != nil {
		return err
	}
	if maxAttempts <= 0 {
		maxAttempts = store.DefaultMaxAttempts
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO outbox_events (event_id, session_id, seq, channel, payload, status, max_attempts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		env.Event.EventID, env.Event.SessionID, env.Event.Seq, timeline.DefaultChannel, payload, store.StatusPending, maxAttempts,
	)
	if isUniqueViolation(err) {
		return store.ErrEnvelopeExists
	}
	if err != nil {
		return fmt.Errorf("enqueue envelope %s: %w", env.Event.EventID, err)
	}
	return nil
}

// Claim implements store.Outbox. The candidate query picks the lowest due
// seq per session, skips sessions with a row already in flight, locks the
// picks with SKIP LOCKED so concurrent claimers never double-claim, and
// flips them to processing in the same statement.
func (s *Store) Claim(ctx context.Context, workerID string, batchSize int) ([]*store.Claimed, error) {
	if workerID == "" {
		return nil, errors.New("worker_id is required")
	}
	if batchSize <= 0 {
		return nil, errors.New("batch_size must be > 0")
	}
	rows, err := s.pool.Query(ctx,
		`WITH candidates AS (
			SELECT o.event_id
			FROM outbox_events o
			WHERE o.status IN ('pending', 'failed')
			  AND o.next_retry_at <= now()
			  AND NOT EXISTS (
				SELECT 1 FROM outbox_events f
				WHERE f.session_id = o.session_id AND f.status = 'processing'
			  )
			  AND NOT EXISTS (
				SELECT 1 FROM outbox_events d
				WHERE d.session_id = o.session_id
				  AND d.status IN ('pending', 'failed')
				  AND d.next_retry_at <= now()
				  AND d.seq < o.seq
			  )
			ORDER BY o.created_at, o.event_id
			LIMIT $2
			FOR UPDATE OF o SKIP LOCKED
		)
		UPDATE outbox_events u
		SET status = 'processing', locked_by = $1, locked_at = now(), updated_at = now()
		FROM candidates c
		WHERE u.event_id = c.event_id
		RETURNING u.event_id, u.session_id, u.seq, u.payload, u.attempts, u.max_attempts`,
		workerID, batchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("claim outbox batch: %w", err)
	}
	defer rows.Close()

	var claimed []*store.Claimed
	for rows.Next() {
		c := &store.Claimed{}
		if err := rows.Scan(&c.EventID, &c.SessionID, &c.Seq, &c.Payload, &c.Attempts, &c.MaxAttempts); err != nil {
			return nil, fmt.Errorf("scan claimed row: %w", err)
		}
		claimed = append(claimed, c)
	}
	return claimed, rows.Err()
}

// SettleSuccess implements store.Outbox.
func (s *Store) SettleSuccess(ctx context.Context, eventID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE outbox_events
		 SET status = 'delivered', locked_by = NULL, locked_at = NULL, updated_at = now()
		 WHERE event_id = $1 AND status = 'processing'`,
		eventID,
	)
	if err != nil {
		return fmt.Errorf("settle success %s: %w", eventID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.settleConflict(ctx, eventID)
}

// SettleFailure implements store.Outbox. The row is read under lock so the
// backoff delay can be computed from the incremented attempt count.
func (s *Store) SettleFailure(ctx context.Context, eventID, cause string, retryable bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin settle failure: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var status store.Status
	var attempts, maxAttempts int
	err = tx.QueryRow(ctx,
		`SELECT status, attempts, max_attempts FROM outbox_events WHERE event_id = $1 FOR UPDATE`,
		eventID,
	).Scan(&status, &attempts, &maxAttempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrEnvelopeNotFound
	}
	if err != nil {
		return fmt.Errorf("settle failure %s: %w", eventID, err)
	}
	switch status {
	case store.StatusConsumed:
		// The consumer won the race; the failure is moot.
		return nil
	case store.StatusProcessing:
	default:
		return store.ErrStatusConflict
	}

	attempts++
	next := store.StatusDeadLetter
	if retryable && attempts < maxAttempts {
		next = store.StatusFailed
	}
	delay := s.backoff.Next(attempts)
	if _, err := tx.Exec(ctx,
		`UPDATE outbox_events
		 SET status = $2, attempts = $3, last_error = $4,
		     next_retry_at = CASE WHEN $2 = 'failed' THEN now() + ($5::bigint * interval '1 millisecond') ELSE next_retry_at END,
		     locked_by = NULL, locked_at = NULL, updated_at = now()
		 WHERE event_id = $1`,
		eventID, next, attempts, cause, delay.Milliseconds(),
	); err != nil {
		return fmt.Errorf("settle failure %s: %w", eventID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit settle failure: %w", err)
	}
	return nil
}

// MarkConsumed implements store.Outbox.
func (s *Store) MarkConsumed(ctx context.Context, eventID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE outbox_events
		 SET status = 'consumed', locked_by = NULL, locked_at = NULL, updated_at = now()
		 WHERE event_id = $1 AND status IN ('delivered', 'processing')`,
		eventID,
	)
	if err != nil {
		return fmt.Errorf("mark consumed %s: %w", eventID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.settleConflict(ctx, eventID)
}

// settleConflict classifies a settlement whose conditional update matched
// nothing: the row is gone, already consumed, or in a foreign status.
func (s *Store) settleConflict(ctx context.Context, eventID string) error {
	var status store.Status
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM outbox_events WHERE event_id = $1`,
		eventID,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrEnvelopeNotFound
	}
	if err != nil {
		return fmt.Errorf("look up envelope %s: %w", eventID, err)
	}
	if status == store.StatusConsumed {
		return nil
	}
	return store.ErrStatusConflict
}

// Release implements store.Outbox.
func (s *Store) Release(ctx context.Context, workerID string) (int, error) {
	if workerID == "" {
		return 0, errors.New("worker_id is required")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE outbox_events
		 SET status = 'failed', locked_by = NULL, locked_at = NULL,
		     next_retry_at = now(), updated_at = now()
		 WHERE locked_by = $1 AND status = 'processing'`,
		workerID,
	)
	if err != nil {
		return 0, fmt.Errorf("release claims of %s: %w", workerID, err)
	}
	return int(tag.RowsAffected()), nil
}

// ReclaimStale implements store.Outbox.
func (s *Store) ReclaimStale(ctx context.Context, lockTTL time.Duration) (int, error) {
	if lockTTL <= 0 {
		return 0, errors.New("lock TTL must be > 0")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE outbox_events
		 SET attempts = attempts + 1,
		     status = CASE WHEN attempts + 1 < max_attempts THEN 'failed' ELSE 'dead_letter' END,
		     last_error = 'delivery lock expired',
		     locked_by = NULL, locked_at = NULL, updated_at = now()
		 WHERE status = 'processing'
		   AND locked_at <= now() - ($1::bigint * interval '1 millisecond')`,
		lockTTL.Milliseconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale locks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Replay implements store.Outbox. Selection, log insert and transition run
// in one transaction; rows already logged under the token are skipped so
// repeating a token updates nothing.
func (s *Store) Replay(ctx context.Context, req store.ReplayRequest) (*store.ReplayReport, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin replay: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	query := `SELECT event_id, session_id, attempts, max_attempts
		 FROM outbox_events
		 WHERE status = 'dead_letter'`
	args := []any{}
	switch {
	case req.EventID != "":
		query += ` AND event_id = $1`
		args = append(args, req.EventID)
	case req.SessionID != "":
		query += ` AND session_id = $1`
		args = append(args, req.SessionID)
	}
	query += ` ORDER BY created_at, event_id`
	if req.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, req.Limit)
	}
	query += ` FOR UPDATE SKIP LOCKED`

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select dead-letter rows: %w", err)
	}
	type selected struct {
		eventID     string
		sessionID   string
		attempts    int
		maxAttempts int
	}
	var picks []selected
	for rows.Next() {
		var p selected
		if err := rows.Scan(&p.eventID, &p.sessionID, &p.attempts, &p.maxAttempts); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan dead-letter row: %w", err)
		}
		picks = append(picks, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select dead-letter rows: %w", err)
	}

	report := &store.ReplayReport{Token: req.Token, DryRun: req.DryRun, Selected: len(picks)}
	for _, p := range picks {
		rr := store.ReplayRow{
			EventID:          p.eventID,
			SessionID:        p.sessionID,
			PreviousStatus:   store.StatusDeadLetter,
			PreviousAttempts: p.attempts,
			Status:           store.StatusDeadLetter,
			Attempts:         p.attempts,
		}
		if req.DryRun {
			report.Rows = append(report.Rows, rr)
			continue
		}

		tag, err := tx.Exec(ctx,
			`INSERT INTO outbox_replay_log (replay_token, event_id, session_id, previous_status, previous_attempts, note)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (replay_token, event_id) DO NOTHING`,
			req.Token, p.eventID, p.sessionID, store.StatusDeadLetter, p.attempts, req.Note,
		)
		if err != nil {
			return nil, fmt.Errorf("record replay of %s: %w", p.eventID, err)
		}
		if tag.RowsAffected() == 0 {
			rr.Skipped = true
			report.Rows = append(report.Rows, rr)
			continue
		}
		report.Inserted++

		attempts := p.attempts
		if req.ResetAttempts {
			attempts = 0
		} else if attempts > p.maxAttempts-1 {
			attempts = p.maxAttempts - 1
		}
		if _, err := tx.Exec(ctx,
			`UPDATE outbox_events
			 SET status = 'failed', attempts = $2, next_retry_at = now(),
			     last_error = NULL, locked_by = NULL, locked_at = NULL, updated_at = now()
			 WHERE event_id = $1`,
			p.eventID, attempts,
		); err != nil {
			return nil, fmt.Errorf("replay %s: %w", p.eventID, err)
		}
		report.Updated++
		rr.Status = store.StatusFailed
		rr.Attempts = attempts
		report.Rows = append(report.Rows, rr)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit replay: %w", err)
	}
	return report, nil
}

// CountByStatus implements store.Outbox.
func (s *Store) CountByStatus(ctx context.Context) (map[store.Status]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, count(*) FROM outbox_events GROUP BY status`,
	)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[store.Status]int64)
	for rows.Next() {
		var status store.Status
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
