// Package inmem provides an in-memory implementation of store.Store.
//
// It backs unit tests and local development. All operations are
// linearizable behind one mutex, which makes it a faithful reference for
// the concurrency contracts (gap-free seq assignment, exclusive claims),
// but it is not durable and must not be used in production.
package inmem

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/uniassist/timeline/store"
	"github.com/uniassist/timeline/timeline"
)

type (
	// Store implements store.Store in memory.
	Store struct {
		mu      sync.Mutex
		now     func() time.Time
		backoff store.Backoff

		sessions  map[string]*store.Session
		events    map[string]*timeline.Event
		bySession map[string][]*timeline.Event
		rows      map[string]*row
		// replayLog records (token, event_id) pairs plus audit fields.
		replayLog map[string]map[string]logEntry
	}

	row struct {
		eventID     string
		sessionID   string
		seq         uint64
		channel     string
		payload     []byte
		status      store.Status
		attempts    int
		maxAttempts int
		nextRetryAt time.Time
		lastError   string
		lockedBy    string
		lockedAt    time.Time
		createdAt   time.Time
		updatedAt   time.Time
	}

	logEntry struct {
		sessionID        string
		previousStatus   store.Status
		previousAttempts int
		note             string
		createdAt        time.Time
	}

	// Row is a point-in-time copy of an outbox row, exposed so tests can
	// assert on envelope state without reaching into internals.
	Row struct {
		EventID     string
		SessionID   string
		Seq         uint64
		Status      store.Status
		Attempts    int
		MaxAttempts int
		NextRetryAt time.Time
		LastError   string
		LockedBy    string
		LockedAt    time.Time
		Payload     []byte
		CreatedAt   time.Time
		UpdatedAt   time.Time
	}
)

var _ store.Store = (*Store)(nil)

// New returns an empty in-memory store with the default backoff policy.
func New() *Store {
	return &Store{
		now:       time.Now,
		backoff:   store.DefaultBackoff(),
		sessions:  make(map[string]*store.Session),
		events:    make(map[string]*timeline.Event),
		bySession: make(map[string][]*timeline.Event),
		rows:      make(map[string]*row),
		replayLog: make(map[string]map[string]logEntry),
	}
}

// SetClock replaces the time source. Tests use it to expire locks and
// retry timers without sleeping.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetBackoff replaces the retry backoff policy.
func (s *Store) SetBackoff(b store.Backoff) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backoff = b
}

// Reset drops all stored state.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]*store.Session)
	s.events = make(map[string]*timeline.Event)
	s.bySession = make(map[string][]*timeline.Event)
	s.rows = make(map[string]*row)
	s.replayLog = make(map[string]map[string]logEntry)
}

// Admit implements store.Admitter.
func (s *Store) Admit(_ context.Context, p store.AdmitParams) (store.AdmitResult, error) {
	if p.Event == nil {
		return store.AdmitResult{}, fmt.Errorf("event is required")
	}
	if p.Event.EventID == "" || p.Event.SessionID == "" {
		return store.AdmitResult{}, fmt.Errorf("event_id and session_id are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.events[p.Event.EventID]; ok {
		if !bytes.Equal(existing.Payload, p.Event.Payload) {
			return store.AdmitResult{}, store.ErrPayloadConflict
		}
		return store.AdmitResult{Seq: existing.Seq, Admitted: false}, nil
	}

	now := s.now()
	if _, ok := s.sessions[p.Event.SessionID]; !ok {
		s.sessions[p.Event.SessionID] = &store.Session{
			SessionID: p.Event.SessionID,
			UserID:    p.Event.UserID,
			CreatedAt: now,
		}
	}

	ev := *p.Event
	ev.Seq = uint64(len(s.bySession[ev.SessionID]) + 1)
	s.events[ev.EventID] = &ev
	s.bySession[ev.SessionID] = append(s.bySession[ev.SessionID], &ev)

	env := timeline.NewEnvelope(ev, p.StreamKey, p.GlobalKey)
	payload, err := env.Encode()
	if err != nil {
		// Roll the append back; admission is all or nothing.
		delete(s.events, ev.EventID)
		s.bySession[ev.SessionID] = s.bySession[ev.SessionID][:len(s.bySession[ev.SessionID])-1]
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
	s.rows[ev.EventID] = &row{
		eventID:     ev.EventID,
		sessionID:   ev.SessionID,
		seq:         ev.Seq,
		channel:     channel,
		payload:     payload,
		status:      store.StatusPending,
		maxAttempts: maxAttempts,
		nextRetryAt: now,
		createdAt:   now,
		updatedAt:   now,
	}
	return store.AdmitResult{Seq: ev.Seq, Admitted: true}, nil
}

// Append implements store.EventStore.
func (s *Store) Append(_ context.Context, ev *timeline.Event) (uint64, error) {
	if ev == nil {
		return 0, fmt.Errorf("event is required")
	}
	if ev.EventID == "" || ev.SessionID == "" {
		return 0, fmt.Errorf("event_id and session_id are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[ev.EventID]; ok {
		return 0, store.ErrEventExists
	}
	cp := *ev
	cp.Seq = uint64(len(s.bySession[cp.SessionID]) + 1)
	s.events[cp.EventID] = &cp
	s.bySession[cp.SessionID] = append(s.bySession[cp.SessionID], &cp)
	ev.Seq = cp.Seq
	return cp.Seq, nil
}

// Read implements store.EventStore.
func (s *Store) Read(_ context.Context, sessionID string, afterSeq uint64, limit int) ([]*timeline.Event, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.bySession[sessionID]
	if afterSeq >= uint64(len(all)) {
		return nil, nil
	}
	start := int(afterSeq)
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	out := make([]*timeline.Event, 0, end-start)
	for _, ev := range all[start:end] {
		cp := *ev
		out = append(out, &cp)
	}
	return out, nil
}

// ReadByID implements store.EventStore.
func (s *Store) ReadByID(_ context.Context, eventID string) (*timeline.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[eventID]
	if !ok {
		return nil, store.ErrEventNotFound
	}
	cp := *ev
	return &cp, nil
}

// Enqueue implements store.Outbox.
func (s *Store) Enqueue(_ context.Context, env timeline.Envelope, maxAttempts int) error {
	payload, err := env.Encode()
	if err != nil {
		return err
	}
	if maxAttempts <= 0 {
		maxAttempts = store.DefaultMaxAttempts
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rows[env.Event.EventID]; ok {
		return store.ErrEnvelopeExists
	}
	now := s.now()
	s.rows[env.Event.EventID] = &row{
		eventID:     env.Event.EventID,
		sessionID:   env.Event.SessionID,
		seq:         env.Event.Seq,
		channel:     timeline.DefaultChannel,
		payload:     payload,
		status:      store.StatusPending,
		maxAttempts: maxAttempts,
		nextRetryAt: now,
		createdAt:   now,
		updatedAt:   now,
	}
	return nil
}

// Claim implements store.Outbox. It returns at most one envelope per
// session (the lowest due seq) and skips sessions that already have a row
// in flight, mirroring the Postgres claim query.
func (s *Store) Claim(_ context.Context, workerID string, batchSize int) ([]*store.Claimed, error) {
	if workerID == "" {
		return nil, fmt.Errorf("worker_id is required")
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch_size must be > 0")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	inflight := make(map[string]bool)
	for _, r := range s.rows {
		if r.status == store.StatusProcessing {
			inflight[r.sessionID] = true
		}
	}

	perSession := make(map[string]*row)
	for _, r := range s.rows {
		if r.status != store.StatusPending && r.status != store.StatusFailed {
			continue
		}
		if r.nextRetryAt.After(now) || inflight[r.sessionID] {
			continue
		}
		if best, ok := perSession[r.sessionID]; !ok || r.seq < best.seq {
			perSession[r.sessionID] = r
		}
	}

	candidates := make([]*row, 0, len(perSession))
	for _, r := range perSession {
		candidates = append(candidates, r)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].createdAt.Equal(candidates[j].createdAt) {
			return candidates[i].createdAt.Before(candidates[j].createdAt)
		}
		return candidates[i].eventID < candidates[j].eventID
	})
	if len(candidates) > batchSize {
		candidates = candidates[:batchSize]
	}

	claimed := make([]*store.Claimed, 0, len(candidates))
	for _, r := range candidates {
		r.status = store.StatusProcessing
		r.lockedBy = workerID
		r.lockedAt = now
		r.updatedAt = now
		claimed = append(claimed, &store.Claimed{
			EventID:     r.eventID,
			SessionID:   r.sessionID,
			Seq:         r.seq,
			Payload:     append([]byte(nil), r.payload...),
			Attempts:    r.attempts,
			MaxAttempts: r.maxAttempts,
		})
	}
	return claimed, nil
}

// SettleSuccess implements store.Outbox.
func (s *Store) SettleSuccess(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[eventID]
	if !ok {
		return store.ErrEnvelopeNotFound
	}
	switch r.status {
	case store.StatusConsumed:
		// The consumer observed the entry first; nothing left to do.
		return nil
	case store.StatusProcessing:
		r.status = store.StatusDelivered
		r.lockedBy = ""
		r.lockedAt = time.Time{}
		r.updatedAt = s.now()
		return nil
	default:
		return store.ErrStatusConflict
	}
}

// SettleFailure implements store.Outbox.
func (s *Store) SettleFailure(_ context.Context, eventID string, cause string, retryable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[eventID]
	if !ok {
		return store.ErrEnvelopeNotFound
	}
	if r.status == store.StatusConsumed {
		return nil
	}
	if r.status != store.StatusProcessing {
		return store.ErrStatusConflict
	}

	now := s.now()
	r.attempts++
	r.lastError = cause
	r.lockedBy = ""
	r.lockedAt = time.Time{}
	r.updatedAt = now
	if retryable && r.attempts < r.maxAttempts {
		r.status = store.StatusFailed
		r.nextRetryAt = now.Add(s.backoff.Next(r.attempts))
	} else {
		r.status = store.StatusDeadLetter
	}
	return nil
}

// MarkConsumed implements store.Outbox.
func (s *Store) MarkConsumed(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[eventID]
	if !ok {
		return store.ErrEnvelopeNotFound
	}
	switch r.status {
	case store.StatusConsumed:
		return nil
	case store.StatusDelivered, store.StatusProcessing:
		r.status = store.StatusConsumed
		r.lockedBy = ""
		r.lockedAt = time.Time{}
		r.updatedAt = s.now()
		return nil
	default:
		return store.ErrStatusConflict
	}
}

// Release implements store.Outbox.
func (s *Store) Release(_ context.Context, workerID string) (int, error) {
	if workerID == "" {
		return 0, fmt.Errorf("worker_id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	released := 0
	for _, r := range s.rows {
		if r.status != store.StatusProcessing || r.lockedBy != workerID {
			continue
		}
		r.status = store.StatusFailed
		r.nextRetryAt = now
		r.lockedBy = ""
		r.lockedAt = time.Time{}
		r.updatedAt = now
		released++
	}
	return released, nil
}

// ReclaimStale implements store.Outbox.
func (s *Store) ReclaimStale(_ context.Context, lockTTL time.Duration) (int, error) {
	if lockTTL <= 0 {
		return 0, fmt.Errorf("lock TTL must be > 0")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-lockTTL)
	reclaimed := 0
	for _, r := range s.rows {
		if r.status != store.StatusProcessing || r.lockedAt.After(cutoff) {
			continue
		}
		r.attempts++
		r.lastError = "delivery lock expired"
		r.lockedBy = ""
		r.lockedAt = time.Time{}
		r.updatedAt = now
		if r.attempts < r.maxAttempts {
			r.status = store.StatusFailed
		} else {
			r.status = store.StatusDeadLetter
		}
		reclaimed++
	}
	return reclaimed, nil
}

// Replay implements store.Outbox.
func (s *Store) Replay(_ context.Context, req store.ReplayRequest) (*store.ReplayReport, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var selected []*row
	for _, r := range s.rows {
		if r.status != store.StatusDeadLetter {
			continue
		}
		switch {
		case req.EventID != "" && r.eventID != req.EventID:
			continue
		case req.SessionID != "" && r.sessionID != req.SessionID:
			continue
		}
		selected = append(selected, r)
	}
	sort.Slice(selected, func(i, j int) bool {
		if !selected[i].createdAt.Equal(selected[j].createdAt) {
			return selected[i].createdAt.Before(selected[j].createdAt)
		}
		return selected[i].eventID < selected[j].eventID
	})
	if req.Limit > 0 && len(selected) > req.Limit {
		selected = selected[:req.Limit]
	}

	now := s.now()
	report := &store.ReplayReport{Token: req.Token, DryRun: req.DryRun}
	for _, r := range selected {
		rr := store.ReplayRow{
			EventID:          r.eventID,
			SessionID:        r.sessionID,
			PreviousStatus:   r.status,
			PreviousAttempts: r.attempts,
			Status:           r.status,
			Attempts:         r.attempts,
		}
		if req.DryRun {
			report.Rows = append(report.Rows, rr)
			continue
		}
		if _, ok := s.replayLog[req.Token][r.eventID]; ok {
			rr.Skipped = true
			report.Rows = append(report.Rows, rr)
			continue
		}
		if s.replayLog[req.Token] == nil {
			s.replayLog[req.Token] = make(map[string]logEntry)
		}
		s.replayLog[req.Token][r.eventID] = logEntry{
			sessionID:        r.sessionID,
			previousStatus:   r.status,
			previousAttempts: r.attempts,
			note:             req.Note,
			createdAt:        now,
		}
		report.Inserted++

		r.status = store.StatusFailed
		r.nextRetryAt = now
		r.lastError = ""
		r.lockedBy = ""
		r.lockedAt = time.Time{}
		r.updatedAt = now
		if req.ResetAttempts {
			r.attempts = 0
		} else if r.attempts > r.maxAttempts-1 {
			r.attempts = r.maxAttempts - 1
		}
		report.Updated++

		rr.Status = r.status
		rr.Attempts = r.attempts
		report.Rows = append(report.Rows, rr)
	}
	report.Selected = len(report.Rows)
	return report, nil
}

// CountByStatus implements store.Outbox.
func (s *Store) CountByStatus(_ context.Context) (map[store.Status]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[store.Status]int64)
	for _, r := range s.rows {
		counts[r.status]++
	}
	return counts, nil
}

// Row returns a copy of the outbox row for the event, if present. Tests
// use it to assert envelope state.
func (s *Store) Row(eventID string) (Row, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[eventID]
	if !ok {
		return Row{}, false
	}
	return Row{
		EventID:     r.eventID,
		SessionID:   r.sessionID,
		Seq:         r.seq,
		Status:      r.status,
		Attempts:    r.attempts,
		MaxAttempts: r.maxAttempts,
		NextRetryAt: r.nextRetryAt,
		LastError:   r.lastError,
		LockedBy:    r.lockedBy,
		LockedAt:    r.lockedAt,
		Payload:     append([]byte(nil), r.payload...),
		CreatedAt:   r.createdAt,
		UpdatedAt:   r.updatedAt,
	}, true
}
