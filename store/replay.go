package store

import "errors"

type (
	// ReplayRequest selects dead-letter envelopes to resurrect. Exactly one
	// selector must be set: EventID, SessionID or All.
	ReplayRequest struct {
		// EventID selects a single envelope.
		EventID string
		// SessionID selects every dead-letter envelope of one session.
		SessionID string
		// All selects across sessions. Limit is mandatory with All.
		All bool
		// Limit caps how many rows are selected, oldest first. Required
		// and positive with All; optional otherwise (zero means no cap).
		Limit int
		// Token is the idempotency key recorded in the replay log. Rows
		// already logged under this token are skipped, so repeating a
		// request with the same token updates zero additional rows.
		Token string
		// Note is a free-form operator annotation kept for audit.
		Note string
		// ResetAttempts restarts the retry budget at zero. When false,
		// attempts are kept, clamped just below the terminal threshold
		// so the envelope gets at least one more delivery attempt.
		ResetAttempts bool
		// DryRun reports the selection without mutating outbox or log.
		DryRun bool
	}

	// ReplayRow is the before/after record of one selected envelope.
	ReplayRow struct {
		EventID          string
		SessionID        string
		PreviousStatus   Status
		PreviousAttempts int
		// Status and Attempts describe the row after the replay. On a
		// dry run or a token-skipped row they equal the previous values.
		Status   Status
		Attempts int
		// Skipped is true when the replay log already held the
		// (token, event_id) pair and the row was left untouched.
		Skipped bool
	}

	// ReplayReport summarizes one replay invocation.
	ReplayReport struct {
		Token    string
		DryRun   bool
		Selected int
		Inserted int
		Updated  int
		Rows     []ReplayRow
	}
)

var (
	// ErrReplaySelector reports a request with zero or several selectors.
	ErrReplaySelector = errors.New("replay requires exactly one of event id, session id or all")
	// ErrReplayLimit reports a global replay without a positive limit.
	ErrReplayLimit = errors.New("replay across all sessions requires a positive limit")
	// ErrReplayToken reports a mutating replay without an idempotency
	// token.
	ErrReplayToken = errors.New("replay requires an idempotency token")
)

// Validate checks selector, limit and token coherence.
func (r ReplayRequest) Validate() error {
	n := 0
	if r.EventID != "" {
		n++
	}
	if r.SessionID != "" {
		n++
	}
	if r.All {
		n++
	}
	if n != 1 {
		return ErrReplaySelector
	}
	if r.All && r.Limit <= 0 {
		return ErrReplayLimit
	}
	if r.Limit < 0 {
		return ErrReplayLimit
	}
	if r.Token == "" && !r.DryRun {
		return ErrReplayToken
	}
	return nil
}
