package store

// Status is the lifecycle state of an outbox envelope.
type Status string

// Outbox envelope statuses.
const (
	// StatusPending marks a freshly enqueued envelope awaiting its first
	// delivery attempt.
	StatusPending Status = "pending"
	// StatusProcessing marks an envelope claimed by a worker. Only the
	// lock owner may settle it until the lock expires.
	StatusProcessing Status = "processing"
	// StatusFailed marks a retryable failure awaiting its next attempt.
	StatusFailed Status = "failed"
	// StatusDelivered marks an envelope appended to the broker, consumer
	// acknowledgment not yet observed.
	StatusDelivered Status = "delivered"
	// StatusConsumed marks end-to-end completion: the consumer handed the
	// envelope downstream and acked the broker entry.
	StatusConsumed Status = "consumed"
	// StatusDeadLetter marks exhausted or permanently failed envelopes
	// awaiting operator replay.
	StatusDeadLetter Status = "dead_letter"
)

// transitions is the envelope state machine: claim moves due rows to
// processing, settlement fans out to delivered, failed or dead_letter,
// the consumer closes the loop at consumed and replay resurrects
// dead_letter rows as failed. processing -> consumed covers the consumer
// observing the broker entry before the worker settles; processing ->
// failed also covers shutdown release and stale-lock reclaim.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing},
	StatusFailed:     {StatusProcessing},
	StatusProcessing: {StatusDelivered, StatusFailed, StatusDeadLetter, StatusConsumed},
	StatusDelivered:  {StatusConsumed},
	StatusDeadLetter: {StatusFailed},
	StatusConsumed:   nil,
}

// Valid reports whether s is a known envelope status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether the envelope state machine allows moving
// from one status to another.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
