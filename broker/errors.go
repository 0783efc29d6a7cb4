package broker

import (
	"errors"
	"fmt"
)

// Error classifies a broker failure. The delivery worker keys retry
// decisions off Permanent; the stream consumer keys self-healing off
// MissingGroup.
type Error struct {
	// Op is the broker operation that failed: publish, consume, ack or
	// ensure_group.
	Op string
	// Permanent marks conditions the broker explicitly rejected, such as
	// an oversized payload. Permanent failures dead-letter immediately.
	Permanent bool
	// MissingGroup marks consume failures caused by an absent consumer
	// group. Consumers recreate the group and resume.
	MissingGroup bool
	// Err is the underlying cause.
	Err error
}

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("broker %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable broker failure.
func Transient(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}

// Permanent wraps err as a non-retryable broker failure.
func Permanent(op string, err error) *Error {
	return &Error{Op: op, Permanent: true, Err: err}
}

// NoGroup wraps err as a consume failure caused by a missing consumer
// group.
func NoGroup(op string, err error) *Error {
	return &Error{Op: op, MissingGroup: true, Err: err}
}

// Retryable reports whether the pipeline may retry after err. Unclassified
// errors are retryable: only failures the broker explicitly rejected are
// not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var be *Error
	if errors.As(err, &be) {
		return !be.Permanent
	}
	return true
}

// GroupMissing reports whether err was caused by an absent consumer group.
func GroupMissing(err error) bool {
	var be *Error
	return errors.As(err, &be) && be.MissingGroup
}
