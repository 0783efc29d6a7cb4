package store

import (
	"math/rand"
	"time"
)

// Backoff computes retry delays for failed deliveries: exponential growth
// with full jitter. For a given attempt count the delay is drawn uniformly
// from [Base, min(Cap, Base*2^(attempts-1))); when the exponential bound
// has not yet outgrown Base the delay is exactly Base.
type Backoff struct {
	// Base is the first retry delay and the lower jitter bound.
	Base time.Duration
	// Cap bounds the exponential growth.
	Cap time.Duration
}

// Backoff defaults.
const (
	DefaultBackoffBase = time.Second
	DefaultBackoffCap  = 5 * time.Minute
)

// DefaultBackoff returns the default delivery backoff policy.
func DefaultBackoff() Backoff {
	return Backoff{Base: DefaultBackoffBase, Cap: DefaultBackoffCap}
}

// Next returns the delay before the retry following the given number of
// completed attempts. Attempts below one are treated as one.
func (b Backoff) Next(attempts int) time.Duration {
	base, cap := b.Base, b.Cap
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if cap <= 0 {
		cap = DefaultBackoffCap
	}
	if cap < base {
		cap = base
	}
	if attempts < 1 {
		attempts = 1
	}

	upper := base
	for i := 1; i < attempts && upper < cap; i++ {
		upper *= 2
	}
	if upper > cap {
		upper = cap
	}
	if upper <= base {
		return base
	}
	// Uniform in [base, upper). Jitter does not need crypto randomness.
	return base + time.Duration(rand.Int63n(int64(upper-base))) //nolint:gosec
}
