// Package backoff implements the exponential retry-delay policy shared by
// the source watcher's polling loop and the settlement processor's retry
// loop: base 500ms, doubling per attempt, capped at 30s.
package backoff

import "time"

const (
	// DefaultBase is the delay before the first retry.
	DefaultBase = 500 * time.Millisecond
	// DefaultCap is the maximum delay between retries.
	DefaultCap = 30 * time.Second
)

// Policy computes retry delays as base * 2^(attempts-1), capped.
type Policy struct {
	Base time.Duration
	Cap  time.Duration
}

// Default returns the policy specified for RPC calls and settlement retries.
func Default() Policy {
	return Policy{Base: DefaultBase, Cap: DefaultCap}
}

// Delay returns the delay to wait before the attempt-th retry. attempts must
// be >= 1; attempts <= 0 is treated as 1.
func (p Policy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	base := p.Base
	if base <= 0 {
		base = DefaultBase
	}
	cap := p.Cap
	if cap <= 0 {
		cap = DefaultCap
	}

	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		d = cap
	}
	return d
}
