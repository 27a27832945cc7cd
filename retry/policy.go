// Package retry computes backoff schedules for work the framework
// replays, such as outbox delivery attempts.
package retry

import (
	"errors"
	"math"
	"math/rand"
	"time"
)

// Policy bounds how often a failing operation is reattempted and how
// long to wait between attempts.
type Policy struct {
	// MaxAttempts counts the first try. Zero means unbounded.
	MaxAttempts int

	// Initial is the delay before the first retry.
	Initial time.Duration

	// Cap bounds the grown delay. Zero means no bound.
	Cap time.Duration

	// Multiplier grows the delay after each failed attempt.
	Multiplier float64

	// Jitter spreads each delay across [d*(1-Jitter), d*(1+Jitter)] so
	// that synchronized retries fan out.
	Jitter float64

	// Permanent lists errors that end retrying immediately, matched
	// with errors.Is.
	Permanent []error
}

// Default returns the stock delivery policy.
func Default() *Policy {
	return &Policy{
		MaxAttempts: 3,
		Initial:     100 * time.Millisecond,
		Cap:         10 * time.Second,
		Multiplier:  2,
		Jitter:      0.5,
	}
}

// NoRetry gives up after the first failure.
func NoRetry() *Policy {
	return &Policy{MaxAttempts: 1}
}

// Fixed retries at a constant interval.
func Fixed(maxAttempts int, interval time.Duration) *Policy {
	return &Policy{
		MaxAttempts: maxAttempts,
		Initial:     interval,
		Cap:         interval,
		Multiplier:  1,
	}
}

// Exponential grows the interval geometrically up to cap.
func Exponential(maxAttempts int, initial, cap time.Duration, multiplier float64) *Policy {
	return &Policy{
		MaxAttempts: maxAttempts,
		Initial:     initial,
		Cap:         cap,
		Multiplier:  multiplier,
		Jitter:      0.5,
	}
}

// ShouldRetry reports whether another attempt is allowed after err.
// Errors carrying Terminal() true and errors matching Permanent stop
// retrying regardless of the attempt count.
func (p *Policy) ShouldRetry(attempts int, err error) bool {
	if p.MaxAttempts > 0 && attempts >= p.MaxAttempts {
		return false
	}
	var terminal interface{ Terminal() bool }
	if errors.As(err, &terminal) && terminal.Terminal() {
		return false
	}
	for _, perm := range p.Permanent {
		if errors.Is(err, perm) {
			return false
		}
	}
	return true
}

// Backoff returns the delay before the next retry, given how many
// attempts have already failed (1-based).
func (p *Policy) Backoff(attempts int) time.Duration {
	d := float64(p.Initial)
	if attempts > 1 {
		d *= math.Pow(p.Multiplier, float64(attempts-1))
	}
	if limit := float64(p.Cap); limit > 0 && d > limit {
		d = limit
	}
	if p.Jitter > 0 {
		d *= 1 + p.Jitter*(2*rand.Float64()-1)
	}
	return time.Duration(d)
}
