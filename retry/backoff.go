// Package retry provides the exponential backoff policy used when a failing
// operation must be retried later instead of immediately.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// Backoff describes an exponential backoff schedule with optional jitter.
// The zero value is usable and falls back to the defaults below.
type Backoff struct {
	// InitialDelay is the delay before the first retry (default 5ms).
	InitialDelay time.Duration
	// MaxDelay caps a single delay (default 1s).
	MaxDelay time.Duration
	// Multiplier grows the delay each attempt (default 2.0).
	Multiplier float64
	// MaxAttempts is the number of consecutive failures tolerated before
	// giving up. 0 means retry forever.
	MaxAttempts int
	// Jitter adds ±25% randomisation to each delay.
	Jitter bool
}

// DefaultBackoff returns the accept-loop schedule: 5ms doubling up to 1s,
// giving up after 10 consecutive failures.
func DefaultBackoff() *Backoff {
	return &Backoff{
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		MaxAttempts:  10,
	}
}

// Delay returns how long to wait after the given consecutive failure
// (1-based) and whether another attempt is allowed at all.
func (b *Backoff) Delay(failure int) (time.Duration, bool) {
	if failure < 1 {
		failure = 1
	}
	if b.MaxAttempts > 0 && failure > b.MaxAttempts {
		return 0, false
	}

	initial := b.InitialDelay
	if initial <= 0 {
		initial = 5 * time.Millisecond
	}
	multiplier := b.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	maxDelay := b.MaxDelay
	if maxDelay <= 0 {
		maxDelay = time.Second
	}

	delay := float64(initial) * math.Pow(multiplier, float64(failure-1))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	d := time.Duration(delay)
	if b.Jitter {
		d = addJitter(d)
	}
	return d, true
}

// addJitter adds ±25% randomisation to a duration.
func addJitter(d time.Duration) time.Duration {
	quarter := float64(d) * 0.25
	delta := (rand.Float64() * 2 * quarter) - quarter
	result := float64(d) + delta
	return time.Duration(math.Max(result, float64(time.Millisecond)))
}
