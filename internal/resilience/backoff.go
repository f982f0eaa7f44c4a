package resilience

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes exponential retry delays with optional jitter.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter randomizes each delay into [d/2, d).
	Jitter bool
}

// DefaultBackoff returns the outbox retry curve: 30s, 1m, 2m, ... capped at 1h.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    30 * time.Second,
		Max:        time.Hour,
		Multiplier: 2,
		Jitter:     true,
	}
}

// Delay returns the wait before retry number attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Initial <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(b.Initial) * math.Pow(mult, float64(attempt-1))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	delay := time.Duration(d)

	if b.Jitter && delay > 1 {
		half := delay / 2
		delay = half + time.Duration(rand.Int64N(int64(delay-half)))
	}
	return delay
}
