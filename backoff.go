package tether

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff defaults.
const (
	DefaultMinDelay      = 850 * time.Millisecond
	DefaultMaxDelay      = 12 * time.Second
	DefaultBackoffFactor = 1.8
	DefaultJitter        = 0.2
)

// Backoff computes reconnect delays: exponential growth from Min by Factor,
// capped at Max, with uniform ±Jitter spread. Jittered delays are clamped
// to [Min, Max].
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64

	rand func() float64
}

// DefaultBackoff returns the default reconnect policy.
func DefaultBackoff() Backoff {
	return Backoff{
		Min:    DefaultMinDelay,
		Max:    DefaultMaxDelay,
		Factor: DefaultBackoffFactor,
		Jitter: DefaultJitter,
	}
}

// WithRand returns a copy of b drawing jitter from fn, which must return
// values in [0, 1). Use it for deterministic tests.
func (b Backoff) WithRand(fn func() float64) Backoff {
	b.rand = fn
	return b
}

// normalized fills zero fields with defaults and repairs inverted bounds.
func (b Backoff) normalized() Backoff {
	if b.Min <= 0 {
		b.Min = DefaultMinDelay
	}
	if b.Max < b.Min {
		b.Max = b.Min
	}
	if b.Factor < 1 {
		b.Factor = DefaultBackoffFactor
	}
	if b.Jitter < 0 {
		b.Jitter = 0
	}
	if b.Jitter > 1 {
		b.Jitter = 1
	}
	if b.rand == nil {
		b.rand = rand.Float64
	}
	return b
}

// Base returns the un-jittered delay for attempt. Attempts below 1 count
// as 1. Base is non-decreasing in attempt.
func (b Backoff) Base(attempt int) time.Duration {
	b = b.normalized()
	if attempt < 1 {
		attempt = 1
	}
	base := float64(b.Min) * math.Pow(b.Factor, float64(attempt-1))
	if base > float64(b.Max) || math.IsInf(base, 1) {
		return b.Max
	}
	return clamp(time.Duration(base), b.Min, b.Max)
}

// NextDelay returns the jittered delay for attempt, within [Min, Max].
func (b Backoff) NextDelay(attempt int) time.Duration {
	b = b.normalized()
	base := float64(b.Base(attempt))
	spread := base * b.Jitter * (2*b.rand() - 1)
	return clamp(time.Duration(base+spread), b.Min, b.Max)
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
