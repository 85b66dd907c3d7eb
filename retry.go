package tether

import (
	"sync"
	"time"

	"github.com/zoobzio/clockz"
)

// RetryScheduler arms at most one pending reconnect timer.
type RetryScheduler struct {
	backoff Backoff
	clock   clockz.Clock

	mu      sync.Mutex
	pending *scheduled
	armed   int
}

// NewRetryScheduler creates a scheduler using b for delays. A nil clock
// uses the real clock.
func NewRetryScheduler(b Backoff, clock clockz.Clock) *RetryScheduler {
	if clock == nil {
		clock = clockz.RealClock
	}
	return &RetryScheduler{
		backoff: b.normalized(),
		clock:   clock,
	}
}

// NextDelay returns the jittered delay for attempt.
func (r *RetryScheduler) NextDelay(attempt int) time.Duration {
	return r.backoff.NextDelay(attempt)
}

// Arm schedules fn after delay, replacing any pending timer.
func (r *RetryScheduler) Arm(delay time.Duration, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending.cancel()
	var s *scheduled
	s = schedule(r.clock, delay, func() {
		r.mu.Lock()
		if r.pending != s {
			r.mu.Unlock()
			return
		}
		r.pending = nil
		r.mu.Unlock()
		fn()
	})
	r.pending = s
	r.armed++
}

// Cancel drops the pending timer. It reports whether one was pending.
func (r *RetryScheduler) Cancel() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending == nil {
		return false
	}
	r.pending.cancel()
	r.pending = nil
	return true
}

// Pending reports whether a timer is armed.
func (r *RetryScheduler) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending != nil
}

// Armed returns how many times Arm has been called.
func (r *RetryScheduler) Armed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.armed
}
