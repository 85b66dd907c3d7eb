package tether

import (
	"sync"
	"time"

	"github.com/zoobzio/clockz"
)

// DefaultQuietWindow is the default coalescing window.
const DefaultQuietWindow = 300 * time.Millisecond

// Coalescer collapses bursts of notifications into a single flush.
//
// Every Notify resets the quiet window. When the window elapses with no
// further Notify, the flush callback runs exactly once. There is no
// maximum wait: a continuous stream of notifications defers the flush
// until it pauses.
type Coalescer struct {
	window  time.Duration
	onFlush func()
	clock   clockz.Clock

	mu       sync.Mutex
	pending  *scheduled
	notified int
	flushed  int
}

// NewCoalescer creates a Coalescer. A non-positive window uses
// DefaultQuietWindow; a nil clock uses the real clock.
func NewCoalescer(window time.Duration, onFlush func(), clock clockz.Clock) *Coalescer {
	if window <= 0 {
		window = DefaultQuietWindow
	}
	if clock == nil {
		clock = clockz.RealClock
	}
	return &Coalescer{
		window:  window,
		onFlush: onFlush,
		clock:   clock,
	}
}

// Notify records a change and restarts the quiet window.
func (c *Coalescer) Notify() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.notified++
	c.pending.cancel()
	var s *scheduled
	s = schedule(c.clock, c.window, func() {
		c.mu.Lock()
		if c.pending != s {
			c.mu.Unlock()
			return
		}
		c.pending = nil
		c.flushed++
		c.mu.Unlock()
		if c.onFlush != nil {
			c.onFlush()
		}
	})
	c.pending = s
}

// Stop drops any pending flush without running it.
func (c *Coalescer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending.cancel()
	c.pending = nil
}

// Pending reports whether a flush is scheduled.
func (c *Coalescer) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != nil
}

// Notified returns the number of Notify calls.
func (c *Coalescer) Notified() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notified
}

// Flushed returns the number of flushes run.
func (c *Coalescer) Flushed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushed
}
