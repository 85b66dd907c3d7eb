package tether

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
)

func TestRetryScheduler_ArmFires(t *testing.T) {
	clock := clockz.NewFakeClock()
	r := NewRetryScheduler(DefaultBackoff(), clock)

	var fired atomic.Int32
	r.Arm(time.Second, func() { fired.Add(1) })

	if !r.Pending() {
		t.Fatal("expected pending timer after Arm")
	}

	clock.Advance(990 * time.Millisecond)
	clock.BlockUntilReady()
	settle()
	if fired.Load() != 0 {
		t.Fatal("expected no fire before delay")
	}

	clock.Advance(20 * time.Millisecond)
	clock.BlockUntilReady()
	waitFor(t, "retry to fire", func() bool { return fired.Load() == 1 })

	if r.Pending() {
		t.Error("expected no pending timer after fire")
	}
}

func TestRetryScheduler_ArmReplaces(t *testing.T) {
	clock := clockz.NewFakeClock()
	r := NewRetryScheduler(DefaultBackoff(), clock)

	var first, second atomic.Int32
	r.Arm(time.Second, func() { first.Add(1) })
	r.Arm(2*time.Second, func() { second.Add(1) })

	clock.Advance(time.Second)
	clock.BlockUntilReady()
	settle()
	if first.Load() != 0 {
		t.Fatal("expected replaced timer never to fire")
	}

	clock.Advance(time.Second + 10*time.Millisecond)
	clock.BlockUntilReady()
	waitFor(t, "replacement to fire", func() bool { return second.Load() == 1 })

	if r.Armed() != 2 {
		t.Errorf("expected 2 arms, got %d", r.Armed())
	}
}

func TestRetryScheduler_CancelNoop(t *testing.T) {
	r := NewRetryScheduler(DefaultBackoff(), clockz.NewFakeClock())
	if r.Cancel() {
		t.Error("expected Cancel with nothing armed to report false")
	}
	if r.Pending() {
		t.Error("expected nothing pending")
	}
}

func TestRetryScheduler_CancelStopsTimer(t *testing.T) {
	clock := clockz.NewFakeClock()
	r := NewRetryScheduler(DefaultBackoff(), clock)

	var fired atomic.Int32
	r.Arm(time.Second, func() { fired.Add(1) })

	if !r.Cancel() {
		t.Fatal("expected Cancel to report a pending timer")
	}
	if r.Cancel() {
		t.Error("expected second Cancel to be a no-op")
	}

	clock.Advance(5 * time.Second)
	clock.BlockUntilReady()
	settle()
	if fired.Load() != 0 {
		t.Error("expected cancelled timer never to fire")
	}
}

func TestRetryScheduler_NextDelayUsesBackoff(t *testing.T) {
	b := DefaultBackoff().WithRand(fixedRand(0.5))
	r := NewRetryScheduler(b, clockz.NewFakeClock())
	for attempt := 1; attempt <= 5; attempt++ {
		if got, want := r.NextDelay(attempt), b.Base(attempt); !near(got, want) {
			t.Errorf("NextDelay(%d): expected %v, got %v", attempt, want, got)
		}
	}
}

func TestRetryScheduler_NilClock(t *testing.T) {
	r := NewRetryScheduler(DefaultBackoff(), nil)

	done := make(chan struct{})
	r.Arm(time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected real clock timer to fire")
	}
}
