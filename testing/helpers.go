// Package testing provides test utilities and helpers for tether managers.
package testing

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/tether"
)

// TestSubscription is a standard subscription for tests.
var TestSubscription = tether.Subscription{
	Topic:  "realtime:listings",
	Schema: "public",
	Table:  "listings",
	Event:  tether.ChangeAll,
}

// WaitFor polls a condition until it returns true or timeout is reached.
// Returns true if the condition was met, false if timeout occurred.
func WaitFor(t *testing.T, timeout time.Duration, condition func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return condition()
}

// WaitForState waits until the manager reaches the expected state or timeout occurs.
func WaitForState(t *testing.T, m *tether.Manager, expected tether.ConnectionState, timeout time.Duration) bool {
	t.Helper()
	return WaitFor(t, timeout, func() bool {
		return m.CurrentState() == expected
	})
}

// RequireState fails the test immediately if the manager is not in the expected state.
func RequireState(t *testing.T, m *tether.Manager, expected tether.ConnectionState) {
	t.Helper()
	if got := m.CurrentState(); got != expected {
		t.Fatalf("expected state %s, got %s", expected, got)
	}
}

// RecordingRefresher counts refreshes and can be told to fail.
type RecordingRefresher struct {
	calls atomic.Int32
	mu    sync.Mutex
	err   error
}

// Refresh implements tether.Refresher.
func (r *RecordingRefresher) Refresh(context.Context) error {
	r.calls.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Calls returns the number of refreshes so far.
func (r *RecordingRefresher) Calls() int {
	return int(r.calls.Load())
}

// FailWith makes subsequent refreshes return err. nil restores success.
func (r *RecordingRefresher) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// StateRecorder collects every transition observed on a manager.
type StateRecorder struct {
	mu     sync.Mutex
	states []tether.ConnectionState
}

// RecordStates registers a recorder on m. Call before Start.
func RecordStates(m *tether.Manager) *StateRecorder {
	r := &StateRecorder{}
	m.OnStateChange(func(_, curr tether.ConnectionState) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.states = append(r.states, curr)
	})
	return r
}

// States returns the observed states in order.
func (r *StateRecorder) States() []tether.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]tether.ConnectionState(nil), r.states...)
}

// Harness bundles a manager with in-memory collaborators.
type Harness struct {
	Manager   *tether.Manager
	Transport *tether.ChannelTransport
	Refresher *RecordingRefresher
	Clock     *clockz.FakeClock
	States    *StateRecorder
}

// NewHarness creates a manager on a fake clock with an in-memory
// transport. The manager is stopped when the test ends.
func NewHarness(t *testing.T, sub tether.Subscription) *Harness {
	t.Helper()
	h := &Harness{
		Transport: tether.NewChannelTransport(),
		Refresher: &RecordingRefresher{},
		Clock:     clockz.NewFakeClock(),
	}
	h.Manager = tether.New(sub, tether.StaticToken("test-token"), h.Transport, h.Refresher).
		Clock(h.Clock)
	h.States = RecordStates(h.Manager)
	t.Cleanup(h.Manager.Stop)
	return h
}

// Subscribe starts the manager and acknowledges the first channel.
func (h *Harness) Subscribe(t *testing.T) *tether.MemoryChannel {
	t.Helper()
	if err := h.Manager.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	ch := h.Transport.Last()
	if ch == nil {
		t.Fatal("expected a channel after Start")
	}
	ch.Report(tether.StatusSubscribed, nil)
	RequireState(t, h.Manager, tether.StateSubscribed)
	return ch
}

// Advance moves the fake clock forward and delivers every timer that came
// due, so retries, flushes and close-flag ticks run.
func (h *Harness) Advance(d time.Duration) {
	h.Clock.Advance(d)
	h.Clock.BlockUntilReady()
}
