package tether

import (
	"testing"
	"time"
)

// waitFor polls cond until it holds or a second passes. Timers on a fake
// clock fire on their own goroutines, so effects land shortly after Advance.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// settle gives scheduled goroutines a moment to run when asserting that
// something did not happen.
func settle() {
	time.Sleep(20 * time.Millisecond)
}
