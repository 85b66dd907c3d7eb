package tether

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
)

// DefaultHeartbeat is the default interval between periodic health checks.
const DefaultHeartbeat = 30 * time.Second

// ErrBridgeRunning is returned by Run on a Bridge that is already running.
var ErrBridgeRunning = errors.New("tether: bridge already running")

// Reconnector is what a Bridge drives. *Manager satisfies it.
type Reconnector interface {
	CurrentState() ConnectionState
	Connect(ctx context.Context, opts ConnectOptions)
	Refresh(ctx context.Context, reason string) error
}

// Bridge turns application lifecycle signals into Manager calls.
//
// On every heartbeat and every foreground transition the Bridge runs a
// refresh pass, then forces a reconnect if the subscription is not live.
// The heartbeat is the backstop for transports that die without reporting
// a close.
type Bridge struct {
	target     Reconnector
	interval   time.Duration
	clock      clockz.Clock
	foreground <-chan struct{}

	wake       chan struct{}
	background atomic.Bool
	running    atomic.Bool
	ticks      atomic.Int64

	mu sync.Mutex
}

// NewBridge creates a Bridge for target.
//
// Example:
//
//	bridge := tether.NewBridge(manager).Interval(35 * time.Second)
//	go bridge.Run(ctx)
//
//	// from the host's lifecycle callbacks
//	bridge.Background()
//	bridge.Foreground()
func NewBridge(target Reconnector) *Bridge {
	return &Bridge{
		target:   target,
		interval: DefaultHeartbeat,
		clock:    clockz.RealClock,
		wake:     make(chan struct{}, 1),
	}
}

// Interval sets the heartbeat interval. Non-positive values are ignored.
// Must be called before Run().
func (b *Bridge) Interval(d time.Duration) *Bridge {
	if d > 0 {
		b.interval = d
	}
	return b
}

// Clock sets the clock used for the heartbeat.
// Must be called before Run().
func (b *Bridge) Clock(clock clockz.Clock) *Bridge {
	b.clock = clock
	return b
}

// ForegroundSignal sets an external channel of foreground transitions.
// Must be called before Run().
func (b *Bridge) ForegroundSignal(ch <-chan struct{}) *Bridge {
	b.foreground = ch
	return b
}

// Foreground reports a foreground transition. It never blocks; several
// calls before Run observes them collapse into one pass.
func (b *Bridge) Foreground() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Background marks the application as backgrounded. Heartbeats are skipped
// until the next foreground transition.
func (b *Bridge) Background() {
	b.background.Store(true)
}

// Backgrounded reports whether heartbeats are suspended.
func (b *Bridge) Backgrounded() bool {
	return b.background.Load()
}

// Ticks returns the number of passes run.
func (b *Bridge) Ticks() int64 {
	return b.ticks.Load()
}

// Run drives the bridge until ctx is done. It returns nil on cancellation.
func (b *Bridge) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return ErrBridgeRunning
	}
	defer b.running.Store(false)

	timer := b.clock.NewTimer(b.interval)
	defer func() { timer.Stop() }()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-timer.C():
			// Each pass arms a fresh timer; a fired timer is never reused.
			timer = b.clock.NewTimer(b.interval)
			if b.background.Load() {
				continue
			}
			b.Tick(ctx, ReasonPeriodic)

		case <-b.wake:
			timer = b.resume(ctx, timer)

		case <-b.foreground:
			timer = b.resume(ctx, timer)
		}
	}
}

// resume runs a foreground pass and restarts the heartbeat from now. A
// heartbeat that fired while the pass was pending is discarded.
func (b *Bridge) resume(ctx context.Context, timer clockz.Timer) clockz.Timer {
	b.background.Store(false)
	stopTimer(timer)
	next := b.clock.NewTimer(b.interval)
	b.Tick(ctx, ReasonForeground)
	return next
}

func stopTimer(timer clockz.Timer) {
	timer.Stop()
	select {
	case <-timer.C():
	default:
	}
}

// Tick runs one pass synchronously: refresh, then reconnect when the
// subscription is not live. Passes never overlap.
func (b *Bridge) Tick(ctx context.Context, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.ticks.Add(1)
	state := b.target.CurrentState()
	capitan.Emit(context.Background(), BridgeTick,
		KeyReason.Field(reason),
		KeyState.Field(state.String()),
	)

	_ = b.target.Refresh(ctx, reason) //nolint:errcheck // Errors recorded and signalled by the target

	if !b.target.CurrentState().IsLive() {
		b.target.Connect(ctx, ConnectOptions{Force: true, Reason: reason})
	}
}
