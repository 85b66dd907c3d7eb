package tether

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/pipz"
)

// DefaultCloseGrace is how long the intentional-close flag outlives a
// deliberate teardown.
const DefaultCloseGrace = 50 * time.Millisecond

// ConnectOptions controls a connect sequence.
type ConnectOptions struct {
	// Force abandons any in-flight sequence and starts over. Without Force
	// a request made while a sequence is in flight is dropped.
	Force bool

	// Reason is reported in signals.
	Reason string
}

// handle is the single live channel registration of a Manager.
type handle struct {
	id  string
	gen uint64
	ch  Channel
}

type transition struct {
	from, to ConnectionState
}

// Manager holds one realtime subscription open across token rotation,
// transport failure and app lifecycle changes.
//
// All mutable fields are guarded by mu. Collaborators (token source,
// transport, channels, refresher, observers) are never called with mu held.
// Every connect sequence takes a new generation; callbacks carry the
// generation they were registered under and are dropped once it is stale.
type Manager struct {
	sub       Subscription
	tokens    TokenSource
	transport Transport
	refresher Refresher

	clock          clockz.Clock
	backoff        Backoff
	quietWindow    time.Duration
	closeGrace     time.Duration
	refreshTimeout time.Duration
	refreshOpts    []RefreshOption
	metrics        MetricsProvider
	errorHistory   *errorRing
	observers      []func(prev, curr ConnectionState)

	state     atomic.Int32
	lastError atomic.Pointer[error]

	refreshMu sync.Mutex
	pipeline  pipz.Chainable[*RefreshRequest]

	mu         sync.Mutex
	started    bool
	ctx        context.Context
	cancel     context.CancelFunc
	retry      *RetryScheduler
	coalescer  *Coalescer
	connecting bool
	gen        uint64
	current    *handle
	attempt    int
	closing    map[string]*scheduled
	notes      []transition
	draining   bool
}

// New creates a Manager for one subscription.
//
// Instance configuration uses chainable methods before calling Start().
//
// Example:
//
//	m := tether.New(
//	    tether.Subscription{Topic: "realtime:listings", Table: "listings"},
//	    tokens,
//	    phoenix.New(endpoint),
//	    tether.RefresherFunc(reloadListings),
//	).QuietWindow(400 * time.Millisecond)
//
//	if err := m.Start(ctx); err != nil {
//	    return err
//	}
//	defer m.Stop()
func New(sub Subscription, tokens TokenSource, transport Transport, refresher Refresher) *Manager {
	m := &Manager{
		sub:         sub,
		tokens:      tokens,
		transport:   transport,
		refresher:   refresher,
		clock:       clockz.RealClock,
		backoff:     DefaultBackoff(),
		quietWindow: DefaultQuietWindow,
		closeGrace:  DefaultCloseGrace,
		metrics:     NoOpMetricsProvider{},
		ctx:         context.Background(),
		closing:     make(map[string]*scheduled),
	}
	m.pipeline = newRefreshPipeline(m.getRefresher, 0)
	m.state.Store(int32(StateDisconnected))
	return m
}

// -----------------------------------------------------------------------------
// Chainable Instance Configuration
// -----------------------------------------------------------------------------

// Clock sets the clock used for retries, coalescing and the close grace.
// Use this with clockz.FakeClock for deterministic tests.
// Must be called before Start().
func (m *Manager) Clock(clock clockz.Clock) *Manager {
	m.clock = clock
	return m
}

// Backoff sets the reconnect policy. Must be called before Start().
func (m *Manager) Backoff(b Backoff) *Manager {
	m.backoff = b
	return m
}

// QuietWindow sets how long the change feed must be quiet before a refresh.
// Default: 300ms. Must be called before Start().
func (m *Manager) QuietWindow(d time.Duration) *Manager {
	m.quietWindow = d
	return m
}

// CloseGrace sets how long a deliberate teardown keeps suppressing the
// resulting close status. Default: 50ms. Must be called before Start().
func (m *Manager) CloseGrace(d time.Duration) *Manager {
	m.closeGrace = d
	return m
}

// RefreshTimeout bounds every refresh. Zero disables the timeout.
// Must be called before Start().
func (m *Manager) RefreshTimeout(d time.Duration) *Manager {
	m.refreshTimeout = d
	m.pipeline = newRefreshPipeline(m.getRefresher, d, m.refreshOpts...)
	return m
}

// RefreshPipeline wraps every refresh with opts, replacing any options set
// earlier. Must be called before Start().
//
// Example:
//
//	m.RefreshPipeline(
//	    tether.WithRefreshBackoff(3, 100*time.Millisecond),
//	    tether.WithRefreshCircuitBreaker(5, 30*time.Second),
//	)
func (m *Manager) RefreshPipeline(opts ...RefreshOption) *Manager {
	m.refreshOpts = opts
	m.pipeline = newRefreshPipeline(m.getRefresher, m.refreshTimeout, opts...)
	return m
}

// Metrics sets a metrics provider. Must be called before Start().
func (m *Manager) Metrics(provider MetricsProvider) *Manager {
	if provider == nil {
		provider = NoOpMetricsProvider{}
	}
	m.metrics = provider
	return m
}

// ErrorHistorySize sets the number of recent errors to retain.
// Use 0 (default) to only retain the most recent error via LastError().
// Must be called before Start().
func (m *Manager) ErrorHistorySize(n int) *Manager {
	m.errorHistory = newErrorRing(n)
	return m
}

// OnStateChange registers fn for every state transition. Transitions are
// delivered in order, without any Manager lock held, so fn may call back
// into the Manager. Must be called before Start().
func (m *Manager) OnStateChange(fn func(prev, curr ConnectionState)) *Manager {
	if fn != nil {
		m.observers = append(m.observers, fn)
	}
	return m
}

// -----------------------------------------------------------------------------
// Accessors
// -----------------------------------------------------------------------------

// CurrentState returns the current connection state.
func (m *Manager) CurrentState() ConnectionState {
	return ConnectionState(m.state.Load())
}

// Subscription returns the subscription this Manager holds.
func (m *Manager) Subscription() Subscription {
	return m.sub
}

// Attempt returns the number of failures since the last subscription.
func (m *Manager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// RetryPending reports whether a reconnect is armed.
func (m *Manager) RetryPending() bool {
	m.mu.Lock()
	r := m.retry
	m.mu.Unlock()
	return r != nil && r.Pending()
}

// LastError returns the last error encountered, or nil if no error occurred.
func (m *Manager) LastError() error {
	ptr := m.lastError.Load()
	if ptr == nil {
		return nil
	}
	return *ptr
}

// ErrorHistory returns the recent error history, oldest first.
// Returns nil if error history is not enabled (see ErrorHistorySize).
func (m *Manager) ErrorHistory() []error {
	return m.errorHistory.all()
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start opens the subscription. It is Connect with Force and reason "start".
//
// Start returns an error only for a configuration problem or when the
// Manager is already running; connection failures are reported through
// state. A stopped Manager may be started again.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.sub.Validate(); err != nil {
		return err
	}
	if m.tokens == nil || m.transport == nil || m.refresher == nil {
		return fmt.Errorf("%w: token source, transport and refresher are required", ErrMissingCollaborator)
	}

	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	if m.retry == nil {
		m.retry = NewRetryScheduler(m.backoff, m.clock)
	}
	if m.coalescer == nil {
		m.coalescer = NewCoalescer(m.quietWindow, m.flush, m.clock)
	}
	m.attempt = 0
	runCtx := m.ctx
	m.mu.Unlock()

	m.emit(ManagerStarted)
	m.Connect(runCtx, ConnectOptions{Force: true, Reason: ReasonStart})
	return nil
}

// Stop tears the subscription down. Stop is synchronous: when it returns no
// retry timer is armed, the connect lock is free and the state is
// Disconnected. Stop is idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.gen++
	m.retry.Cancel()
	m.coalescer.Stop()
	old := m.detachLocked()
	m.connecting = false
	m.transitionLocked(StateDisconnected)
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.closeHandle(old)
	m.drain()
	m.emit(ManagerStopped)
}

// ForceReconnect abandons the current channel and connects again. Hosts
// call it after resolving a token failure. It is a no-op when stopped.
func (m *Manager) ForceReconnect(reason string) {
	m.mu.Lock()
	started, ctx := m.started, m.ctx
	m.mu.Unlock()
	if !started {
		return
	}
	m.Connect(ctx, ConnectOptions{Force: true, Reason: reason})
}

// Connect runs one connect sequence. ctx bounds the token fetch and the
// transport open; the channel itself lives until it is torn down.
func (m *Manager) Connect(ctx context.Context, opts ConnectOptions) {
	reason := opts.Reason
	if reason == "" {
		reason = ReasonManual
	}

	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	if m.connecting && !opts.Force {
		m.mu.Unlock()
		m.emit(ConnectSkipped, KeyReason.Field(reason))
		return
	}
	m.connecting = true
	m.gen++
	gen := m.gen
	m.retry.Cancel()
	old := m.detachLocked()
	m.transitionLocked(StateConnecting)
	runCtx := m.ctx
	m.mu.Unlock()
	m.drain()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(runCtx, cancel)
	defer stop()

	m.emit(ConnectAttempted, KeyReason.Field(reason))
	m.metrics.OnConnectAttempt(m.sub.Topic, reason)
	m.closeHandle(old)

	token, err := m.tokens.FreshToken(ctx)
	switch {
	case err != nil && !errors.Is(err, ErrTokenUnavailable):
		err = fmt.Errorf("%w: %w", ErrTokenUnavailable, err)
	case err == nil && token == "":
		err = ErrTokenUnavailable
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		m.emit(ConnectSuperseded, KeyReason.Field(reason))
		return
	}
	if err != nil {
		// Token failures never arm a retry. The host calls ForceReconnect.
		m.connecting = false
		m.transitionLocked(StateDisconnected)
		m.mu.Unlock()
		m.drain()
		m.setError(err)
		m.emit(TokenUnavailable, KeyReason.Field(reason), KeyError.Field(err.Error()))
		return
	}
	m.mu.Unlock()

	h := &handle{id: uuid.NewString(), gen: gen}
	ch, err := m.transport.Open(ctx, token, m.sub, Handlers{
		OnEvent: func(c Change) {
			m.handleEvent(gen, c)
		},
		OnStatus: func(s Status, err error) {
			m.handleStatus(gen, h.id, s, err)
		},
	})
	if err != nil {
		m.fail(gen, StatusChannelError, fmt.Errorf("open channel: %w", err))
		return
	}

	m.mu.Lock()
	if gen != m.gen {
		h.ch = ch
		m.markClosingLocked(h.id)
		m.mu.Unlock()
		m.emit(ConnectSuperseded, KeyReason.Field(reason), KeyHandle.Field(h.id))
		m.closeHandle(h)
		return
	}
	h.ch = ch
	m.current = h
	m.mu.Unlock()

	m.emit(ChannelOpened, KeyReason.Field(reason), KeyHandle.Field(h.id))
}

// Refresh runs the refresher through the refresh pipeline. Refreshes are
// serialized. A failure is recorded and signalled but never changes the
// connection state.
func (m *Manager) Refresh(ctx context.Context, reason string) error {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	start := m.clock.Now()
	_, err := m.pipeline.Process(ctx, &RefreshRequest{
		Topic:  m.sub.Topic,
		Reason: reason,
		At:     start,
	})
	elapsed := m.clock.Since(start)
	m.metrics.OnRefresh(m.sub.Topic, elapsed, err)

	if err != nil {
		err = fmt.Errorf("refresh: %w", err)
		m.setError(err)
		m.emit(RefreshFailed,
			KeyReason.Field(reason),
			KeyError.Field(err.Error()),
			KeyDuration.Field(elapsed),
		)
		return err
	}
	m.emit(RefreshSucceeded, KeyReason.Field(reason), KeyDuration.Field(elapsed))
	return nil
}

// -----------------------------------------------------------------------------
// Transport callbacks
// -----------------------------------------------------------------------------

func (m *Manager) handleEvent(gen uint64, c Change) {
	m.mu.Lock()
	accept := m.started && gen == m.gen && m.CurrentState() == StateSubscribed
	co := m.coalescer
	m.mu.Unlock()

	if !accept || !m.sub.Matches(c) {
		return
	}
	m.metrics.OnChangeReceived(m.sub.Topic)
	co.Notify()
}

func (m *Manager) handleStatus(gen uint64, id string, s Status, cause error) {
	m.mu.Lock()
	_, intentional := m.closing[id]
	if s == StatusClosed && intentional {
		m.mu.Unlock()
		m.emit(CloseExpected, KeyHandle.Field(id))
		return
	}
	if !m.started || gen != m.gen {
		m.mu.Unlock()
		m.emit(StatusStale, KeyStatus.Field(s.String()), KeyHandle.Field(id))
		return
	}

	switch s {
	case StatusSubscribed:
		m.attempt = 0
		m.connecting = false
		m.transitionLocked(StateSubscribed)
		m.mu.Unlock()
		m.drain()
		return

	}
	m.mu.Unlock()

	if cause == nil {
		cause = errors.New(strings.ToLower(s.String()))
	}
	m.fail(gen, s, fmt.Errorf("channel %s: %w", id, cause))
}

// fail moves a current sequence into a failure state and arms exactly one
// retry.
func (m *Manager) fail(gen uint64, s Status, cause error) {
	m.mu.Lock()
	if !m.started || gen != m.gen {
		m.mu.Unlock()
		m.emit(ConnectSuperseded, KeyStatus.Field(s.String()))
		return
	}
	m.connecting = false
	m.attempt++
	attempt := m.attempt
	delay := m.retry.NextDelay(attempt)
	m.transitionLocked(failureState(s))
	reason := strings.ToLower(s.String())
	runCtx := m.ctx
	m.retry.Arm(delay, func() {
		m.Connect(runCtx, ConnectOptions{Force: true, Reason: reason})
	})
	m.mu.Unlock()
	m.drain()

	m.setError(cause)
	m.emit(ChannelFailed, KeyStatus.Field(s.String()), KeyError.Field(cause.Error()))
	m.emit(RetryScheduled, KeyAttempt.Field(attempt), KeyDelay.Field(delay))
	m.metrics.OnRetryScheduled(m.sub.Topic, attempt, delay)
}

// flush is the coalescer callback.
func (m *Manager) flush() {
	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()

	m.emit(CoalescerFlushed)
	_ = m.Refresh(ctx, ReasonChange) //nolint:errcheck // Errors recorded and signalled by Refresh
}

// -----------------------------------------------------------------------------
// Internals
// -----------------------------------------------------------------------------

// detachLocked removes the current handle and marks it as intentionally
// closing so the close it causes is not mistaken for a failure. The mark
// belongs to that handle only; its replacement is never covered by it.
func (m *Manager) detachLocked() *handle {
	old := m.current
	m.current = nil
	if old != nil {
		m.markClosingLocked(old.id)
	}
	return old
}

func (m *Manager) markClosingLocked(id string) {
	if pending, ok := m.closing[id]; ok {
		pending.cancel()
	}
	m.closing[id] = nil
}

// closeHandle closes a detached handle and clears its intentional-close mark
// on a later tick, so a close status delivered asynchronously still sees it.
func (m *Manager) closeHandle(h *handle) {
	if h == nil || h.ch == nil {
		return
	}
	if err := h.ch.Close(); err != nil {
		m.setError(fmt.Errorf("close channel %s: %w", h.id, err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if pending := m.closing[h.id]; pending != nil {
		pending.cancel()
	}
	var s *scheduled
	s = schedule(m.clock, m.closeGrace, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closing[h.id] != s {
			return
		}
		delete(m.closing, h.id)
	})
	m.closing[h.id] = s
}

func (m *Manager) transitionLocked(next ConnectionState) {
	prev := ConnectionState(m.state.Load())
	if prev == next {
		return
	}
	m.state.Store(int32(next))
	m.notes = append(m.notes, transition{from: prev, to: next})
}

// drain delivers queued transitions in order. Only one goroutine drains at a
// time; transitions queued by observers are picked up by the active drainer.
func (m *Manager) drain() {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return
	}
	m.draining = true
	for len(m.notes) > 0 {
		notes := m.notes
		m.notes = nil
		m.mu.Unlock()

		for _, n := range notes {
			m.emit(StateChanged,
				KeyOldState.Field(n.from.String()),
				KeyNewState.Field(n.to.String()),
			)
			m.metrics.OnStateChange(m.sub.Topic, n.from, n.to)
			for _, fn := range m.observers {
				fn(n.from, n.to)
			}
		}
		m.mu.Lock()
	}
	m.draining = false
	m.mu.Unlock()
}

func (m *Manager) getRefresher() Refresher {
	return m.refresher
}

func (m *Manager) setError(err error) {
	e := err
	m.lastError.Store(&e)
	m.errorHistory.push(err)
}

func (m *Manager) emit(signal capitan.Signal, fields ...capitan.Field) {
	fields = append([]capitan.Field{KeyTopic.Field(m.sub.Topic)}, fields...)
	capitan.Emit(context.Background(), signal, fields...)
}
