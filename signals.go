package tether

import "github.com/zoobzio/capitan"

// Manager lifecycle signals.
var (
	// ManagerStarted is emitted when a Manager is started.
	ManagerStarted = capitan.NewSignal(
		"tether.manager.started",
		"Connection manager started",
	)

	// ManagerStopped is emitted when a Manager is stopped.
	ManagerStopped = capitan.NewSignal(
		"tether.manager.stopped",
		"Connection manager stopped",
	)

	// StateChanged is emitted when a Manager transitions between states.
	StateChanged = capitan.NewSignal(
		"tether.state.changed",
		"Connection state transition",
	)
)

// Connect sequence signals.
var (
	// ConnectAttempted is emitted when a connect sequence begins.
	ConnectAttempted = capitan.NewSignal(
		"tether.connect.attempted",
		"Connect sequence started",
	)

	// ConnectSkipped is emitted when a non-forced connect finds another
	// sequence in flight.
	ConnectSkipped = capitan.NewSignal(
		"tether.connect.skipped",
		"Connect dropped, sequence already in flight",
	)

	// ConnectSuperseded is emitted when a connect sequence finishes after a
	// newer sequence replaced it. Its result is discarded.
	ConnectSuperseded = capitan.NewSignal(
		"tether.connect.superseded",
		"Connect sequence superseded",
	)

	// TokenUnavailable is emitted when the token source yields no token.
	// No retry is scheduled.
	TokenUnavailable = capitan.NewSignal(
		"tether.token.unavailable",
		"Fresh token unavailable",
	)

	// ChannelOpened is emitted when the transport returns a channel.
	ChannelOpened = capitan.NewSignal(
		"tether.channel.opened",
		"Channel opened",
	)

	// ChannelFailed is emitted when the transport reports a failure status
	// or fails to open a channel.
	ChannelFailed = capitan.NewSignal(
		"tether.channel.failed",
		"Channel failure",
	)

	// RetryScheduled is emitted when a reconnect is armed.
	RetryScheduled = capitan.NewSignal(
		"tether.retry.scheduled",
		"Reconnect scheduled",
	)

	// StatusStale is emitted when a status arrives from a channel that is
	// no longer current.
	StatusStale = capitan.NewSignal(
		"tether.status.stale",
		"Stale channel status ignored",
	)

	// CloseExpected is emitted when a close follows a deliberate teardown.
	CloseExpected = capitan.NewSignal(
		"tether.close.expected",
		"Intentional close observed",
	)
)

// Refresh signals.
var (
	// RefreshSucceeded is emitted when the refresher completes.
	RefreshSucceeded = capitan.NewSignal(
		"tether.refresh.succeeded",
		"Refresh succeeded",
	)

	// RefreshFailed is emitted when the refresher returns an error.
	RefreshFailed = capitan.NewSignal(
		"tether.refresh.failed",
		"Refresh failed",
	)

	// CoalescerFlushed is emitted when a burst of changes is flushed.
	CoalescerFlushed = capitan.NewSignal(
		"tether.coalescer.flushed",
		"Change burst flushed",
	)

	// BridgeTick is emitted for every lifecycle bridge pass.
	BridgeTick = capitan.NewSignal(
		"tether.bridge.tick",
		"Lifecycle bridge pass",
	)
)
