package tether

import "fmt"

// ConnectionState is the single authoritative connection state of a Manager.
type ConnectionState int32

const (
	// StateDisconnected indicates no channel is open and no reconnect is
	// pending. This is the initial state, the state after Stop, and the
	// state after a token could not be obtained.
	StateDisconnected ConnectionState = iota

	// StateConnecting indicates a connect sequence is in flight.
	StateConnecting

	// StateSubscribed indicates the transport acknowledged the subscription.
	// This is the only healthy state.
	StateSubscribed

	// StateChannelError indicates the transport reported a channel error.
	// A retry is scheduled.
	StateChannelError

	// StateTimedOut indicates the transport timed out joining the channel.
	// A retry is scheduled.
	StateTimedOut

	// StateClosed indicates the channel was closed by the server or the
	// network. A retry is scheduled.
	StateClosed
)

// String returns the string representation of the state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateChannelError:
		return "channel_error"
	case StateTimedOut:
		return "timed_out"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// IsLive reports whether change events are being received.
func (s ConnectionState) IsLive() bool {
	return s == StateSubscribed
}

// IsRecovering reports whether the manager is working towards a
// subscription. Suitable for a passive "reconnecting" indicator.
func (s ConnectionState) IsRecovering() bool {
	switch s {
	case StateConnecting, StateChannelError, StateTimedOut, StateClosed:
		return true
	default:
		return false
	}
}

// Status is a channel status reported by a Transport.
type Status int

const (
	// StatusSubscribed acknowledges the subscription.
	StatusSubscribed Status = iota + 1
	// StatusChannelError reports a channel or server error.
	StatusChannelError
	// StatusTimedOut reports that the join was not acknowledged in time.
	StatusTimedOut
	// StatusClosed reports that the channel closed.
	StatusClosed
)

// String returns the wire representation of the status.
func (s Status) String() string {
	switch s {
	case StatusSubscribed:
		return "SUBSCRIBED"
	case StatusChannelError:
		return "CHANNEL_ERROR"
	case StatusTimedOut:
		return "TIMED_OUT"
	case StatusClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("STATUS(%d)", int(s))
	}
}

// ParseStatus maps a wire status string to a Status.
func ParseStatus(s string) (Status, bool) {
	switch s {
	case "SUBSCRIBED":
		return StatusSubscribed, true
	case "CHANNEL_ERROR":
		return StatusChannelError, true
	case "TIMED_OUT":
		return StatusTimedOut, true
	case "CLOSED":
		return StatusClosed, true
	default:
		return 0, false
	}
}

// failureState maps a failure status to the state it produces.
func failureState(s Status) ConnectionState {
	switch s {
	case StatusTimedOut:
		return StateTimedOut
	case StatusClosed:
		return StateClosed
	default:
		return StateChannelError
	}
}
