package tether

import "github.com/zoobzio/capitan"

// Field keys for Manager events.
var (
	// KeyTopic is the subscription topic.
	KeyTopic = capitan.NewStringKey("topic")

	// KeyReason is why a connect or refresh was requested.
	KeyReason = capitan.NewStringKey("reason")

	// KeyOldState is the previous state before a transition.
	KeyOldState = capitan.NewStringKey("old_state")

	// KeyNewState is the new state after a transition.
	KeyNewState = capitan.NewStringKey("new_state")

	// KeyState is the connection state observed by an operation.
	KeyState = capitan.NewStringKey("state")

	// KeyStatus is the transport status.
	KeyStatus = capitan.NewStringKey("status")

	// KeyAttempt is the retry attempt number.
	KeyAttempt = capitan.NewIntKey("attempt")

	// KeyDelay is the scheduled retry delay.
	KeyDelay = capitan.NewDurationKey("delay")

	// KeyError is the error message when an operation fails.
	KeyError = capitan.NewStringKey("error")

	// KeyHandle identifies a channel handle.
	KeyHandle = capitan.NewStringKey("handle")

	// KeyDuration is how long an operation took.
	KeyDuration = capitan.NewDurationKey("duration")
)
