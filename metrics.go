package tether

import "time"

// MetricsProvider allows integration with metrics systems like Prometheus, StatsD, etc.
// Implement this interface to receive callbacks on key manager events.
// Callbacks run on the goroutine that caused the event and must not block.
type MetricsProvider interface {
	// OnStateChange is called when the manager transitions between states.
	OnStateChange(topic string, from, to ConnectionState)

	// OnConnectAttempt is called when a connect sequence begins.
	OnConnectAttempt(topic, reason string)

	// OnRetryScheduled is called when a reconnect is armed.
	OnRetryScheduled(topic string, attempt int, delay time.Duration)

	// OnChangeReceived is called for every change that matched the subscription.
	OnChangeReceived(topic string)

	// OnRefresh is called after every refresh. err is nil on success.
	OnRefresh(topic string, duration time.Duration, err error)
}

// NoOpMetricsProvider is a no-op implementation of MetricsProvider.
// Use this as an embedded type to implement only the methods you need.
type NoOpMetricsProvider struct{}

func (NoOpMetricsProvider) OnStateChange(_ string, _, _ ConnectionState)      {}
func (NoOpMetricsProvider) OnConnectAttempt(_, _ string)                      {}
func (NoOpMetricsProvider) OnRetryScheduled(_ string, _ int, _ time.Duration) {}
func (NoOpMetricsProvider) OnChangeReceived(_ string)                         {}
func (NoOpMetricsProvider) OnRefresh(_ string, _ time.Duration, _ error)      {}
