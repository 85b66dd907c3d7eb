// Package prometheus provides a tether.MetricsProvider backed by
// Prometheus collectors.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/zoobzio/tether"
)

// Provider records manager activity as Prometheus metrics, labelled by
// subscription topic.
type Provider struct {
	state           *prometheus.GaugeVec
	transitions     *prometheus.CounterVec
	connects        *prometheus.CounterVec
	retries         *prometheus.CounterVec
	retryDelay      *prometheus.HistogramVec
	changes         *prometheus.CounterVec
	refreshes       *prometheus.CounterVec
	refreshDuration *prometheus.HistogramVec
}

// New creates a Provider and registers its collectors with reg. A nil reg
// uses prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer, namespace string) (*Provider, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	p := &Provider{
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connection_state",
				Help:      "Current connection state (0 disconnected, 1 connecting, 2 subscribed, 3 channel_error, 4 timed_out, 5 closed)",
			},
			[]string{"topic"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_transitions_total",
				Help:      "Total number of connection state transitions",
			},
			[]string{"topic", "from", "to"},
		),
		connects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connect_attempts_total",
				Help:      "Total number of connect sequences started",
			},
			[]string{"topic", "reason"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_scheduled_total",
				Help:      "Total number of reconnects armed",
			},
			[]string{"topic"},
		),
		retryDelay: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "retry_delay_seconds",
				Help:      "Delay before scheduled reconnects in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 6), // 500ms to 16s
			},
			[]string{"topic"},
		),
		changes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "changes_received_total",
				Help:      "Total number of change events accepted",
			},
			[]string{"topic"},
		),
		refreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "refreshes_total",
				Help:      "Total number of data refreshes",
			},
			[]string{"topic", "status"},
		),
		refreshDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "refresh_duration_seconds",
				Help:      "Duration of data refreshes in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
			},
			[]string{"topic"},
		),
	}

	for _, c := range []prometheus.Collector{
		p.state,
		p.transitions,
		p.connects,
		p.retries,
		p.retryDelay,
		p.changes,
		p.refreshes,
		p.refreshDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Provider) OnStateChange(topic string, from, to tether.ConnectionState) {
	p.state.WithLabelValues(topic).Set(float64(to))
	p.transitions.WithLabelValues(topic, from.String(), to.String()).Inc()
}

func (p *Provider) OnConnectAttempt(topic, reason string) {
	p.connects.WithLabelValues(topic, reason).Inc()
}

func (p *Provider) OnRetryScheduled(topic string, _ int, delay time.Duration) {
	p.retries.WithLabelValues(topic).Inc()
	p.retryDelay.WithLabelValues(topic).Observe(delay.Seconds())
}

func (p *Provider) OnChangeReceived(topic string) {
	p.changes.WithLabelValues(topic).Inc()
}

func (p *Provider) OnRefresh(topic string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	p.refreshes.WithLabelValues(topic, status).Inc()
	p.refreshDuration.WithLabelValues(topic).Observe(duration.Seconds())
}

var _ tether.MetricsProvider = (*Provider)(nil)
