/*
Package tether holds a realtime change-feed subscription open.

A Manager owns one subscription to a server-pushed stream of row changes. It
fetches a fresh bearer token for every connect, opens a channel through a
Transport, and recovers from channel errors, join timeouts and unexpected
closes with jittered exponential backoff. Bursts of changes are collapsed by
a Coalescer into a single call to the host's Refresher.

# Basic Usage

	m := tether.New(
	    tether.Subscription{Topic: "realtime:listings", Table: "listings"},
	    tokens,                       // tether.TokenSource
	    phoenix.New(endpoint),        // tether.Transport
	    tether.RefresherFunc(reload), // business fetch
	)

	if err := m.Start(ctx); err != nil {
	    return err
	}
	defer m.Stop()

Start returns an error only for configuration problems. Connection failures
surface as state:

	m.OnStateChange(func(prev, curr tether.ConnectionState) {
	    badge.SetLive(curr.IsLive())
	})

# States

	Disconnected → Connecting → Subscribed
	                     ↘ ChannelError | TimedOut | Closed → (backoff) → Connecting

Stop returns to Disconnected from any state. A missing token also lands in
Disconnected and is not retried; resolve it and call ForceReconnect.

# Lifecycle

A Bridge runs a refresh pass on a heartbeat and on foreground transitions,
and forces a reconnect whenever the subscription is not live:

	bridge := tether.NewBridge(m)
	go bridge.Run(ctx)

# Configuration

	cfg, err := tether.LoadConfig("tether.yaml")
	if err != nil {
	    return err
	}
	cfg.Apply(m)
	cfg.ApplyBridge(bridge)

# Observability

tether emits capitan signals for every transition, connect attempt, retry
and refresh. Hook them to a logger:

	capitan.Hook(tether.RetryScheduled, func(ctx context.Context, e *capitan.Event) {
	    delay, _ := tether.KeyDelay.From(e)
	    log.Printf("reconnect in %s", delay)
	})

Metrics are available through MetricsProvider; see pkg/prometheus.

# Transports

Adapters live under pkg/: phoenix (websocket channels), postgres
(LISTEN/NOTIFY), redis (pub/sub), nats and file. ChannelTransport is an
in-memory Transport for tests.
*/
package tether
