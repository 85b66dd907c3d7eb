package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/zoobzio/capitan"
	"github.com/zoobzio/tether"
	"github.com/zoobzio/tether/pkg/file"
	"github.com/zoobzio/tether/pkg/nats"
	"github.com/zoobzio/tether/pkg/phoenix"
	"github.com/zoobzio/tether/pkg/postgres"
	tetherprom "github.com/zoobzio/tether/pkg/prometheus"
	"github.com/zoobzio/tether/pkg/redis"
	"github.com/zoobzio/tether/pkg/token"
)

type watchOptions struct {
	transport   string
	endpoint    string
	apiKey      string
	token       string
	topic       string
	schema      string
	table       string
	event       string
	filter      string
	metricsAddr string
}

func newWatchCmd(root *rootOptions) *cobra.Command {
	opts := &watchOptions{}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Hold a subscription open and log refreshes",
		Long: `watch starts a connection manager against the chosen transport and keeps
the subscription live until interrupted. Each coalesced burst of changes,
each periodic heartbeat and each SIGHUP logs a refresh.

Transports and their endpoints:
  phoenix   wss://host/realtime/v1/websocket
  postgres  postgres://user@host:5432/db
  redis     host:6379
  nats      nats://host:4222
  file      /path/to/watched/file`,
		Example: `# Phoenix realtime endpoint
tether watch --endpoint wss://example.org/realtime/v1/websocket \
  --apikey "$ANON_KEY" --token "$ACCESS_TOKEN" \
  --topic realtime:listings --table listings

# Postgres LISTEN/NOTIFY with a config file
tether watch -c tether.yaml --transport postgres --endpoint postgres://app@localhost/app`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := root.logger(cmd)
			if err != nil {
				return err
			}
			cfg, err := root.load()
			if err != nil {
				return err
			}
			opts.override(&cfg.Subscription)
			if err := cfg.Subscription.Validate(); err != nil {
				return err
			}
			if opts.token == "" {
				opts.token = os.Getenv("TETHER_TOKEN")
			}

			transport, err := opts.buildTransport()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, logger, cfg, transport, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.transport, "transport", "phoenix", "Transport (phoenix, postgres, redis, nats, file)")
	f.StringVar(&opts.endpoint, "endpoint", "", "Transport endpoint")
	f.StringVar(&opts.apiKey, "apikey", "", "API key sent as the apikey query parameter (phoenix)")
	f.StringVar(&opts.token, "token", "", "Bearer token (defaults to $TETHER_TOKEN)")
	f.StringVar(&opts.topic, "topic", "", "Subscription topic")
	f.StringVar(&opts.schema, "schema", "", "Schema filter")
	f.StringVar(&opts.table, "table", "", "Table filter")
	f.StringVar(&opts.event, "event", "", "Change kind filter (INSERT, UPDATE, DELETE, *)")
	f.StringVar(&opts.filter, "filter", "", "Server-side row filter, e.g. owner_id=eq.42")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	_ = cmd.MarkFlagRequired("endpoint")

	return cmd
}

// override applies non-empty flags over the file subscription.
func (o *watchOptions) override(sub *tether.Subscription) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&sub.Topic, o.topic)
	set(&sub.Schema, o.schema)
	set(&sub.Table, o.table)
	set(&sub.Filter, o.filter)
	if o.event != "" {
		sub.Event = tether.ChangeKind(o.event)
	}
}

func (o *watchOptions) buildTransport() (tether.Transport, error) {
	switch o.transport {
	case "phoenix":
		var popts []phoenix.Option
		if o.apiKey != "" {
			popts = append(popts, phoenix.WithParam("apikey", o.apiKey))
		}
		return phoenix.New(o.endpoint, popts...), nil
	case "postgres":
		return postgres.New(o.endpoint)
	case "redis":
		return redis.New(&goredis.Options{Addr: o.endpoint}), nil
	case "nats":
		return nats.New(o.endpoint), nil
	case "file":
		return file.New(o.endpoint), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", o.transport)
	}
}

func runWatch(ctx context.Context, logger *slog.Logger, cfg tether.Config, transport tether.Transport, opts *watchOptions) error {
	hookLogger(logger)
	defer capitan.Shutdown()

	var refreshes atomic.Int64
	refresher := tether.RefresherFunc(func(context.Context) error {
		n := refreshes.Add(1)
		logger.Info("refresh", "topic", cfg.Subscription.Topic, "count", n)
		return nil
	})

	tokens := token.New(tether.StaticToken(opts.token))
	m := cfg.Apply(tether.New(cfg.Subscription, tokens, transport, refresher))

	if opts.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		provider, err := tetherprom.New(reg, "tether")
		if err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
		m.Metrics(provider)
		srv := serveMetrics(opts.metricsAddr, reg, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if err := m.Start(ctx); err != nil {
		return fmt.Errorf("failed to start manager: %w", err)
	}
	defer m.Stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	foreground := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				select {
				case foreground <- struct{}{}:
				default:
				}
			}
		}
	}()

	bridge := cfg.ApplyBridge(tether.NewBridge(m)).ForegroundSignal(foreground)
	if err := bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}
