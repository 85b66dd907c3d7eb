// Package postgres provides a tether.Transport for PostgreSQL using
// LISTEN/NOTIFY.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/zoobzio/tether"
)

// Transport opens one dedicated connection per channel and LISTENs on it.
// The bearer token is used as the connection password, which suits
// short-lived credentials such as cloud IAM database tokens.
//
// Each notification payload must be a JSON change. Example trigger:
//
//	CREATE OR REPLACE FUNCTION notify_listing_change() RETURNS trigger AS $$
//	BEGIN
//	    PERFORM pg_notify('realtime:listings', json_build_object(
//	        'schema', TG_TABLE_SCHEMA,
//	        'table', TG_TABLE_NAME,
//	        'type', TG_OP,
//	        'record', row_to_json(NEW),
//	        'commit_timestamp', now()
//	    )::text);
//	    RETURN NEW;
//	END;
//	$$ LANGUAGE plpgsql;
type Transport struct {
	config  *pgx.ConnConfig
	channel func(tether.Subscription) string
	codec   tether.Codec
}

// Option configures a Transport.
type Option func(*Transport)

// WithChannel sets a fixed notification channel. Defaults to the
// subscription topic.
func WithChannel(name string) Option {
	return func(t *Transport) {
		t.channel = func(tether.Subscription) string { return name }
	}
}

// WithCodec sets the payload codec. Defaults to JSON.
func WithCodec(c tether.Codec) Option {
	return func(t *Transport) {
		t.codec = c
	}
}

// New creates a Transport from a connection string. Any password in dsn is
// replaced by the token on every Open.
func New(dsn string, opts ...Option) (*Transport, error) {
	config, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	t := &Transport{
		config:  config,
		channel: func(sub tether.Subscription) string { return sub.Topic },
		codec:   tether.JSONCodec{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Open connects with token as the password and LISTENs for the
// subscription. StatusSubscribed is reported once LISTEN succeeds.
func (t *Transport) Open(ctx context.Context, token string, sub tether.Subscription, h tether.Handlers) (tether.Channel, error) {
	config := t.config.Copy()
	config.Password = token

	conn, err := pgx.ConnectConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	name := t.channel(sub)
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{name}.Sanitize()); err != nil {
		conn.Close(context.Background()) //nolint:errcheck // Already failing
		return nil, fmt.Errorf("failed to listen on channel %s: %w", name, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &channel{
		conn:    conn,
		sub:     sub,
		codec:   t.codec,
		h:       h,
		cancel:  cancel,
		done:    make(chan struct{}),
		channel: name,
	}
	h.Status(tether.StatusSubscribed, nil)
	go c.listen(runCtx)
	return c, nil
}

type channel struct {
	conn    *pgx.Conn
	sub     tether.Subscription
	codec   tether.Codec
	h       tether.Handlers
	cancel  context.CancelFunc
	done    chan struct{}
	channel string

}

func (c *channel) listen(ctx context.Context) {
	defer close(c.done)
	defer c.conn.Close(context.Background()) //nolint:errcheck // Connection is discarded

	for {
		n, err := c.conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.h.Status(tether.StatusClosed, nil)
				return
			}
			if c.conn.IsClosed() {
				c.h.Status(tether.StatusClosed, fmt.Errorf("connection lost: %w", err))
				return
			}
			c.h.Status(tether.StatusChannelError, err)
			return
		}
		if n.Channel != c.channel {
			continue
		}

		change, err := tether.DecodeChange(c.codec, []byte(n.Payload))
		if err != nil {
			continue
		}
		if !c.sub.Matches(change) {
			continue
		}
		c.h.Event(change)
	}
}

// Close stops listening. The listener reports StatusClosed and releases
// the connection once WaitForNotification returns.
func (c *channel) Close() error {
	c.cancel()
	return nil
}
