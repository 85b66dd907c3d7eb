// Package nats provides a tether.Transport for NATS core subjects.
package nats

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/zoobzio/tether"
)

// Transport opens one NATS connection per channel and subscribes to a
// subject carrying JSON changes. The connection never reconnects on its
// own; a drop is reported as StatusClosed and the manager decides.
type Transport struct {
	url     string
	subject func(tether.Subscription) string
	codec   tether.Codec
	options []nats.Option
}

// Option configures a Transport.
type Option func(*Transport)

// WithSubject sets a fixed subject. Defaults to the subscription topic.
func WithSubject(subject string) Option {
	return func(t *Transport) {
		t.subject = func(tether.Subscription) string { return subject }
	}
}

// WithCodec sets the payload codec. Defaults to JSON.
func WithCodec(c tether.Codec) Option {
	return func(t *Transport) {
		t.codec = c
	}
}

// WithNATSOptions appends connection options such as nats.Name.
func WithNATSOptions(opts ...nats.Option) Option {
	return func(t *Transport) {
		t.options = append(t.options, opts...)
	}
}

// New creates a Transport for the server at url.
func New(url string, opts ...Option) *Transport {
	t := &Transport{
		url:     url,
		subject: func(sub tether.Subscription) string { return sub.Topic },
		codec:   tether.JSONCodec{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Open connects with the token, subscribes and flushes. StatusSubscribed
// is reported once the server has acknowledged the subscription.
func (t *Transport) Open(ctx context.Context, token string, sub tether.Subscription, h tether.Handlers) (tether.Channel, error) {
	c := &channel{sub: sub, codec: t.codec, h: h}

	opts := append([]nats.Option{}, t.options...)
	opts = append(opts,
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.terminal(tether.StatusClosed, fmt.Errorf("disconnected: %w", err))
			}
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			c.terminal(tether.StatusClosed, nil)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			c.terminal(tether.StatusChannelError, err)
		}),
	)
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(t.url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	c.conn = nc

	subject := t.subject(sub)
	s, err := nc.Subscribe(subject, c.receive)
	if err != nil {
		c.silence()
		nc.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	c.subscription = s

	if err := nc.FlushWithContext(ctx); err != nil {
		c.silence()
		nc.Close()
		return nil, fmt.Errorf("failed to flush subscription: %w", err)
	}

	h.Status(tether.StatusSubscribed, nil)
	return c, nil
}

type channel struct {
	conn         *nats.Conn
	subscription *nats.Subscription
	sub          tether.Subscription
	codec        tether.Codec
	h            tether.Handlers

	mu   sync.Mutex
	done bool
}

func (c *channel) receive(msg *nats.Msg) {
	change, err := tether.DecodeChange(c.codec, msg.Data)
	if err != nil {
		return
	}
	if !c.sub.Matches(change) {
		return
	}
	c.h.Event(change)
}

// terminal reports the first terminal status and drops the rest.
func (c *channel) terminal(s tether.Status, err error) {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.done = true
	c.mu.Unlock()
	c.h.Status(s, err)
}

func (c *channel) silence() {
	c.mu.Lock()
	c.done = true
	c.mu.Unlock()
}

// Close unsubscribes and closes the connection. StatusClosed is reported
// from the client's closed callback.
func (c *channel) Close() error {
	var err error
	if c.subscription != nil && c.subscription.IsValid() {
		err = c.subscription.Unsubscribe()
	}
	c.conn.Close()
	return err
}
