// Package redis provides a tether.Transport for Redis pub/sub.
package redis

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/zoobzio/tether"
)

// Transport subscribes to a Redis pub/sub channel per tether channel.
// Publishers send JSON changes:
//
//	PUBLISH realtime:listings '{"schema":"public","table":"listings","type":"INSERT"}'
//
// The bearer token is used as the connection password, which suits
// managed Redis deployments that accept IAM tokens.
type Transport struct {
	options *redis.Options
	channel func(tether.Subscription) string
	codec   tether.Codec
}

// Option configures a Transport.
type Option func(*Transport)

// WithChannel sets a fixed pub/sub channel. Defaults to the subscription
// topic.
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

// New creates a Transport. opts is copied on every Open.
func New(opts *redis.Options, options ...Option) *Transport {
	t := &Transport{
		options: opts,
		channel: func(sub tether.Subscription) string { return sub.Topic },
		codec:   tether.JSONCodec{},
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// Open dials a dedicated client and subscribes. StatusSubscribed is
// reported once the subscription is confirmed.
func (t *Transport) Open(ctx context.Context, token string, sub tether.Subscription, h tether.Handlers) (tether.Channel, error) {
	opts := *t.options
	if token != "" {
		opts.Password = token
	}
	client := redis.NewClient(&opts)

	name := t.channel(sub)
	pubsub := client.Subscribe(ctx, name)

	// Verify subscription worked
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		client.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", name, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &channel{
		client: client,
		pubsub: pubsub,
		sub:    sub,
		codec:  t.codec,
		h:      h,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	h.Status(tether.StatusSubscribed, nil)
	go c.receive(runCtx)
	return c, nil
}

type channel struct {
	client *redis.Client
	pubsub *redis.PubSub
	sub    tether.Subscription
	codec  tether.Codec
	h      tether.Handlers
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func (c *channel) receive(ctx context.Context) {
	defer close(c.done)

	ch := c.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			c.h.Status(tether.StatusClosed, nil)
			return
		case msg, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					c.h.Status(tether.StatusClosed, nil)
					return
				}
				c.h.Status(tether.StatusClosed, fmt.Errorf("subscription to %s ended", c.sub.Topic))
				return
			}
			change, err := tether.DecodeChange(c.codec, []byte(msg.Payload))
			if err != nil {
				continue
			}
			if !c.sub.Matches(change) {
				continue
			}
			c.h.Event(change)
		}
	}
}

// Close unsubscribes and closes the client. The receiver reports
// StatusClosed once it observes the cancellation.
func (c *channel) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		if err := c.pubsub.Close(); err != nil {
			c.closeErr = err
		}
		if err := c.client.Close(); err != nil && c.closeErr == nil {
			c.closeErr = err
		}
	})
	return c.closeErr
}
