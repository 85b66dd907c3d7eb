package tether

import (
	"context"
	"errors"
	"sync"
)

// ErrChannelClosed is returned when driving a MemoryChannel after Close.
var ErrChannelClosed = errors.New("tether: channel closed")

// ChannelTransport is an in-memory Transport.
// Useful for testing and for hosts that already receive changes in-process.
//
// Each Open returns a MemoryChannel the caller drives with Emit and Report.
type ChannelTransport struct {
	mu            sync.Mutex
	autoSubscribe bool
	reportClose   bool
	openErr       error
	channels      []*MemoryChannel
	tokens        []string
}

// NewChannelTransport creates a ChannelTransport. Channels stay silent until
// driven.
func NewChannelTransport() *ChannelTransport {
	return &ChannelTransport{}
}

// AutoSubscribe makes every Open report StatusSubscribed before returning.
func (t *ChannelTransport) AutoSubscribe() *ChannelTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.autoSubscribe = true
	return t
}

// ReportCloseOnClose makes MemoryChannel.Close report StatusClosed, the way
// network transports acknowledge a teardown.
func (t *ChannelTransport) ReportCloseOnClose() *ChannelTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reportClose = true
	return t
}

// FailOpen makes subsequent Open calls return err. Pass nil to clear.
func (t *ChannelTransport) FailOpen(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.openErr = err
}

// Open implements Transport.
func (t *ChannelTransport) Open(ctx context.Context, token string, sub Subscription, h Handlers) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.tokens = append(t.tokens, token)
	if t.openErr != nil {
		err := t.openErr
		t.mu.Unlock()
		return nil, err
	}
	ch := &MemoryChannel{
		token:       token,
		sub:         sub,
		handlers:    h,
		reportClose: t.reportClose,
	}
	t.channels = append(t.channels, ch)
	auto := t.autoSubscribe
	t.mu.Unlock()

	if auto {
		ch.Report(StatusSubscribed, nil)
	}
	return ch, nil
}

// Opened returns how many channels have been opened.
func (t *ChannelTransport) Opened() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.channels)
}

// Live returns how many opened channels are not closed.
func (t *ChannelTransport) Live() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, ch := range t.channels {
		if !ch.Closed() {
			n++
		}
	}
	return n
}

// Channels returns every channel opened so far, in order.
func (t *ChannelTransport) Channels() []*MemoryChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*MemoryChannel, len(t.channels))
	copy(out, t.channels)
	return out
}

// Last returns the most recently opened channel, or nil.
func (t *ChannelTransport) Last() *MemoryChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.channels) == 0 {
		return nil
	}
	return t.channels[len(t.channels)-1]
}

// Tokens returns the token presented to every Open call, in order.
func (t *ChannelTransport) Tokens() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.tokens))
	copy(out, t.tokens)
	return out
}

// MemoryChannel is a Channel opened by ChannelTransport.
type MemoryChannel struct {
	token       string
	sub         Subscription
	handlers    Handlers
	reportClose bool

	mu     sync.Mutex
	closed bool
}

// Token returns the token the channel was opened with.
func (c *MemoryChannel) Token() string { return c.token }

// Subscription returns the subscription the channel was opened for.
func (c *MemoryChannel) Subscription() Subscription { return c.sub }

// Emit delivers a change to the channel's handler.
func (c *MemoryChannel) Emit(change Change) error {
	if c.Closed() {
		return ErrChannelClosed
	}
	c.handlers.Event(change)
	return nil
}

// Report delivers a status to the channel's handler. Reporting StatusClosed
// marks the channel closed. A status may still be reported after Close to
// simulate late transport callbacks.
func (c *MemoryChannel) Report(s Status, err error) {
	if s == StatusClosed {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
	}
	c.handlers.Status(s, err)
}

// Close implements Channel. Closing twice is a no-op.
func (c *MemoryChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	report := c.reportClose
	c.mu.Unlock()

	if report {
		c.handlers.Status(StatusClosed, nil)
	}
	return nil
}

// Closed reports whether the channel was closed.
func (c *MemoryChannel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
