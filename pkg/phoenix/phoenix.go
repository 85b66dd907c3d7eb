// Package phoenix provides a tether.Transport speaking the Phoenix
// channels protocol used by hosted Postgres realtime services.
//
// One websocket is dialled per channel. The channel joins its topic with
// a postgres_changes config and the bearer token, heartbeats on the
// phoenix topic, and maps protocol events onto tether statuses:
//
//	phx_reply ok           -> SUBSCRIBED
//	phx_reply error        -> CHANNEL_ERROR
//	phx_error              -> CHANNEL_ERROR
//	no join reply in time  -> TIMED_OUT
//	missed heartbeat       -> TIMED_OUT
//	phx_close, socket drop -> CLOSED
package phoenix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/tether"
)

// Defaults.
const (
	DefaultJoinTimeout  = 10 * time.Second
	DefaultHeartbeat    = 25 * time.Second
	DefaultWriteTimeout = 5 * time.Second
	ProtocolVersion     = "1.0.0"
)

// Errors reported alongside terminal statuses.
var (
	ErrJoinTimeout      = errors.New("join timed out")
	ErrHeartbeatTimeout = errors.New("heartbeat timed out")
	ErrServerClosed     = errors.New("channel closed by server")
)

// Transport dials a Phoenix socket endpoint such as
// wss://example.org/realtime/v1/websocket.
type Transport struct {
	endpoint     string
	header       http.Header
	params       url.Values
	dialer       *websocket.Dialer
	codec        tether.Codec
	clock        clockz.Clock
	joinTimeout  time.Duration
	heartbeat    time.Duration
	writeTimeout time.Duration
}

// Option configures a Transport.
type Option func(*Transport)

// WithHeader adds a handshake header.
func WithHeader(key, value string) Option {
	return func(t *Transport) {
		t.header.Add(key, value)
	}
}

// WithParam sets a query parameter on the endpoint, e.g. apikey.
func WithParam(key, value string) Option {
	return func(t *Transport) {
		t.params.Set(key, value)
	}
}

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(t *Transport) {
		if d != nil {
			t.dialer = d
		}
	}
}

// WithCodec sets the codec used for change records. Defaults to JSON.
func WithCodec(c tether.Codec) Option {
	return func(t *Transport) {
		t.codec = c
	}
}

// WithClock sets the clock driving join and heartbeat timers.
func WithClock(c clockz.Clock) Option {
	return func(t *Transport) {
		t.clock = c
	}
}

// WithJoinTimeout bounds the wait for a join reply.
func WithJoinTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.joinTimeout = d
		}
	}
}

// WithHeartbeat sets the heartbeat interval. A heartbeat still unanswered
// when the next one is due ends the channel.
func WithHeartbeat(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.heartbeat = d
		}
	}
}

// New creates a Transport for endpoint.
func New(endpoint string, opts ...Option) *Transport {
	t := &Transport{
		endpoint:     endpoint,
		header:       http.Header{},
		params:       url.Values{"vsn": {ProtocolVersion}},
		dialer:       &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		codec:        tether.JSONCodec{},
		clock:        clockz.RealClock,
		joinTimeout:  DefaultJoinTimeout,
		heartbeat:    DefaultHeartbeat,
		writeTimeout: DefaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) url() (string, error) {
	u, err := url.Parse(t.endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint: %w", err)
	}
	q := u.Query()
	for k := range t.params {
		q.Set(k, t.params.Get(k))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Open dials the socket and pushes phx_join. The join outcome arrives
// later as a status.
func (t *Transport) Open(ctx context.Context, token string, sub tether.Subscription, h tether.Handlers) (tether.Channel, error) {
	endpoint, err := t.url()
	if err != nil {
		return nil, err
	}

	conn, _, err := t.dialer.DialContext(ctx, endpoint, t.header.Clone())
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", t.endpoint, err)
	}

	c := &channel{
		conn:         conn,
		topic:        sub.Topic,
		sub:          sub,
		codec:        t.codec,
		h:            h,
		clock:        t.clock,
		joinTimeout:  t.joinTimeout,
		heartbeat:    t.heartbeat,
		writeTimeout: t.writeTimeout,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	c.joinRef = c.nextRef()

	payload, err := json.Marshal(NewJoinPayload(sub, token))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to encode join: %w", err)
	}
	if err := c.send(Message{JoinRef: c.joinRef, Ref: c.joinRef, Topic: c.topic, Event: EventJoin, Payload: payload}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send join: %w", err)
	}

	go c.read()
	go c.keepalive()
	return c, nil
}

type failure struct {
	status tether.Status
	err    error
}

// channel delivers every status from the read goroutine so statuses
// arrive in order. Timers record a failure and close the socket.
type channel struct {
	conn         *websocket.Conn
	topic        string
	sub          tether.Subscription
	codec        tether.Codec
	h            tether.Handlers
	clock        clockz.Clock
	joinTimeout  time.Duration
	heartbeat    time.Duration
	writeTimeout time.Duration

	ref     atomic.Uint64
	joinRef string

	writeMu sync.Mutex

	mu        sync.Mutex
	joined    bool
	closing   bool
	failure   *failure
	pending   string

	stop      chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

func (c *channel) nextRef() string {
	return strconv.FormatUint(c.ref.Add(1), 10)
}

func (c *channel) send(msg Message) error {
	if msg.Payload == nil {
		msg.Payload = json.RawMessage(`{}`)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *channel) halt() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// fail records the first failure and drops the socket.
func (c *channel) fail(s tether.Status, err error) {
	c.mu.Lock()
	if c.failure == nil && !c.closing {
		c.failure = &failure{status: s, err: err}
	}
	c.mu.Unlock()
	c.conn.Close()
}

func (c *channel) read() {
	defer close(c.done)
	defer c.halt()
	defer c.conn.Close()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			f, closing := c.failure, c.closing
			c.mu.Unlock()
			switch {
			case f != nil:
				c.h.Status(f.status, f.err)
			case closing:
				c.h.Status(tether.StatusClosed, nil)
			default:
				c.h.Status(tether.StatusClosed, fmt.Errorf("socket closed: %w", err))
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if done := c.dispatch(msg); done {
			return
		}
	}
}

// dispatch handles one frame and reports whether the channel ended.
func (c *channel) dispatch(msg Message) bool {
	if msg.Topic == TopicPhoenix {
		if msg.Event == EventReply {
			c.mu.Lock()
			if msg.Ref == c.pending {
				c.pending = ""
			}
			c.mu.Unlock()
		}
		return false
	}
	if msg.Topic != c.topic {
		return false
	}

	switch msg.Event {
	case EventReply:
		if msg.Ref != c.joinRef {
			return false
		}
		var r Reply
		if err := json.Unmarshal(msg.Payload, &r); err == nil && r.Status == "ok" {
			c.mu.Lock()
			already := c.joined
			c.joined = true
			c.mu.Unlock()
			if !already {
				c.h.Status(tether.StatusSubscribed, nil)
			}
			return false
		}
		c.end(tether.StatusChannelError, fmt.Errorf("join rejected: %s", r.Reason()))
		return true

	case EventChanges:
		var p changesPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return false
		}
		c.deliver(p.Data)

	case string(tether.ChangeInsert), string(tether.ChangeUpdate), string(tether.ChangeDelete):
		c.deliver(msg.Payload)

	case EventSystem:
		var r Reply
		if err := json.Unmarshal(msg.Payload, &r); err == nil && r.Status == "error" {
			c.end(tether.StatusChannelError, fmt.Errorf("system error: %s", string(msg.Payload)))
			return true
		}

	case EventError:
		c.end(tether.StatusChannelError, fmt.Errorf("channel error: %s", string(msg.Payload)))
		return true

	case EventClose:
		c.mu.Lock()
		closing := c.closing
		c.mu.Unlock()
		if closing {
			c.end(tether.StatusClosed, nil)
		} else {
			c.end(tether.StatusClosed, ErrServerClosed)
		}
		return true
	}
	return false
}

// end reports a terminal status and suppresses the read error that
// follows from closing the socket.
func (c *channel) end(s tether.Status, err error) {
	c.mu.Lock()
	if f := c.failure; f != nil {
		s, err = f.status, f.err
	}
	c.failure = &failure{status: s, err: err}
	c.mu.Unlock()
	c.h.Status(s, err)
}

func (c *channel) deliver(data json.RawMessage) {
	change, err := tether.DecodeChange(c.codec, data)
	if err != nil {
		return
	}
	if !c.sub.Matches(change) {
		return
	}
	c.h.Event(change)
}

func (c *channel) keepalive() {
	join := c.clock.NewTimer(c.joinTimeout)
	defer join.Stop()
	beat := c.clock.NewTimer(c.heartbeat)
	defer beat.Stop()

	for {
		select {
		case <-c.stop:
			return

		case <-join.C():
			c.mu.Lock()
			joined := c.joined
			c.mu.Unlock()
			if !joined {
				c.fail(tether.StatusTimedOut, ErrJoinTimeout)
				return
			}

		case <-beat.C():
			beat.Reset(c.heartbeat)
			c.mu.Lock()
			missed := c.pending != ""
			c.mu.Unlock()
			if missed {
				c.fail(tether.StatusTimedOut, ErrHeartbeatTimeout)
				return
			}
			ref := c.nextRef()
			c.mu.Lock()
			c.pending = ref
			c.mu.Unlock()
			if err := c.send(Message{Ref: ref, Topic: TopicPhoenix, Event: EventHeartbeat}); err != nil {
				c.fail(tether.StatusClosed, fmt.Errorf("heartbeat: %w", err))
				return
			}
		}
	}
}

// Close leaves the topic and closes the socket. The read goroutine
// reports StatusClosed once it observes the closed socket.
func (c *channel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		c.mu.Unlock()

		_ = c.send(Message{JoinRef: c.joinRef, Ref: c.nextRef(), Topic: c.topic, Event: EventLeave})
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.conn.Close()
		c.halt()
	})
	return nil
}
