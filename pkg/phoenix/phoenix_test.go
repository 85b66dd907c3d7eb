package phoenix

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zoobzio/tether"
)

var testSub = tether.Subscription{
	Topic:  "realtime:listings",
	Schema: "public",
	Table:  "listings",
	Event:  tether.ChangeAll,
}

// mockServer is a minimal Phoenix endpoint.
type mockServer struct {
	srv *httptest.Server

	mu        sync.Mutex
	received  []Message
	query     string
	conn      *websocket.Conn
	writeMu   sync.Mutex
	joinReply string // "ok", "error" or "" for no reply
	heartbeat bool
}

type serverOption func(*mockServer)

func replyJoin(status string) serverOption {
	return func(m *mockServer) { m.joinReply = status }
}

func ignoreHeartbeats() serverOption {
	return func(m *mockServer) { m.heartbeat = false }
}

func newMockServer(t *testing.T, opts ...serverOption) *mockServer {
	t.Helper()
	m := &mockServer{joinReply: "ok", heartbeat: true}
	for _, opt := range opts {
		opt(m)
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	m.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		m.mu.Lock()
		m.conn = conn
		m.query = r.URL.RawQuery
		m.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg Message
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			m.mu.Lock()
			m.received = append(m.received, msg)
			joinReply, heartbeat := m.joinReply, m.heartbeat
			m.mu.Unlock()

			switch msg.Event {
			case EventJoin:
				switch joinReply {
				case "ok":
					m.push(Message{JoinRef: msg.JoinRef, Ref: msg.Ref, Topic: msg.Topic, Event: EventReply,
						Payload: json.RawMessage(`{"status":"ok","response":{}}`)})
				case "error":
					m.push(Message{JoinRef: msg.JoinRef, Ref: msg.Ref, Topic: msg.Topic, Event: EventReply,
						Payload: json.RawMessage(`{"status":"error","response":{"reason":"invalid token"}}`)})
				}
			case EventHeartbeat:
				if heartbeat {
					m.push(Message{Ref: msg.Ref, Topic: TopicPhoenix, Event: EventReply,
						Payload: json.RawMessage(`{"status":"ok","response":{}}`)})
				}
			}
		}
	}))
	t.Cleanup(m.srv.Close)
	return m
}

func (m *mockServer) url() string {
	return "ws" + strings.TrimPrefix(m.srv.URL, "http")
}

func (m *mockServer) push(msg Message) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return
	}
	data, _ := json.Marshal(msg)
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

func (m *mockServer) drop() {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (m *mockServer) events() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.received...)
}

type recorder struct {
	mu       sync.Mutex
	changes  []tether.Change
	statuses []tether.Status
	errs     []error
}

func (r *recorder) handlers() tether.Handlers {
	return tether.Handlers{
		OnEvent: func(c tether.Change) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.changes = append(r.changes, c)
		},
		OnStatus: func(s tether.Status, err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.statuses = append(r.statuses, s)
			r.errs = append(r.errs, err)
		},
	}
}

func (r *recorder) statusList() ([]tether.Status, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]tether.Status(nil), r.statuses...), append([]error(nil), r.errs...)
}

func (r *recorder) changeList() []tether.Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]tether.Change(nil), r.changes...)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func open(t *testing.T, m *mockServer, rec *recorder, opts ...Option) tether.Channel {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ch, err := New(m.url(), opts...).Open(ctx, "jwt-token", testSub, rec.handlers())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func TestNewJoinPayload(t *testing.T) {
	p := NewJoinPayload(tether.Subscription{Topic: "realtime:t", Table: "reports", Filter: "owner_id=eq.7"}, "tok")
	if p.AccessToken != "tok" {
		t.Errorf("expected access token, got %q", p.AccessToken)
	}
	if len(p.Config.PostgresChanges) != 1 {
		t.Fatalf("expected one change filter, got %d", len(p.Config.PostgresChanges))
	}
	f := p.Config.PostgresChanges[0]
	if f.Event != "*" || f.Schema != "public" || f.Table != "reports" || f.Filter != "owner_id=eq.7" {
		t.Errorf("unexpected filter %+v", f)
	}
}

func TestReply_Reason(t *testing.T) {
	cases := []struct {
		reply Reply
		want  string
	}{
		{Reply{Status: "error", Response: json.RawMessage(`{"reason":"bad"}`)}, "bad"},
		{Reply{Status: "error", Response: json.RawMessage(`{"message":"nope"}`)}, "nope"},
		{Reply{Status: "error", Response: json.RawMessage(`"raw"`)}, `"raw"`},
		{Reply{Status: "error"}, "error"},
	}
	for _, tc := range cases {
		if got := tc.reply.Reason(); got != tc.want {
			t.Errorf("expected %q, got %q", tc.want, got)
		}
	}
}

func TestOpen_DialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := New("ws://127.0.0.1:1/socket").Open(ctx, "tok", testSub, tether.Handlers{}); err == nil {
		t.Error("expected dial failure")
	}
}

func TestOpen_InvalidEndpoint(t *testing.T) {
	if _, err := New("://bad").Open(context.Background(), "tok", testSub, tether.Handlers{}); err == nil {
		t.Error("expected invalid endpoint error")
	}
}

func TestJoin_Subscribed(t *testing.T) {
	m := newMockServer(t)
	rec := &recorder{}
	open(t, m, rec, WithParam("apikey", "anon"))

	eventually(t, "subscribed", func() bool {
		s, _ := rec.statusList()
		return len(s) == 1
	})
	if s, _ := rec.statusList(); s[0] != tether.StatusSubscribed {
		t.Errorf("expected subscribed, got %v", s)
	}

	join := m.events()[0]
	if join.Event != EventJoin || join.Topic != testSub.Topic {
		t.Fatalf("expected join on %s, got %+v", testSub.Topic, join)
	}
	var payload JoinPayload
	if err := json.Unmarshal(join.Payload, &payload); err != nil {
		t.Fatalf("bad join payload: %v", err)
	}
	if payload.AccessToken != "jwt-token" {
		t.Errorf("expected token in join, got %q", payload.AccessToken)
	}
	if payload.Config.PostgresChanges[0].Table != "listings" {
		t.Errorf("expected listings filter, got %+v", payload.Config.PostgresChanges)
	}

	m.mu.Lock()
	query := m.query
	m.mu.Unlock()
	if !strings.Contains(query, "vsn=1.0.0") || !strings.Contains(query, "apikey=anon") {
		t.Errorf("expected vsn and apikey params, got %q", query)
	}
}

func TestJoin_Rejected(t *testing.T) {
	m := newMockServer(t, replyJoin("error"))
	rec := &recorder{}
	open(t, m, rec)

	eventually(t, "channel error", func() bool {
		s, _ := rec.statusList()
		return len(s) >= 1
	})
	time.Sleep(50 * time.Millisecond)

	s, errs := rec.statusList()
	if len(s) != 1 || s[0] != tether.StatusChannelError {
		t.Fatalf("expected a single channel error, got %v", s)
	}
	if errs[0] == nil || !strings.Contains(errs[0].Error(), "invalid token") {
		t.Errorf("expected rejection reason, got %v", errs[0])
	}
}

func TestJoin_TimesOut(t *testing.T) {
	m := newMockServer(t, replyJoin(""))
	rec := &recorder{}
	open(t, m, rec, WithJoinTimeout(50*time.Millisecond))

	eventually(t, "timed out", func() bool {
		s, _ := rec.statusList()
		return len(s) >= 1
	})
	time.Sleep(50 * time.Millisecond)

	s, errs := rec.statusList()
	if len(s) != 1 || s[0] != tether.StatusTimedOut {
		t.Fatalf("expected a single timed out, got %v", s)
	}
	if !errors.Is(errs[0], ErrJoinTimeout) {
		t.Errorf("expected ErrJoinTimeout, got %v", errs[0])
	}
}

func TestHeartbeat_AnsweredKeepsChannel(t *testing.T) {
	m := newMockServer(t)
	rec := &recorder{}
	open(t, m, rec, WithHeartbeat(20*time.Millisecond))

	time.Sleep(200 * time.Millisecond)

	if s, _ := rec.statusList(); len(s) != 1 || s[0] != tether.StatusSubscribed {
		t.Errorf("expected only subscribed, got %v", s)
	}
	beats := 0
	for _, msg := range m.events() {
		if msg.Topic == TopicPhoenix && msg.Event == EventHeartbeat {
			beats++
		}
	}
	if beats < 2 {
		t.Errorf("expected several heartbeats, got %d", beats)
	}
}

func TestHeartbeat_MissedTimesOut(t *testing.T) {
	m := newMockServer(t, ignoreHeartbeats())
	rec := &recorder{}
	open(t, m, rec, WithHeartbeat(20*time.Millisecond))

	eventually(t, "heartbeat timeout", func() bool {
		s, _ := rec.statusList()
		return len(s) >= 2
	})
	time.Sleep(50 * time.Millisecond)

	s, errs := rec.statusList()
	if len(s) != 2 || s[0] != tether.StatusSubscribed || s[1] != tether.StatusTimedOut {
		t.Fatalf("expected subscribed then timed out, got %v", s)
	}
	if !errors.Is(errs[1], ErrHeartbeatTimeout) {
		t.Errorf("expected ErrHeartbeatTimeout, got %v", errs[1])
	}
}

func TestChanges_Delivered(t *testing.T) {
	m := newMockServer(t)
	rec := &recorder{}
	open(t, m, rec)

	eventually(t, "subscribed", func() bool {
		s, _ := rec.statusList()
		return len(s) == 1
	})

	m.push(Message{Topic: testSub.Topic, Event: EventChanges, Payload: json.RawMessage(
		`{"ids":[1],"data":{"schema":"public","table":"reports","type":"INSERT","record":{"id":1}}}`)})
	m.push(Message{Topic: "realtime:other", Event: EventChanges, Payload: json.RawMessage(
		`{"data":{"schema":"public","table":"listings","type":"INSERT"}}`)})
	m.push(Message{Topic: testSub.Topic, Event: EventChanges, Payload: json.RawMessage(
		`{"ids":[2],"data":{"schema":"public","table":"listings","type":"UPDATE","record":{"id":2},"old_record":{"id":2}}}`)})
	m.push(Message{Topic: testSub.Topic, Event: "DELETE", Payload: json.RawMessage(
		`{"schema":"public","table":"listings","type":"DELETE","old_record":{"id":3}}`)})

	eventually(t, "changes", func() bool {
		return len(rec.changeList()) == 2
	})
	changes := rec.changeList()
	if changes[0].Kind != tether.ChangeUpdate || changes[1].Kind != tether.ChangeDelete {
		t.Errorf("expected update then delete, got %+v", changes)
	}
}

func TestServerClose_ReportsClosed(t *testing.T) {
	m := newMockServer(t)
	rec := &recorder{}
	open(t, m, rec)

	eventually(t, "subscribed", func() bool {
		s, _ := rec.statusList()
		return len(s) == 1
	})
	m.push(Message{Topic: testSub.Topic, Event: EventClose, Payload: json.RawMessage(`{}`)})

	eventually(t, "closed", func() bool {
		s, _ := rec.statusList()
		return len(s) == 2
	})
	s, errs := rec.statusList()
	if s[1] != tether.StatusClosed || !errors.Is(errs[1], ErrServerClosed) {
		t.Errorf("expected closed by server, got %v %v", s, errs)
	}
}

func TestServerError_ReportsChannelError(t *testing.T) {
	m := newMockServer(t)
	rec := &recorder{}
	open(t, m, rec)

	eventually(t, "subscribed", func() bool {
		s, _ := rec.statusList()
		return len(s) == 1
	})
	m.push(Message{Topic: testSub.Topic, Event: EventError, Payload: json.RawMessage(`{"reason":"crash"}`)})

	eventually(t, "channel error", func() bool {
		s, _ := rec.statusList()
		return len(s) == 2
	})
	if s, _ := rec.statusList(); s[1] != tether.StatusChannelError {
		t.Errorf("expected channel error, got %v", s)
	}
}

func TestSocketDrop_ReportsClosed(t *testing.T) {
	m := newMockServer(t)
	rec := &recorder{}
	open(t, m, rec)

	eventually(t, "subscribed", func() bool {
		s, _ := rec.statusList()
		return len(s) == 1
	})
	m.drop()

	eventually(t, "closed", func() bool {
		s, _ := rec.statusList()
		return len(s) == 2
	})
	s, errs := rec.statusList()
	if s[1] != tether.StatusClosed || errs[1] == nil {
		t.Errorf("expected closed with cause, got %v %v", s, errs)
	}
}

func TestClose_LeavesAndReportsClosed(t *testing.T) {
	m := newMockServer(t)
	rec := &recorder{}
	ch := open(t, m, rec)

	eventually(t, "subscribed", func() bool {
		s, _ := rec.statusList()
		return len(s) == 1
	})
	if err := ch.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	_ = ch.Close()

	eventually(t, "closed", func() bool {
		s, _ := rec.statusList()
		return len(s) == 2
	})
	time.Sleep(50 * time.Millisecond)

	s, errs := rec.statusList()
	if len(s) != 2 || s[1] != tether.StatusClosed || errs[1] != nil {
		t.Errorf("expected a single clean closed, got %v %v", s, errs)
	}
	eventually(t, "leave", func() bool {
		for _, msg := range m.events() {
			if msg.Event == EventLeave {
				return true
			}
		}
		return false
	})
}
