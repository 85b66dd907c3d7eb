package phoenix

import (
	"encoding/json"

	"github.com/zoobzio/tether"
)

// Phoenix channel events.
const (
	EventJoin      = "phx_join"
	EventLeave     = "phx_leave"
	EventReply     = "phx_reply"
	EventClose     = "phx_close"
	EventError     = "phx_error"
	EventHeartbeat = "heartbeat"
	EventChanges   = "postgres_changes"
	EventSystem    = "system"

	// TopicPhoenix carries socket-level heartbeats.
	TopicPhoenix = "phoenix"
)

// Message is a Phoenix v1 JSON frame.
type Message struct {
	JoinRef string          `json:"join_ref,omitempty"`
	Ref     string          `json:"ref,omitempty"`
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Reply is the payload of a phx_reply frame.
type Reply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
}

// Reason extracts a human-readable reason from an error reply.
func (r Reply) Reason() string {
	var body struct {
		Reason  string `json:"reason"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(r.Response, &body); err == nil {
		if body.Reason != "" {
			return body.Reason
		}
		if body.Message != "" {
			return body.Message
		}
	}
	if len(r.Response) > 0 {
		return string(r.Response)
	}
	return r.Status
}

// ChangeFilter is one entry of the postgres_changes join config.
type ChangeFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table,omitempty"`
	Filter string `json:"filter,omitempty"`
}

// JoinConfig is the config block of a phx_join payload.
type JoinConfig struct {
	PostgresChanges []ChangeFilter `json:"postgres_changes"`
}

// JoinPayload is sent with phx_join.
type JoinPayload struct {
	Config      JoinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

// NewJoinPayload builds the join payload for a subscription.
func NewJoinPayload(sub tether.Subscription, token string) JoinPayload {
	event := string(sub.Event)
	if event == "" {
		event = string(tether.ChangeAll)
	}
	schema := sub.Schema
	if schema == "" {
		schema = "public"
	}
	return JoinPayload{
		Config: JoinConfig{
			PostgresChanges: []ChangeFilter{{
				Event:  event,
				Schema: schema,
				Table:  sub.Table,
				Filter: sub.Filter,
			}},
		},
		AccessToken: token,
	}
}

// changesPayload wraps the change in postgres_changes frames.
type changesPayload struct {
	IDs  []int64         `json:"ids,omitempty"`
	Data json.RawMessage `json:"data"`
}
