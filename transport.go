package tether

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Errors returned by the package.
var (
	// ErrAlreadyStarted is returned by Start on a running Manager.
	ErrAlreadyStarted = errors.New("tether: manager already started")

	// ErrTokenUnavailable reports that no fresh token could be obtained.
	// The Manager does not retry on this error; the host resolves it and
	// calls ForceReconnect.
	ErrTokenUnavailable = errors.New("tether: token unavailable")

	// ErrInvalidSubscription is returned for a subscription that cannot be
	// opened.
	ErrInvalidSubscription = errors.New("tether: invalid subscription")

	// ErrMissingCollaborator is returned by Start when a token source,
	// transport or refresher is nil.
	ErrMissingCollaborator = errors.New("tether: missing collaborator")
)

// ChangeKind is the kind of row change.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "INSERT"
	ChangeUpdate ChangeKind = "UPDATE"
	ChangeDelete ChangeKind = "DELETE"
	// ChangeAll matches every kind in a Subscription.
	ChangeAll ChangeKind = "*"
)

// Change is a single row-change notification.
type Change struct {
	Schema          string          `json:"schema"`
	Table           string          `json:"table"`
	Kind            ChangeKind      `json:"type"`
	Record          json.RawMessage `json:"record,omitempty"`
	OldRecord       json.RawMessage `json:"old_record,omitempty"`
	CommitTimestamp time.Time       `json:"commit_timestamp"`
}

// Subscription describes what a Manager listens to.
type Subscription struct {
	// Topic is the channel name, e.g. "realtime:listings".
	Topic string `json:"topic" yaml:"topic"`

	// Schema and Table narrow the change feed. Empty matches any.
	Schema string `json:"schema,omitempty" yaml:"schema"`
	Table  string `json:"table,omitempty" yaml:"table"`

	// Event narrows by change kind. Empty or ChangeAll matches any.
	Event ChangeKind `json:"event,omitempty" yaml:"event"`

	// Filter is a server-side row predicate, e.g. "owner_id=eq.42".
	// Transports that cannot filter server-side pass it through untouched.
	Filter string `json:"filter,omitempty" yaml:"filter"`
}

// Validate reports whether the subscription can be opened.
func (s Subscription) Validate() error {
	if s.Topic == "" {
		return fmt.Errorf("%w: topic is required", ErrInvalidSubscription)
	}
	switch s.Event {
	case "", ChangeAll, ChangeInsert, ChangeUpdate, ChangeDelete:
	default:
		return fmt.Errorf("%w: unknown event %q", ErrInvalidSubscription, s.Event)
	}
	return nil
}

// Matches reports whether a change belongs to this subscription.
func (s Subscription) Matches(c Change) bool {
	if s.Schema != "" && c.Schema != "" && s.Schema != c.Schema {
		return false
	}
	if s.Table != "" && s.Table != c.Table {
		return false
	}
	if s.Event != "" && s.Event != ChangeAll && s.Event != c.Kind {
		return false
	}
	return true
}

// TokenSource issues bearer credentials for the change feed.
//
// FreshToken must not block indefinitely. An error or an empty token means a
// token is currently unavailable. TokenSource owns freshness policy; the
// Manager never caches tokens.
type TokenSource interface {
	FreshToken(ctx context.Context) (string, error)
}

// TokenSourceFunc adapts a function to a TokenSource.
type TokenSourceFunc func(ctx context.Context) (string, error)

// FreshToken calls f.
func (f TokenSourceFunc) FreshToken(ctx context.Context) (string, error) {
	return f(ctx)
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

// FreshToken returns the token, or ErrTokenUnavailable if it is empty.
func (t StaticToken) FreshToken(_ context.Context) (string, error) {
	if t == "" {
		return "", ErrTokenUnavailable
	}
	return string(t), nil
}

// Handlers receive callbacks from one open channel. They are passed to
// Transport.Open so no status can arrive before a handler is registered.
// Handlers may be called from any goroutine.
type Handlers struct {
	OnEvent  func(Change)
	OnStatus func(Status, error)
}

// Event calls OnEvent if it is set.
func (h Handlers) Event(c Change) {
	if h.OnEvent != nil {
		h.OnEvent(c)
	}
}

// Status calls OnStatus if it is set.
func (h Handlers) Status(s Status, err error) {
	if h.OnStatus != nil {
		h.OnStatus(s, err)
	}
}

// Transport opens change-feed channels.
type Transport interface {
	// Open registers the subscription with the server using token and
	// returns the channel handle. Subscription progress is reported through
	// h.OnStatus; an error return means no channel was created.
	Open(ctx context.Context, token string, sub Subscription, h Handlers) (Channel, error)
}

// Channel is one open channel registration.
type Channel interface {
	// Close tears the channel down. Implementations may report
	// StatusClosed through the handlers, synchronously or later, but
	// must not block waiting for their own handler calls to return:
	// handlers reach back into the Manager.
	Close() error
}

// Refresher performs the business fetch after changes arrive.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// RefresherFunc adapts a function to a Refresher.
type RefresherFunc func(ctx context.Context) error

// Refresh calls f.
func (f RefresherFunc) Refresh(ctx context.Context) error {
	return f(ctx)
}
