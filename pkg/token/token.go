// Package token provides a caching tether.TokenSource for JWT bearer
// tokens.
package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/tether"
	"golang.org/x/sync/singleflight"
)

// DefaultSkew is how long before exp a cached token is considered stale.
const DefaultSkew = 30 * time.Second

// DefaultFetchTimeout bounds one shared upstream fetch.
const DefaultFetchTimeout = 10 * time.Second

// ErrNoExpiry is returned by Expiry for tokens without an exp claim.
var ErrNoExpiry = errors.New("token has no expiry")

// Source caches the token returned by an upstream TokenSource until it
// is within Skew of its exp claim. Concurrent misses share one upstream
// fetch. Tokens that are not JWTs, or carry no exp, are never cached.
//
// Signatures are not verified: the token is opaque to this client and
// only its lifetime is read.
type Source struct {
	upstream tether.TokenSource
	skew     time.Duration
	timeout  time.Duration
	clock    clockz.Clock
	parser   *jwt.Parser
	group    singleflight.Group

	mu      sync.Mutex
	token   string
	expires time.Time
}

// New wraps upstream with an expiry-aware cache.
func New(upstream tether.TokenSource) *Source {
	return &Source{
		upstream: upstream,
		skew:     DefaultSkew,
		timeout:  DefaultFetchTimeout,
		clock:    clockz.RealClock,
		parser:   jwt.NewParser(),
	}
}

// Skew sets the staleness margin before exp.
func (s *Source) Skew(d time.Duration) *Source {
	if d >= 0 {
		s.skew = d
	}
	return s
}

// FetchTimeout bounds the shared upstream fetch. Non-positive values are
// ignored.
func (s *Source) FetchTimeout(d time.Duration) *Source {
	if d > 0 {
		s.timeout = d
	}
	return s
}

// Clock sets the clock used to judge staleness.
func (s *Source) Clock(c clockz.Clock) *Source {
	s.clock = c
	return s
}

// FreshToken returns the cached token or fetches a new one.
//
// The shared fetch runs detached from any single caller, bounded by
// FetchTimeout. A caller whose ctx ends stops waiting without failing the
// others.
func (s *Source) FreshToken(ctx context.Context) (string, error) {
	if tok, ok := s.cached(); ok {
		return tok, nil
	}

	ch := s.group.DoChan("token", func() (any, error) {
		if tok, ok := s.cached(); ok {
			return tok, nil
		}
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		tok, err := s.upstream.FreshToken(fetchCtx)
		if err != nil {
			return "", err
		}
		if tok == "" {
			return "", tether.ErrTokenUnavailable
		}

		exp, err := s.Expiry(tok)
		s.mu.Lock()
		if err == nil {
			s.token, s.expires = tok, exp
		} else {
			s.token, s.expires = "", time.Time{}
		}
		s.mu.Unlock()
		return tok, nil
	})

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("fetch token: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", fmt.Errorf("fetch token: %w", res.Err)
		}
		return res.Val.(string), nil
	}
}

// Invalidate drops the cached token so the next call fetches.
func (s *Source) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token, s.expires = "", time.Time{}
}

// Expiry reads the exp claim of a JWT without verifying it.
func (s *Source) Expiry(tok string) (time.Time, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := s.parser.ParseUnverified(tok, &claims); err != nil {
		return time.Time{}, fmt.Errorf("parse token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, err
	}
	if exp == nil {
		return time.Time{}, ErrNoExpiry
	}
	return exp.Time, nil
}

func (s *Source) cached() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == "" {
		return "", false
	}
	if !s.clock.Now().Before(s.expires.Add(-s.skew)) {
		return "", false
	}
	return s.token, true
}

var _ tether.TokenSource = (*Source)(nil)
