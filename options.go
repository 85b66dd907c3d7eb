package tether

import (
	"context"
	"time"

	"github.com/zoobzio/pipz"
)

// RefreshOption wraps the refresh pipeline with middleware for retry,
// circuit breaking, rate limiting, and error observation.
//
// Options apply in order, so the last option is the outermost wrapper.
// The refresh timeout configured via RefreshTimeout always sits innermost.
type RefreshOption func(pipz.Chainable[*RefreshRequest]) pipz.Chainable[*RefreshRequest]

func buildRefreshPipeline(terminal pipz.Chainable[*RefreshRequest], opts []RefreshOption) pipz.Chainable[*RefreshRequest] {
	pipeline := terminal
	for _, opt := range opts {
		pipeline = opt(pipeline)
	}
	return pipeline
}

// WithRefreshRetry retries a failed refresh immediately, up to maxAttempts
// times in total.
func WithRefreshRetry(maxAttempts int) RefreshOption {
	return func(p pipz.Chainable[*RefreshRequest]) pipz.Chainable[*RefreshRequest] {
		return pipz.NewRetry("refresh-retry", p, maxAttempts)
	}
}

// WithRefreshBackoff retries a failed refresh with exponential delays:
// baseDelay, 2*baseDelay, 4*baseDelay, and so on.
func WithRefreshBackoff(maxAttempts int, baseDelay time.Duration) RefreshOption {
	return func(p pipz.Chainable[*RefreshRequest]) pipz.Chainable[*RefreshRequest] {
		return pipz.NewBackoff("refresh-backoff", p, maxAttempts, baseDelay)
	}
}

// WithRefreshFallback tries each fallback in order when the refresher fails.
func WithRefreshFallback(fallbacks ...Refresher) RefreshOption {
	return func(p pipz.Chainable[*RefreshRequest]) pipz.Chainable[*RefreshRequest] {
		all := []pipz.Chainable[*RefreshRequest]{p}
		for _, r := range fallbacks {
			all = append(all, refresherEffect("refresh-fallback", r))
		}
		return pipz.NewFallback("refresh-fallback", all...)
	}
}

// WithRefreshCircuitBreaker stops calling the refresher after failures
// consecutive errors and rejects refreshes until recovery has elapsed.
func WithRefreshCircuitBreaker(failures int, recovery time.Duration) RefreshOption {
	return func(p pipz.Chainable[*RefreshRequest]) pipz.Chainable[*RefreshRequest] {
		return pipz.NewCircuitBreaker("refresh-circuit-breaker", p, failures, recovery)
	}
}

// WithRefreshRateLimit admits at most rate refreshes per second with the
// given burst. Excess refreshes wait for a token.
func WithRefreshRateLimit(rate float64, burst int) RefreshOption {
	return func(p pipz.Chainable[*RefreshRequest]) pipz.Chainable[*RefreshRequest] {
		limiter := pipz.NewRateLimiter[*RefreshRequest]("refresh-rate-limit", rate, burst)
		return pipz.NewSequence("refresh-rate-limited", limiter, p)
	}
}

// WithRefreshErrorHandler passes refresh failures to handler. The error
// still propagates to the caller.
func WithRefreshErrorHandler(handler func(context.Context, *pipz.Error[*RefreshRequest]) error) RefreshOption {
	return func(p pipz.Chainable[*RefreshRequest]) pipz.Chainable[*RefreshRequest] {
		return pipz.NewHandle("refresh-error-handler", p, pipz.Effect("refresh-error", handler))
	}
}

// WithRefreshMiddleware runs processors before the refresher, in order.
func WithRefreshMiddleware(processors ...pipz.Chainable[*RefreshRequest]) RefreshOption {
	return func(p pipz.Chainable[*RefreshRequest]) pipz.Chainable[*RefreshRequest] {
		all := make([]pipz.Chainable[*RefreshRequest], 0, len(processors)+1)
		all = append(all, processors...)
		all = append(all, p)
		return pipz.NewSequence("refresh-middleware", all...)
	}
}

// UseRefreshEffect creates a middleware processor that performs a side
// effect. Returning an error aborts the refresh.
func UseRefreshEffect(name string, fn func(context.Context, *RefreshRequest) error) pipz.Chainable[*RefreshRequest] {
	return pipz.Effect(pipz.Name(name), fn)
}

// UseRefreshFilter runs processor only for requests matching condition.
func UseRefreshFilter(name string, condition func(context.Context, *RefreshRequest) bool, processor pipz.Chainable[*RefreshRequest]) pipz.Chainable[*RefreshRequest] {
	return pipz.NewFilter(pipz.Name(name), condition, processor)
}

func refresherEffect(name string, r Refresher) pipz.Chainable[*RefreshRequest] {
	return pipz.Effect(pipz.Name(name), func(ctx context.Context, _ *RefreshRequest) error {
		return r.Refresh(ctx)
	})
}
