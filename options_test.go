package tether

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zoobzio/pipz"
)

func failingRefresher(failures int32, calls *atomic.Int32) Refresher {
	return RefresherFunc(func(context.Context) error {
		if calls.Add(1) <= failures {
			return errors.New("upstream unavailable")
		}
		return nil
	})
}

func TestWithRefreshRetry(t *testing.T) {
	var calls atomic.Int32
	r := failingRefresher(2, &calls)
	p := newRefreshPipeline(func() Refresher { return r }, 0, WithRefreshRetry(3))

	if _, err := p.Process(context.Background(), &RefreshRequest{Reason: ReasonManual}); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("expected 3 calls, got %d", got)
	}
}

func TestWithRefreshFallback(t *testing.T) {
	var primary, fallback atomic.Int32
	r := failingRefresher(1, &primary)
	backup := RefresherFunc(func(context.Context) error {
		fallback.Add(1)
		return nil
	})
	p := newRefreshPipeline(func() Refresher { return r }, 0, WithRefreshFallback(backup))

	if _, err := p.Process(context.Background(), &RefreshRequest{}); err != nil {
		t.Fatalf("expected fallback to succeed, got %v", err)
	}
	if primary.Load() != 1 || fallback.Load() != 1 {
		t.Errorf("expected one call each, got primary=%d fallback=%d", primary.Load(), fallback.Load())
	}
}

func TestWithRefreshCircuitBreaker(t *testing.T) {
	var calls atomic.Int32
	r := failingRefresher(100, &calls)
	p := newRefreshPipeline(func() Refresher { return r }, 0, WithRefreshCircuitBreaker(2, time.Hour))

	for i := 0; i < 4; i++ {
		if _, err := p.Process(context.Background(), &RefreshRequest{}); err == nil {
			t.Fatalf("call %d: expected error", i)
		}
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("expected breaker to stop calls after 2 failures, got %d", got)
	}
}

func TestWithRefreshErrorHandler(t *testing.T) {
	var calls atomic.Int32
	var observed atomic.Int32
	r := failingRefresher(1, &calls)
	p := newRefreshPipeline(func() Refresher { return r }, 0,
		WithRefreshErrorHandler(func(_ context.Context, _ *pipz.Error[*RefreshRequest]) error {
			observed.Add(1)
			return nil
		}),
	)

	if _, err := p.Process(context.Background(), &RefreshRequest{}); err == nil {
		t.Fatal("expected error to propagate")
	}
	if observed.Load() != 1 {
		t.Errorf("expected handler called once, got %d", observed.Load())
	}
	if _, err := p.Process(context.Background(), &RefreshRequest{}); err != nil {
		t.Fatalf("second refresh failed: %v", err)
	}
	if observed.Load() != 1 {
		t.Errorf("expected handler untouched on success, got %d", observed.Load())
	}
}

func TestWithRefreshMiddleware_RunsBeforeRefresher(t *testing.T) {
	var order []string
	r := RefresherFunc(func(context.Context) error {
		order = append(order, "refresh")
		return nil
	})
	p := newRefreshPipeline(func() Refresher { return r }, 0,
		WithRefreshMiddleware(
			UseRefreshEffect("audit", func(_ context.Context, req *RefreshRequest) error {
				order = append(order, "audit:"+req.Reason)
				return nil
			}),
		),
	)

	if _, err := p.Process(context.Background(), &RefreshRequest{Reason: ReasonChange}); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if len(order) != 2 || order[0] != "audit:change" || order[1] != "refresh" {
		t.Errorf("unexpected order %v", order)
	}
}

func TestWithRefreshMiddleware_EffectErrorAborts(t *testing.T) {
	var calls atomic.Int32
	r := failingRefresher(0, &calls)
	p := newRefreshPipeline(func() Refresher { return r }, 0,
		WithRefreshMiddleware(UseRefreshEffect("deny", func(context.Context, *RefreshRequest) error {
			return errors.New("denied")
		})),
	)

	if _, err := p.Process(context.Background(), &RefreshRequest{}); err == nil {
		t.Fatal("expected middleware error")
	}
	if calls.Load() != 0 {
		t.Errorf("expected refresher skipped, got %d calls", calls.Load())
	}
}

func TestUseRefreshFilter(t *testing.T) {
	var audited atomic.Int32
	onlyChanges := UseRefreshFilter("only-changes",
		func(_ context.Context, req *RefreshRequest) bool { return req.Reason == ReasonChange },
		UseRefreshEffect("audit", func(context.Context, *RefreshRequest) error {
			audited.Add(1)
			return nil
		}),
	)
	r := RefresherFunc(func(context.Context) error { return nil })
	p := newRefreshPipeline(func() Refresher { return r }, 0, WithRefreshMiddleware(onlyChanges))

	for _, reason := range []string{ReasonManual, ReasonChange, ReasonPeriodic} {
		if _, err := p.Process(context.Background(), &RefreshRequest{Reason: reason}); err != nil {
			t.Fatalf("%s: Process failed: %v", reason, err)
		}
	}
	if audited.Load() != 1 {
		t.Errorf("expected only the change refresh audited, got %d", audited.Load())
	}
}

func TestManager_RefreshPipeline(t *testing.T) {
	var calls atomic.Int32
	m := New(testSub, StaticToken("tok"), NewChannelTransport(), failingRefresher(1, &calls)).
		RefreshTimeout(time.Second).
		RefreshPipeline(WithRefreshRetry(2))

	if err := m.Refresh(context.Background(), ReasonManual); err != nil {
		t.Fatalf("expected retried refresh to succeed, got %v", err)
	}
	if m.LastError() != nil {
		t.Errorf("expected no recorded error, got %v", m.LastError())
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 calls, got %d", calls.Load())
	}
}
