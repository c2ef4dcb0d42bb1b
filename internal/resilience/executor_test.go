package resilience

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vietddude/guardian/internal/core/apperr"
	"github.com/vietddude/guardian/internal/core/clock"
)

func newTestExecutor(clk *clock.Manual, cfg Config) *Executor {
	return NewExecutor(cfg, apperr.NewClassifier(clk.Now),
		WithClock(clk),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithJitter(func(time.Duration) time.Duration { return 0 }),
	)
}

var errBoom = errors.New("503 upstream unavailable")

func failing(ctx context.Context) error { return errBoom }

func TestExecute_OpenCircuitUsesFallback(t *testing.T) {
	clk := clock.NewManual(time.Unix(1700000000, 0))
	ex := newTestExecutor(clk, DefaultConfig)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := ex.Execute(ctx, "profile", failing, nil); err == nil {
			t.Fatal("expected failure")
		}
	}
	if got := ex.State("profile").State; got != StateOpen {
		t.Fatalf("state = %s, want open", got)
	}

	clk.Advance(30 * time.Second)
	var opCalls, fbCalls int32
	op := func(ctx context.Context) error { atomic.AddInt32(&opCalls, 1); return nil }
	fb := func(ctx context.Context) error { atomic.AddInt32(&fbCalls, 1); return nil }

	if err := ex.Execute(ctx, "profile", op, fb); err != nil {
		t.Fatalf("fallback result should be returned, got %v", err)
	}
	if opCalls != 0 || fbCalls != 1 {
		t.Fatalf("op=%d fallback=%d, want 0/1", opCalls, fbCalls)
	}

	clk.Advance(31 * time.Second)
	if err := ex.Execute(ctx, "profile", op, fb); err != nil {
		t.Fatalf("trial failed: %v", err)
	}
	if opCalls != 1 {
		t.Fatalf("trial should invoke op, op=%d", opCalls)
	}
	if got := ex.State("profile").State; got != StateHalfOpen {
		t.Errorf("state = %s, want half-open", got)
	}

	ex.Execute(ctx, "profile", op, fb)
	ex.Execute(ctx, "profile", op, fb)
	if got := ex.State("profile").State; got != StateClosed {
		t.Errorf("state = %s, want closed after three trial successes", got)
	}
}

func TestExecute_OpenWithoutFallback(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	ex := newTestExecutor(clk, DefaultConfig)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ex.Execute(ctx, "chat", failing, nil)
	}

	called := false
	err := ex.Execute(ctx, "chat", func(ctx context.Context) error { called = true; return nil }, nil)
	if called {
		t.Fatal("op must not run while the circuit is open")
	}
	if !apperr.HasCode(err, apperr.CodeServiceUnavailable) {
		t.Fatalf("err = %v, want SERVICE_UNAVAILABLE", err)
	}
}

func TestExecute_BreakersAreIndependent(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	ex := newTestExecutor(clk, DefaultConfig)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ex.Execute(ctx, "a", failing, nil)
	}

	if err := ex.Execute(ctx, "b", func(ctx context.Context) error { return nil }, nil); err != nil {
		t.Fatalf("service b should be unaffected: %v", err)
	}
	states := ex.States()
	if states["a"].State != StateOpen || states["b"].State != StateClosed {
		t.Errorf("states = %+v", states)
	}

	ex.Reset("a")
	if got := ex.State("a").State; got != StateClosed {
		t.Errorf("state after reset = %s, want closed", got)
	}
}

func TestExecute_CallTimeout(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	ex := newTestExecutor(clk, Config{CallTimeout: 20 * time.Millisecond})

	release := make(chan struct{})
	defer close(release)
	err := ex.Execute(context.Background(), "slow", func(ctx context.Context) error {
		<-release
		return nil
	}, nil)

	if !apperr.HasCode(err, apperr.CodeTimeout) {
		t.Fatalf("err = %v, want TIMEOUT", err)
	}
	if got := ex.State("slow").ConsecutiveFailures; got != 1 {
		t.Errorf("timeout should count as a failure, got %d", got)
	}
}

func TestExecute_ParentCancelDoesNotCount(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	ex := newTestExecutor(clk, DefaultConfig)
	ctx, cancel := context.WithCancel(context.Background())

	err := ex.Execute(ctx, "svc", func(ctx context.Context) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}, nil)
	if !apperr.HasCode(err, apperr.CodeCanceled) {
		t.Fatalf("err = %v, want CANCELED", err)
	}
	if got := ex.State("svc").ConsecutiveFailures; got != 0 {
		t.Errorf("cancellation counted as failure: %d", got)
	}
}

func TestRetry_NonRetryableStopsAfterOneAttempt(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"auth", &apperr.StatusError{Status: 401}},
		{"forbidden", &apperr.StatusError{Status: 403}},
		{"validation", &apperr.StatusError{Status: 422}},
		{"permission", errors.New("permission denied")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := clock.NewManual(time.Unix(0, 0))
			ex := newTestExecutor(clk, DefaultConfig)
			attempts := 0

			err := ex.Retry(context.Background(), DefaultRetryPolicy.Named("load"), func(ctx context.Context) error {
				attempts++
				return tt.err
			})

			if attempts != 1 {
				t.Errorf("attempts = %d, want 1", attempts)
			}
			ce, ok := apperr.As(err)
			if !ok {
				t.Fatalf("expected classified error, got %v", err)
			}
			if ce.Attempts() != 1 {
				t.Errorf("recorded attempts = %d, want 1", ce.Attempts())
			}
			if len(clk.Sleeps()) != 0 {
				t.Errorf("should not sleep, slept %v", clk.Sleeps())
			}
		})
	}
}

func TestRetry_ExhaustionAnnotatesAttempts(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	ex := newTestExecutor(clk, DefaultConfig)
	attempts := 0

	err := ex.Retry(context.Background(), DefaultRetryPolicy.Named("sync"), func(ctx context.Context) error {
		attempts++
		rc, ok := RetryContextFrom(ctx)
		if !ok || rc.Attempt != attempts || rc.Operation != "sync" {
			t.Errorf("retry context = %+v, ok=%v", rc, ok)
		}
		return errors.New("network request failed")
	})

	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	ce, ok := apperr.As(err)
	if !ok || ce.Code != apperr.CodeNetwork {
		t.Fatalf("err = %v, want NETWORK_ERROR", err)
	}
	if ce.Attempts() != 3 {
		t.Errorf("recorded attempts = %d, want 3", ce.Attempts())
	}

	want := []time.Duration{time.Second, 2 * time.Second}
	got := clk.Sleeps()
	if len(got) != len(want) {
		t.Fatalf("sleeps = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sleep %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestRetry_SucceedsAfterTransientFailure(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	ex := newTestExecutor(clk, DefaultConfig)
	attempts := 0

	err := ex.Retry(context.Background(), DefaultRetryPolicy, func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return errors.New("connection reset by peer")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestDo_ReturnsTypedResult(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	ex := newTestExecutor(clk, DefaultConfig)

	got, err := Do(context.Background(), ex, "profile", DefaultRetryPolicy,
		func(ctx context.Context) (string, error) { return "alice", nil },
		nil,
	)
	if err != nil || got != "alice" {
		t.Fatalf("Do = %q, %v", got, err)
	}
}

func TestDo_FallbackWhenOpen(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	ex := newTestExecutor(clk, DefaultConfig)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ex.Execute(ctx, "feed", failing, nil)
	}

	got, err := Do(ctx, ex, "feed", DefaultRetryPolicy,
		func(ctx context.Context) ([]string, error) { return nil, errBoom },
		func(ctx context.Context) ([]string, error) { return []string{"cached"}, nil },
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0] != "cached" {
		t.Errorf("got %v, want cached fallback", got)
	}
	if len(clk.Sleeps()) != 0 {
		t.Error("fallback path should not retry")
	}
}
