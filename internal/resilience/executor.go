// Package resilience wraps remote calls in a per-service circuit breaker and
// a classification-aware retry loop.
//
// This package contains:
//   - Executor: breaker + retry around any remote call
//   - BreakerConfig / BreakerSnapshot: breaker settings and inspection
//   - RetryPolicy: exponential backoff with jitter and a hard cap
//   - Do: generic helper returning a typed result
package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/guardian/internal/core/apperr"
	"github.com/vietddude/guardian/internal/core/clock"
	"github.com/vietddude/guardian/internal/metrics"
)

// Operation is a remote call. It must honour ctx.
type Operation func(ctx context.Context) error

type anyOp func(ctx context.Context) (any, error)

// Config holds executor settings.
type Config struct {
	Breaker BreakerConfig `yaml:"breaker"`
	// CallTimeout is the hard deadline applied to every wrapped call.
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// DefaultConfig provides sensible defaults.
var DefaultConfig = Config{
	Breaker:     DefaultBreakerConfig,
	CallTimeout: 15 * time.Second,
}

// Executor owns one breaker per logical service for its whole lifetime.
type Executor struct {
	cfg        Config
	clock      clock.Clock
	classifier *apperr.Classifier
	log        *slog.Logger
	jitter     func(time.Duration) time.Duration

	mu       sync.Mutex
	breakers map[string]*breaker
}

// Option customises an Executor.
type Option func(*Executor)

// WithClock sets the clock used for breaker timing and backoff sleeps.
func WithClock(c clock.Clock) Option {
	return func(e *Executor) { e.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.log = l }
}

// WithJitter replaces the random jitter source.
func WithJitter(f func(time.Duration) time.Duration) Option {
	return func(e *Executor) { e.jitter = f }
}

// NewExecutor creates an executor.
func NewExecutor(cfg Config, classifier *apperr.Classifier, opts ...Option) *Executor {
	if cfg.Breaker.FailureThreshold <= 0 {
		cfg.Breaker.FailureThreshold = DefaultBreakerConfig.FailureThreshold
	}
	if cfg.Breaker.OpenTimeout <= 0 {
		cfg.Breaker.OpenTimeout = DefaultBreakerConfig.OpenTimeout
	}
	if cfg.Breaker.HalfOpenSuccesses <= 0 {
		cfg.Breaker.HalfOpenSuccesses = DefaultBreakerConfig.HalfOpenSuccesses
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig.CallTimeout
	}

	e := &Executor{
		cfg:      cfg,
		clock:    clock.Real(),
		log:      slog.Default(),
		jitter:   randomJitter,
		breakers: make(map[string]*breaker),
	}
	for _, opt := range opts {
		opt(e)
	}
	if classifier == nil {
		classifier = apperr.NewClassifier(e.clock.Now)
	}
	e.classifier = classifier
	return e
}

// Execute runs op behind the breaker for service. While the circuit is open
// op is never invoked: fallback runs instead, or SERVICE_UNAVAILABLE is
// returned.
func (e *Executor) Execute(ctx context.Context, service string, op, fallback Operation) error {
	_, err := e.execute(ctx, service, discard(op), discard(fallback))
	return err
}

// Retry runs op up to policy.MaxAttempts times, sleeping between attempts.
// Non-retryable classifications stop the loop after the failing attempt.
func (e *Executor) Retry(ctx context.Context, policy RetryPolicy, op Operation) error {
	_, err := e.retry(ctx, policy, discard(op))
	return err
}

// ExecuteWithRetry retries a breaker-guarded call.
func (e *Executor) ExecuteWithRetry(
	ctx context.Context,
	service string,
	policy RetryPolicy,
	op, fallback Operation,
) error {
	_, err := e.retry(ctx, policy, func(ctx context.Context) (any, error) {
		return e.execute(ctx, service, discard(op), discard(fallback))
	})
	return err
}

// Do is the typed form of ExecuteWithRetry.
func Do[T any](
	ctx context.Context,
	e *Executor,
	service string,
	policy RetryPolicy,
	op func(ctx context.Context) (T, error),
	fallback func(ctx context.Context) (T, error),
) (T, error) {
	var fb anyOp
	if fallback != nil {
		fb = func(ctx context.Context) (any, error) { return fallback(ctx) }
	}
	out, err := e.retry(ctx, policy, func(ctx context.Context) (any, error) {
		return e.execute(ctx, service, func(ctx context.Context) (any, error) { return op(ctx) }, fb)
	})

	var zero T
	if err != nil {
		return zero, err
	}
	v, ok := out.(T)
	if !ok {
		return zero, nil
	}
	return v, nil
}

func (e *Executor) execute(ctx context.Context, service string, op, fallback anyOp) (any, error) {
	b := e.breaker(service)
	adm := b.allow(e.clock.Now())
	if !adm.allowed {
		metrics.CallsTotal.WithLabelValues(service, "rejected").Inc()
		if fallback != nil {
			e.log.Debug("Circuit open, using fallback", "service", service)
			return fallback(ctx)
		}
		return nil, e.classifier.New(
			apperr.CodeServiceUnavailable,
			fmt.Sprintf("circuit open for %s", service),
			nil,
		).WithContext(map[string]any{"service": service})
	}
	if adm.trial {
		e.log.Debug("Circuit half-open, allowing trial call", "service", service)
		e.observe(b)
	}

	start := time.Now()
	out, err := e.call(ctx, op)
	metrics.CallLatency.WithLabelValues(service).Observe(time.Since(start).Seconds())

	if err == nil {
		if b.onSuccess(adm) {
			e.log.Info("Circuit closed", "service", service)
		}
		e.observe(b)
		metrics.CallsTotal.WithLabelValues(service, "success").Inc()
		return out, nil
	}

	if ctx.Err() != nil {
		// The caller gave up; that says nothing about the service.
		b.release(adm)
		metrics.CallsTotal.WithLabelValues(service, "canceled").Inc()
		return nil, e.classifier.Classify(err, map[string]any{"service": service})
	}

	if b.onFailure(adm, e.clock.Now()) {
		e.log.Warn("Circuit opened", "service", service, "error", err)
	}
	e.observe(b)
	metrics.CallsTotal.WithLabelValues(service, "failure").Inc()
	return nil, e.classifier.Classify(err, map[string]any{"service": service})
}

// call runs op under the hard timeout. The executor stops waiting at the
// deadline even when op ignores its context.
func (e *Executor) call(ctx context.Context, op anyOp) (any, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	type result struct {
		v   any
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := op(callCtx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-callCtx.Done():
		return nil, callCtx.Err()
	}
}

func (e *Executor) retry(ctx context.Context, policy RetryPolicy, op anyOp) (any, error) {
	maxAttempts := max(policy.MaxAttempts, 1)

	var last *apperr.ClassifiedError
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attemptCtx := withRetryContext(ctx, RetryContext{
			Operation:   policy.Operation,
			Attempt:     attempt,
			MaxAttempts: maxAttempts,
			BaseDelay:   policy.BaseDelay,
		})

		out, err := op(attemptCtx)
		if err == nil {
			return out, nil
		}

		last = e.classifier.Classify(err, map[string]any{
			"operation": policy.Operation,
			"attempt":   attempt,
		})
		if !last.Retryable() {
			return nil, last.WithContext(map[string]any{"attempts": attempt})
		}
		if attempt == maxAttempts {
			break
		}

		delay := policy.Backoff(attempt, e.jitter)
		metrics.RetriesTotal.WithLabelValues(policy.Operation).Inc()
		e.log.Debug("Retrying operation",
			"operation", policy.Operation,
			"attempt", attempt,
			"delay", delay,
			"code", last.Code,
		)
		if err := e.clock.Sleep(ctx, delay); err != nil {
			return nil, e.classifier.Classify(err, nil).WithContext(map[string]any{"attempts": attempt})
		}
	}

	return nil, last.WithContext(map[string]any{"attempts": maxAttempts})
}

func (e *Executor) breaker(service string) *breaker {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.breakers[service]
	if !ok {
		b = newBreaker(service, e.cfg.Breaker)
		e.breakers[service] = b
	}
	return b
}

func (e *Executor) observe(b *breaker) {
	snap := b.snapshot()
	var v float64
	switch snap.State {
	case StateHalfOpen:
		v = 1
	case StateOpen:
		v = 2
	}
	metrics.BreakerState.WithLabelValues(snap.Service).Set(v)
}

// State returns the breaker snapshot for service.
func (e *Executor) State(service string) BreakerSnapshot {
	return e.breaker(service).snapshot()
}

// States returns snapshots of every breaker seen so far.
func (e *Executor) States() map[string]BreakerSnapshot {
	e.mu.Lock()
	breakers := make([]*breaker, 0, len(e.breakers))
	for _, b := range e.breakers {
		breakers = append(breakers, b)
	}
	e.mu.Unlock()

	out := make(map[string]BreakerSnapshot, len(breakers))
	for _, b := range breakers {
		snap := b.snapshot()
		out[snap.Service] = snap
	}
	return out
}

// Reset closes the circuit for service.
func (e *Executor) Reset(service string) {
	b := e.breaker(service)
	b.reset()
	e.observe(b)
}

// Classifier returns the classifier the executor uses.
func (e *Executor) Classifier() *apperr.Classifier {
	return e.classifier
}

func discard(op Operation) anyOp {
	if op == nil {
		return nil
	}
	return func(ctx context.Context) (any, error) {
		return nil, op(ctx)
	}
}
