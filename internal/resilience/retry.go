package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy defines retry behavior for one logical call.
type RetryPolicy struct {
	// Operation names the call in logs, metrics and error context.
	Operation string `yaml:"-"`
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	// Jitter is the upper bound of the random delay added to each backoff.
	Jitter time.Duration `yaml:"jitter"`
}

// DefaultRetryPolicy provides sensible defaults.
// 1s, 2s, 4s ... capped at 30s, plus up to 250ms jitter.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   1 * time.Second,
	MaxDelay:    30 * time.Second,
	Jitter:      250 * time.Millisecond,
}

// Named returns a copy of p for operation op.
func (p RetryPolicy) Named(op string) RetryPolicy {
	p.Operation = op
	return p
}

// BaseBackoff is the jitter-free delay after failed attempt n (1-indexed):
// min(BaseDelay * 2^(n-1), MaxDelay).
func (p RetryPolicy) BaseBackoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(n-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if delay > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// Backoff adds jitter to BaseBackoff and caps the sum at MaxDelay.
func (p RetryPolicy) Backoff(n int, jitter func(time.Duration) time.Duration) time.Duration {
	delay := p.BaseBackoff(n)
	if p.Jitter > 0 && jitter != nil {
		delay += jitter(p.Jitter)
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}

// RetryContext describes the attempt in progress. It is stored in the
// context handed to each attempt and dies with the call.
type RetryContext struct {
	Operation   string
	Attempt     int
	MaxAttempts int
	BaseDelay   time.Duration
}

type retryContextKey struct{}

func withRetryContext(ctx context.Context, rc RetryContext) context.Context {
	return context.WithValue(ctx, retryContextKey{}, rc)
}

// RetryContextFrom returns the retry context of the current attempt, if any.
func RetryContextFrom(ctx context.Context) (RetryContext, bool) {
	rc, ok := ctx.Value(retryContextKey{}).(RetryContext)
	return rc, ok
}
