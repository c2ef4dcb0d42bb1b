package resilience

import (
	"sync"
	"time"
)

// State is a circuit breaker position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// BreakerConfig defines when a circuit opens and how it recovers.
type BreakerConfig struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int `yaml:"failure_threshold"`
	// OpenTimeout is how long an open circuit rejects calls.
	OpenTimeout time.Duration `yaml:"open_timeout"`
	// HalfOpenSuccesses consecutive trial successes close the circuit.
	HalfOpenSuccesses int `yaml:"half_open_successes"`
}

// DefaultBreakerConfig provides sensible defaults.
var DefaultBreakerConfig = BreakerConfig{
	FailureThreshold:  3,
	OpenTimeout:       60 * time.Second,
	HalfOpenSuccesses: 3,
}

// BreakerSnapshot is a copy of one service's breaker state.
type BreakerSnapshot struct {
	Service             string    `json:"service"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailure         time.Time `json:"last_failure"`
	HalfOpenSuccesses   int       `json:"half_open_successes"`
}

// breaker tracks one service. All transitions happen under mu, so the
// open -> half-open check and the trial reservation are a single step.
type breaker struct {
	mu  sync.Mutex
	cfg BreakerConfig

	service          string
	state            State
	consecutiveFails int
	lastFailure      time.Time
	halfOpenSuccess  int
	trialInFlight    bool
}

func newBreaker(service string, cfg BreakerConfig) *breaker {
	return &breaker{service: service, cfg: cfg, state: StateClosed}
}

// admission is the result of asking the breaker for permission to call.
type admission struct {
	allowed bool
	trial   bool
}

func (b *breaker) allow(now time.Time) admission {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if now.Sub(b.lastFailure) < b.cfg.OpenTimeout {
			return admission{}
		}
		b.state = StateHalfOpen
		b.halfOpenSuccess = 0
		b.trialInFlight = true
		return admission{allowed: true, trial: true}
	case StateHalfOpen:
		if b.trialInFlight {
			return admission{}
		}
		b.trialInFlight = true
		return admission{allowed: true, trial: true}
	default:
		return admission{allowed: true}
	}
}

// onSuccess returns true when the call closed the circuit.
func (b *breaker) onSuccess(a admission) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFails = 0
	if !a.trial || b.state != StateHalfOpen {
		return false
	}
	b.trialInFlight = false
	b.halfOpenSuccess++
	if b.halfOpenSuccess >= b.cfg.HalfOpenSuccesses {
		b.state = StateClosed
		b.halfOpenSuccess = 0
		return true
	}
	return false
}

// onFailure returns true when the call opened the circuit.
func (b *breaker) onFailure(a admission, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFails++
	b.lastFailure = now

	if a.trial && b.state == StateHalfOpen {
		b.trialInFlight = false
		b.halfOpenSuccess = 0
		b.state = StateOpen
		return true
	}
	if b.state == StateClosed && b.consecutiveFails >= b.cfg.FailureThreshold {
		b.state = StateOpen
		return true
	}
	return false
}

// release gives back a trial slot without recording an outcome.
func (b *breaker) release(a admission) {
	if !a.trial {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trialInFlight = false
}

func (b *breaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.consecutiveFails = 0
	b.halfOpenSuccess = 0
	b.trialInFlight = false
}

func (b *breaker) snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		Service:             b.service,
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFails,
		LastFailure:         b.lastFailure,
		HalfOpenSuccesses:   b.halfOpenSuccess,
	}
}
