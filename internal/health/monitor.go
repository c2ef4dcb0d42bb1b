package health

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/vietddude/guardian/internal/resilience"
)

// Check inspects one component.
type Check func(ctx context.Context) ComponentHealth

// Monitor aggregates health status from registered component checks.
type Monitor struct {
	checks     map[string]Check
	minPeriod  time.Duration
	now        func() time.Time
	lastCheck  time.Time
	lastReport HealthReport
	mu         sync.Mutex
}

// NewMonitor creates a monitor that re-runs its checks at most once per
// minPeriod.
func NewMonitor(minPeriod time.Duration) *Monitor {
	return &Monitor{
		checks:    make(map[string]Check),
		minPeriod: minPeriod,
		now:       time.Now,
	}
}

// Register adds or replaces the check for name.
func (m *Monitor) Register(name string, check Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
	m.lastCheck = time.Time{}
}

// CheckHealth runs every check. The worst component status wins.
func (m *Monitor) CheckHealth(ctx context.Context) HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if !m.lastCheck.IsZero() && now.Sub(m.lastCheck) < m.minPeriod {
		return m.lastReport
	}

	report := HealthReport{
		SystemStatus: StatusHealthy,
		Components:   make(map[string]ComponentHealth, len(m.checks)),
		CheckedAt:    now,
	}
	for _, name := range slices.Sorted(maps.Keys(m.checks)) {
		h := m.checks[name](ctx)
		if h.Status == "" {
			h.Status = StatusHealthy
		}
		report.Components[name] = h
		if h.Status.rank() > report.SystemStatus.rank() {
			report.SystemStatus = h.Status
		}
	}

	m.lastCheck = now
	m.lastReport = report
	return report
}

// BreakerCheck reports open circuits as degraded and half-open ones in the
// detail.
func BreakerCheck(exec *resilience.Executor) Check {
	return func(ctx context.Context) ComponentHealth {
		h := ComponentHealth{Status: StatusHealthy, Metrics: map[string]any{}}
		var open []string
		for service, snap := range exec.States() {
			h.Metrics[service] = string(snap.State)
			if snap.State == resilience.StateOpen {
				open = append(open, service)
			}
		}
		if len(open) > 0 {
			slices.Sort(open)
			h.Status = StatusDegraded
			h.Detail = "open circuits: " + strings.Join(open, ", ")
		}
		return h
	}
}

// PingCheck reports critical when ping fails.
func PingCheck(timeout time.Duration, ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) ComponentHealth {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		start := time.Now()
		if err := ping(ctx); err != nil {
			return ComponentHealth{Status: StatusCritical, Detail: err.Error()}
		}
		return ComponentHealth{
			Status:  StatusHealthy,
			Metrics: map[string]any{"latency_ms": time.Since(start).Milliseconds()},
		}
	}
}

// ThresholdCheck reports degraded once value exceeds degraded and critical
// once it exceeds critical. A zero threshold is ignored.
func ThresholdCheck(metric string, value func() int, degraded, critical int) Check {
	return func(ctx context.Context) ComponentHealth {
		v := value()
		h := ComponentHealth{Status: StatusHealthy, Metrics: map[string]any{metric: v}}
		switch {
		case critical > 0 && v > critical:
			h.Status = StatusCritical
			h.Detail = fmt.Sprintf("%s %d above %d", metric, v, critical)
		case degraded > 0 && v > degraded:
			h.Status = StatusDegraded
			h.Detail = fmt.Sprintf("%s %d above %d", metric, v, degraded)
		}
		return h
	}
}
