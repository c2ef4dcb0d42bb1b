package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BreakerState is 0 closed, 1 half-open, 2 open, per service
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "guardian_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"service"},
	)

	// CallsTotal tracks executor calls by outcome
	CallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_calls_total",
			Help: "Total number of calls made through the resilient executor",
		},
		[]string{"service", "outcome"},
	)

	// CallLatency tracks wrapped call latency
	CallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "guardian_call_latency_seconds",
			Help:    "Latency of calls made through the resilient executor",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	// RetriesTotal tracks retry attempts per operation
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_retries_total",
			Help: "Total number of retry attempts",
		},
		[]string{"operation"},
	)

	// ErrorsClassified tracks classified errors by category and severity
	ErrorsClassified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_errors_total",
			Help: "Total number of classified errors reported",
		},
		[]string{"category", "severity"},
	)

	// SessionValidations tracks validation results by reason
	SessionValidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_session_validations_total",
			Help: "Session validation results",
		},
		[]string{"result"},
	)

	// SessionRefreshes tracks refresh network calls by outcome
	SessionRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_session_refreshes_total",
			Help: "Session refresh calls",
		},
		[]string{"outcome"},
	)

	// NotificationsTotal tracks send outcomes per type
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_notifications_total",
			Help: "Notification send outcomes",
		},
		[]string{"type", "outcome"},
	)

	// RetryQueueDepth tracks pending notification retries
	RetryQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "guardian_notification_retry_queue_depth",
			Help: "Notifications waiting for another delivery attempt",
		},
	)

	// PendingBatches tracks open notification batches
	PendingBatches = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "guardian_notification_pending_batches",
			Help: "Open notification batches awaiting flush",
		},
	)

	// StoragePoolUsage is the percentage of open PostgreSQL connections in use
	StoragePoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "guardian_storage_pool_usage_percent",
			Help: "PostgreSQL connection pool usage percentage",
		},
	)
)
