// Package notify validates, gates, batches and delivers local notifications,
// and redelivers failed ones from a retry queue. Delivery failures are
// logged and never returned to the caller.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/guardian/internal/core/apperr"
	"github.com/vietddude/guardian/internal/core/clock"
	"github.com/vietddude/guardian/internal/core/domain"
	"github.com/vietddude/guardian/internal/infra/storage"
	"github.com/vietddude/guardian/internal/metrics"
	"github.com/vietddude/guardian/internal/resilience"
)

// ServicePush is the breaker name used for every transport call.
const ServicePush = "push"

// Transport is the platform push/local-notification facility.
type Transport interface {
	RequestPermissions(ctx context.Context) (bool, error)
	DeviceToken(ctx context.Context) (string, error)
	ScheduleLocalDelivery(ctx context.Context, n domain.Notification) error
}

// ErrorReporter receives failures worth tracking.
type ErrorReporter interface {
	Capture(ctx context.Context, err error, kv map[string]any) *apperr.ClassifiedError
}

// Config holds dispatcher settings.
type Config struct {
	BatchingDelay  time.Duration `yaml:"batching_delay"`
	MaxTitleLength int           `yaml:"max_title_length"`
	MaxBodyLength  int           `yaml:"max_body_length"`
	Retry          RetryConfig   `yaml:"retry"`
}

// DefaultConfig provides sensible defaults.
var DefaultConfig = Config{
	BatchingDelay:  5 * time.Minute,
	MaxTitleLength: 100,
	MaxBodyLength:  500,
	Retry:          DefaultRetryConfig,
}

// Outcome is what Send did with a notification.
type Outcome string

const (
	OutcomeDelivered  Outcome = "delivered"
	OutcomeBatched    Outcome = "batched"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeQueued     Outcome = "queued"
	OutcomeDropped    Outcome = "dropped"
)

// SendOptions tunes a single Send.
type SendOptions struct {
	// Immediate skips batching.
	Immediate bool
}

type permission int

const (
	permissionUnknown permission = iota
	permissionGranted
	permissionDenied
)

// Dispatcher is the single entry point for outbound notifications.
type Dispatcher struct {
	cfg       Config
	transport Transport
	exec      *resilience.Executor
	prefs     *PreferenceStore
	queue     *RetryQueue
	kv        storage.KV
	reporter  ErrorReporter
	clock     clock.Clock
	log       *slog.Logger

	mu          sync.Mutex
	batches     map[BatchKey]*Batch
	retryTimer  clock.Timer
	permission  permission
	deviceToken string
	handlers    map[uint64]Handlers
	nextHandler uint64
	stopped     bool
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

func WithClock(c clock.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithStore persists preferences, the retry queue and the device token.
func WithStore(kv storage.KV) Option {
	return func(d *Dispatcher) { d.kv = kv }
}

// WithReporter forwards dropped deliveries to error tracking.
func WithReporter(r ErrorReporter) Option {
	return func(d *Dispatcher) { d.reporter = r }
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg Config, transport Transport, exec *resilience.Executor, opts ...Option) *Dispatcher {
	if cfg.BatchingDelay <= 0 {
		cfg.BatchingDelay = DefaultConfig.BatchingDelay
	}
	if cfg.MaxTitleLength <= 0 {
		cfg.MaxTitleLength = DefaultConfig.MaxTitleLength
	}
	if cfg.MaxBodyLength <= 0 {
		cfg.MaxBodyLength = DefaultConfig.MaxBodyLength
	}

	d := &Dispatcher{
		cfg:       cfg,
		transport: transport,
		exec:      exec,
		clock:     clock.Real(),
		log:       slog.Default(),
		batches:   make(map[BatchKey]*Batch),
		handlers:  make(map[uint64]Handlers),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.prefs = NewPreferenceStore(d.kv)
	d.queue = NewRetryQueue(cfg.Retry, d.kv, d.clock, d.log)
	d.queue.OnDrop(d.dropped)
	d.queue.RetryIf(d.retryable)
	return d
}

// Preferences returns the preference store.
func (d *Dispatcher) Preferences() *PreferenceStore {
	return d.prefs
}

// RetryQueue returns the retry queue.
func (d *Dispatcher) RetryQueue() *RetryQueue {
	return d.queue
}

// Initialize requests delivery permission, registers the device token and
// restores queued retries. A denial makes every Send suppressed.
func (d *Dispatcher) Initialize(ctx context.Context) error {
	var granted bool
	err := d.exec.Execute(ctx, ServicePush, func(ctx context.Context) error {
		var err error
		granted, err = d.transport.RequestPermissions(ctx)
		return err
	}, nil)
	if err != nil {
		return err
	}

	d.mu.Lock()
	if granted {
		d.permission = permissionGranted
	} else {
		d.permission = permissionDenied
	}
	d.mu.Unlock()

	if !granted {
		d.log.Warn("Notification permission denied")
		return nil
	}

	var token string
	err = d.exec.Execute(ctx, ServicePush, func(ctx context.Context) error {
		var err error
		token, err = d.transport.DeviceToken(ctx)
		return err
	}, nil)
	if err != nil {
		d.log.Warn("Failed to obtain device token", "error", err)
	} else {
		d.mu.Lock()
		d.deviceToken = token
		d.mu.Unlock()
		if d.kv != nil {
			if err := d.kv.Set(ctx, storage.KeyDeviceToken, []byte(token), 0); err != nil {
				d.log.Warn("Failed to persist device token", "error", err)
			}
		}
	}

	n, err := d.queue.Restore(ctx)
	if err != nil {
		d.log.Warn("Failed to restore retry queue", "error", err)
	} else if n > 0 {
		d.log.Info("Restored queued notifications", "count", n)
	}
	d.scheduleRetry()
	return nil
}

// DeviceToken returns the registered push token, if any.
func (d *Dispatcher) DeviceToken() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deviceToken
}

// Send validates n and then suppresses, batches or delivers it. Only
// validation failures are returned; delivery failures end up in the retry
// queue.
func (d *Dispatcher) Send(ctx context.Context, n domain.Notification, opts SendOptions) (Outcome, error) {
	now := d.clock.Now()
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}

	if ce := d.validate(n); ce != nil {
		metrics.NotificationsTotal.WithLabelValues(string(n.Type), "rejected").Inc()
		d.log.Warn("Rejected notification", "user", n.UserID, "type", n.Type, "code", ce.Code, "field", ce.Context["field"])
		return "", ce
	}

	if out, suppressed := d.gate(ctx, n, now); suppressed {
		metrics.NotificationsTotal.WithLabelValues(string(n.Type), string(out)).Inc()
		return out, nil
	}

	if !opts.Immediate && shouldBatch(n) {
		d.addToBatch(n)
		metrics.NotificationsTotal.WithLabelValues(string(n.Type), string(OutcomeBatched)).Inc()
		return OutcomeBatched, nil
	}

	out := d.deliver(ctx, n)
	if out != OutcomeDropped {
		metrics.NotificationsTotal.WithLabelValues(string(n.Type), string(out)).Inc()
	}
	return out, nil
}

func (d *Dispatcher) gate(ctx context.Context, n domain.Notification, now time.Time) (Outcome, bool) {
	d.mu.Lock()
	denied := d.permission == permissionDenied
	stopped := d.stopped
	d.mu.Unlock()
	if denied || stopped {
		d.log.Debug("Notification suppressed", "user", n.UserID, "type", n.Type, "denied", denied, "stopped", stopped)
		return OutcomeSuppressed, true
	}

	prefs, err := d.prefs.Get(ctx, n.UserID)
	if err != nil {
		d.log.Warn("Failed to load preferences, using defaults", "user", n.UserID, "error", err)
	}
	if !prefs.Enabled(n.Type) {
		d.log.Debug("Notification type disabled by recipient", "user", n.UserID, "type", n.Type)
		return OutcomeSuppressed, true
	}
	if n.Priority < domain.PriorityCritical && InQuietHours(prefs.QuietHours, now) {
		d.log.Debug("Notification suppressed by quiet hours", "user", n.UserID, "type", n.Type)
		return OutcomeSuppressed, true
	}
	return "", false
}

// deliver makes one attempt and queues n for retry on failure.
func (d *Dispatcher) deliver(ctx context.Context, n domain.Notification) Outcome {
	err := d.deliverOnce(ctx, n)
	if err == nil {
		return OutcomeDelivered
	}
	return d.retryOrDrop(ctx, n, err)
}

// retryOrDrop queues n after a failed delivery. Failures that a retry cannot
// fix, such as a rejected payload, are dropped at once.
func (d *Dispatcher) retryOrDrop(ctx context.Context, n domain.Notification, err error) Outcome {
	if !d.retryable(err) {
		d.log.Warn("Notification delivery failed permanently", "id", n.ID, "user", n.UserID, "type", n.Type, "error", err)
		d.dropped(domain.RetryEntry{
			Notification: n,
			MaxRetries:   d.queue.cfg.MaxRetries,
			LastError:    err.Error(),
			CreatedAt:    d.clock.Now(),
		})
		return OutcomeDropped
	}
	d.log.Warn("Notification delivery failed, queued for retry", "id", n.ID, "user", n.UserID, "type", n.Type, "error", err)
	d.queue.Enqueue(ctx, n, err)
	d.scheduleRetry()
	return OutcomeQueued
}

func (d *Dispatcher) retryable(err error) bool {
	return d.exec.Classifier().Classify(err, nil).Retryable()
}

func (d *Dispatcher) deliverOnce(ctx context.Context, n domain.Notification) error {
	return d.exec.Execute(ctx, ServicePush, func(ctx context.Context) error {
		return d.transport.ScheduleLocalDelivery(ctx, n)
	}, nil)
}

// scheduleRetry arms one timer for the earliest queued entry.
func (d *Dispatcher) scheduleRetry() {
	next, ok := d.queue.NextDue()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.retryTimer != nil {
		d.retryTimer.Stop()
		d.retryTimer = nil
	}
	if !ok || d.stopped {
		return
	}
	delay := max(next.Sub(d.clock.Now()), 0)
	d.retryTimer = d.clock.AfterFunc(delay, func() {
		d.ProcessRetries(context.Background())
	})
}

// ProcessRetries redelivers every due entry and re-arms the retry timer.
func (d *Dispatcher) ProcessRetries(ctx context.Context) {
	delivered, dropped := d.queue.ProcessDue(ctx, d.deliverOnce)
	if delivered > 0 || dropped > 0 {
		d.log.Debug("Processed notification retries", "delivered", delivered, "dropped", dropped, "remaining", d.queue.Len())
	}
	d.scheduleRetry()
}

func (d *Dispatcher) dropped(e domain.RetryEntry) {
	metrics.NotificationsTotal.WithLabelValues(string(e.Notification.Type), "dropped").Inc()
	msg := "notification dropped after max retries"
	if e.RetryCount < e.MaxRetries {
		msg = "notification dropped after permanent failure"
	}
	ce := d.exec.Classifier().New(apperr.CodeDeliveryFailed, msg, errors.New(e.LastError)).
		WithContext(map[string]any{
			"notification_id": e.Notification.ID,
			"user_id":         e.Notification.UserID,
			"type":            string(e.Notification.Type),
			"retries":         e.RetryCount,
		})
	if d.reporter != nil {
		d.reporter.Capture(context.Background(), ce, nil)
	}
	d.emitError(ce)
}

// DiscardUser cancels userID's batches and queued retries.
func (d *Dispatcher) DiscardUser(ctx context.Context, userID string) {
	d.mu.Lock()
	discarded := 0
	for key, b := range d.batches {
		if key.UserID != userID {
			continue
		}
		if b.timer != nil {
			b.timer.Stop()
		}
		b.Status = BatchFailed
		delete(d.batches, key)
		metrics.PendingBatches.Dec()
		discarded++
	}
	d.mu.Unlock()

	removed := d.queue.RemoveUser(ctx, userID)
	d.scheduleRetry()
	if discarded > 0 || removed > 0 {
		d.log.Info("Discarded pending notifications", "user", userID, "batches", discarded, "retries", removed)
	}
}

// Stop cancels every batch timer and the retry timer. Pending batches stay
// in memory; call FlushAll first to deliver them.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for _, b := range d.batches {
		if b.timer != nil {
			b.timer.Stop()
		}
	}
	if d.retryTimer != nil {
		d.retryTimer.Stop()
		d.retryTimer = nil
	}
}
