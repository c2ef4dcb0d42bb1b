package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/guardian/internal/core/clock"
	"github.com/vietddude/guardian/internal/core/domain"
	"github.com/vietddude/guardian/internal/infra/storage"
	"github.com/vietddude/guardian/internal/metrics"
)

// RetryConfig controls redelivery of failed notifications.
type RetryConfig struct {
	// BaseDelay is multiplied by the retry count: 1x, 2x, 3x ...
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxRetries int           `yaml:"max_retries"`
}

// DefaultRetryConfig provides sensible defaults.
var DefaultRetryConfig = RetryConfig{
	BaseDelay:  30 * time.Second,
	MaxRetries: 3,
}

// DeliverFunc makes one delivery attempt.
type DeliverFunc func(ctx context.Context, n domain.Notification) error

// RetryQueue holds failed deliveries until they are due again. The queue is
// snapshotted to storage after every change.
type RetryQueue struct {
	cfg   RetryConfig
	kv    storage.KV
	clock clock.Clock
	log   *slog.Logger

	mu      sync.Mutex
	entries []*domain.RetryEntry

	onDrop    func(domain.RetryEntry)
	retryable func(error) bool
}

// NewRetryQueue creates a queue. kv may be nil.
func NewRetryQueue(cfg RetryConfig, kv storage.KV, clk clock.Clock, log *slog.Logger) *RetryQueue {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultRetryConfig.BaseDelay
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultRetryConfig.MaxRetries
	}
	if log == nil {
		log = slog.Default()
	}
	return &RetryQueue{cfg: cfg, kv: kv, clock: clock.OrReal(clk), log: log}
}

// OnDrop registers the callback for entries that ran out of retries.
func (q *RetryQueue) OnDrop(f func(domain.RetryEntry)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onDrop = f
}

// RetryIf sets the predicate deciding whether a failed attempt is worth
// another try. Entries failing with a non-retryable error are dropped at once.
func (q *RetryQueue) RetryIf(f func(error) bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retryable = f
}

// Enqueue schedules n for its first retry.
func (q *RetryQueue) Enqueue(ctx context.Context, n domain.Notification, cause error) domain.RetryEntry {
	now := q.clock.Now()
	e := &domain.RetryEntry{
		ID:           uuid.New().String(),
		Notification: n,
		RetryCount:   1,
		MaxRetries:   q.cfg.MaxRetries,
		NextAttempt:  now.Add(q.cfg.BaseDelay),
		CreatedAt:    now,
	}
	if cause != nil {
		e.LastError = cause.Error()
	}

	q.mu.Lock()
	q.insertLocked(e)
	q.mu.Unlock()

	q.persist(ctx)
	return *e
}

// ProcessDue attempts every entry whose NextAttempt has passed. Failures are
// rescheduled at BaseDelay * RetryCount until MaxRetries is exceeded or the
// RetryIf predicate rejects the error.
func (q *RetryQueue) ProcessDue(ctx context.Context, deliver DeliverFunc) (delivered, dropped int) {
	now := q.clock.Now()

	q.mu.Lock()
	var due []*domain.RetryEntry
	q.entries = slices.DeleteFunc(q.entries, func(e *domain.RetryEntry) bool {
		if !e.NextAttempt.After(now) {
			due = append(due, e)
			return true
		}
		return false
	})
	onDrop, retryable := q.onDrop, q.retryable
	q.mu.Unlock()

	if len(due) == 0 {
		return 0, 0
	}

	for _, e := range due {
		err := deliver(ctx, e.Notification)
		if err == nil {
			delivered++
			continue
		}

		e.LastError = err.Error()
		permanent := retryable != nil && !retryable(err)
		if permanent || e.RetryCount >= e.MaxRetries {
			dropped++
			q.log.Warn("Dropping notification",
				"id", e.Notification.ID,
				"user", e.Notification.UserID,
				"type", e.Notification.Type,
				"retries", e.RetryCount,
				"permanent", permanent,
				"error", err,
			)
			if onDrop != nil {
				onDrop(*e)
			}
			continue
		}

		e.RetryCount++
		e.NextAttempt = q.clock.Now().Add(q.cfg.BaseDelay * time.Duration(e.RetryCount))
		q.mu.Lock()
		q.insertLocked(e)
		q.mu.Unlock()
	}

	q.persist(ctx)
	return delivered, dropped
}

// NextDue returns the earliest scheduled attempt.
func (q *RetryQueue) NextDue() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return time.Time{}, false
	}
	return q.entries[0].NextAttempt, true
}

// Len returns the number of queued entries.
func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Entries returns a copy of the queue, earliest first.
func (q *RetryQueue) Entries() []domain.RetryEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.RetryEntry, len(q.entries))
	for i, e := range q.entries {
		out[i] = *e
	}
	return out
}

// RemoveUser drops every entry addressed to userID.
func (q *RetryQueue) RemoveUser(ctx context.Context, userID string) int {
	q.mu.Lock()
	before := len(q.entries)
	q.entries = slices.DeleteFunc(q.entries, func(e *domain.RetryEntry) bool {
		return e.Notification.UserID == userID
	})
	removed := before - len(q.entries)
	q.mu.Unlock()

	if removed > 0 {
		q.persist(ctx)
	}
	return removed
}

// Restore loads the persisted snapshot, replacing the in-memory queue.
func (q *RetryQueue) Restore(ctx context.Context) (int, error) {
	if q.kv == nil {
		return 0, nil
	}
	var snapshot []*domain.RetryEntry
	err := storage.GetJSON(ctx, q.kv, storage.KeyRetryQueue, &snapshot)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to restore retry queue: %w", err)
	}

	q.mu.Lock()
	q.entries = q.entries[:0]
	for _, e := range snapshot {
		q.insertLocked(e)
	}
	n := len(q.entries)
	q.mu.Unlock()

	metrics.RetryQueueDepth.Set(float64(n))
	return n, nil
}

func (q *RetryQueue) insertLocked(e *domain.RetryEntry) {
	i, _ := slices.BinarySearchFunc(q.entries, e, func(a, b *domain.RetryEntry) int {
		if a.NextAttempt.After(b.NextAttempt) {
			return 1
		}
		return -1
	})
	q.entries = slices.Insert(q.entries, i, e)
}

func (q *RetryQueue) persist(ctx context.Context) {
	q.mu.Lock()
	snapshot := make([]domain.RetryEntry, len(q.entries))
	for i, e := range q.entries {
		snapshot[i] = *e
	}
	q.mu.Unlock()

	metrics.RetryQueueDepth.Set(float64(len(snapshot)))
	if q.kv == nil {
		return
	}
	if err := storage.SetJSON(ctx, q.kv, storage.KeyRetryQueue, snapshot, 0); err != nil {
		q.log.Warn("Failed to persist retry queue", "error", err)
	}
}
