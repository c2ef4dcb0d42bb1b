package notify

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/guardian/internal/core/clock"
	"github.com/vietddude/guardian/internal/core/domain"
	"github.com/vietddude/guardian/internal/metrics"
)

// BatchStatus is the lifecycle position of a batch.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchSent       BatchStatus = "sent"
	BatchFailed     BatchStatus = "failed"
)

// BatchKey identifies the open batch for one recipient and type.
type BatchKey struct {
	UserID string
	Type   domain.NotificationType
}

// Batch accumulates same-key notifications until ScheduledFlush.
type Batch struct {
	ID             string
	Key            BatchKey
	Items          []domain.Notification
	ScheduledFlush time.Time
	Status         BatchStatus

	seen  map[string]struct{}
	timer clock.Timer
}

var batchable = map[domain.NotificationType]bool{
	domain.NotificationNewMessage:  true,
	domain.NotificationProfileView: true,
	domain.NotificationLike:        true,
}

func shouldBatch(n domain.Notification) bool {
	return batchable[n.Type] && n.Priority < domain.PriorityCritical
}

// addToBatch appends n to its key's open batch, creating the batch and its
// flush timer on first use. Duplicate message ids are dropped.
func (d *Dispatcher) addToBatch(n domain.Notification) {
	key := BatchKey{UserID: n.UserID, Type: n.Type}

	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.batches[key]
	if !ok {
		b = &Batch{
			ID:             uuid.New().String(),
			Key:            key,
			ScheduledFlush: d.clock.Now().Add(d.cfg.BatchingDelay),
			Status:         BatchPending,
			seen:           make(map[string]struct{}),
		}
		d.batches[key] = b
		metrics.PendingBatches.Inc()
		// The timer is bound to this batch, not to the key, so it can never
		// flush a newer batch opened under the same key.
		b.timer = d.clock.AfterFunc(d.cfg.BatchingDelay, func() {
			d.flushBatch(context.Background(), b)
		})
	}

	dedup := n.DedupKey()
	if _, dup := b.seen[dedup]; dup {
		d.log.Debug("Dropping duplicate notification", "id", dedup, "user", key.UserID, "type", key.Type)
		return
	}
	b.seen[dedup] = struct{}{}
	b.Items = append(b.Items, n)
}

// Flush delivers the open batch for key now. It reports false when there is
// no pending batch.
func (d *Dispatcher) Flush(ctx context.Context, key BatchKey) bool {
	d.mu.Lock()
	b := d.batches[key]
	d.mu.Unlock()
	if b == nil {
		return false
	}
	return d.flushBatch(ctx, b)
}

// FlushAll delivers every pending batch.
func (d *Dispatcher) FlushAll(ctx context.Context) int {
	d.mu.Lock()
	pending := make([]*Batch, 0, len(d.batches))
	for _, b := range d.batches {
		pending = append(pending, b)
	}
	d.mu.Unlock()

	flushed := 0
	for _, b := range pending {
		if d.flushBatch(ctx, b) {
			flushed++
		}
	}
	return flushed
}

// PendingBatches returns a snapshot of open batches.
func (d *Dispatcher) PendingBatches() []Batch {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Batch, 0, len(d.batches))
	for _, b := range d.batches {
		out = append(out, Batch{
			ID:             b.ID,
			Key:            b.Key,
			Items:          slices.Clone(b.Items),
			ScheduledFlush: b.ScheduledFlush,
			Status:         b.Status,
		})
	}
	return out
}

// flushBatch moves b from pending to processing in one step; any other
// status means it was already flushed or discarded.
func (d *Dispatcher) flushBatch(ctx context.Context, b *Batch) bool {
	d.mu.Lock()
	if b.Status != BatchPending {
		d.mu.Unlock()
		return false
	}
	b.Status = BatchProcessing
	if d.batches[b.Key] == b {
		delete(d.batches, b.Key)
		metrics.PendingBatches.Dec()
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	items := slices.Clone(b.Items)
	d.mu.Unlock()

	if len(items) == 0 {
		d.setBatchStatus(b, BatchSent)
		return true
	}

	merged := d.merge(b, items)
	err := d.deliverOnce(ctx, merged)

	if err != nil {
		d.setBatchStatus(b, BatchFailed)
		d.log.Warn("Batch delivery failed",
			"batch", b.ID, "user", b.Key.UserID, "type", b.Key.Type, "items", len(items), "error", err)
		if d.retryOrDrop(ctx, merged, err) == OutcomeQueued {
			metrics.NotificationsTotal.WithLabelValues(string(b.Key.Type), string(OutcomeQueued)).Inc()
		}
		return true
	}

	d.setBatchStatus(b, BatchSent)
	metrics.NotificationsTotal.WithLabelValues(string(b.Key.Type), "delivered").Inc()
	d.log.Debug("Batch delivered", "batch", b.ID, "user", b.Key.UserID, "type", b.Key.Type, "items", len(items))
	return true
}

func (d *Dispatcher) setBatchStatus(b *Batch, s BatchStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b.Status = s
}

// merge folds a batch into one summary notification. A single item is
// delivered as is.
func (d *Dispatcher) merge(b *Batch, items []domain.Notification) domain.Notification {
	if len(items) == 1 {
		return items[0]
	}

	latest := items[len(items)-1]
	priority := domain.PriorityLow
	ids := make([]string, 0, len(items))
	for _, n := range items {
		priority = max(priority, n.Priority)
		ids = append(ids, n.DedupKey())
	}

	return domain.Notification{
		ID:       b.ID,
		UserID:   b.Key.UserID,
		Type:     b.Key.Type,
		Title:    SummaryText(b.Key.Type, len(items)),
		Body:     latest.Body,
		Priority: priority,
		Data: map[string]string{
			"batch_id":    b.ID,
			"batch_count": strconv.Itoa(len(items)),
			"message_ids": strings.Join(ids, ","),
		},
		CreatedAt: d.clock.Now(),
	}
}

// SummaryText is the headline of a merged batch.
func SummaryText(t domain.NotificationType, count int) string {
	switch t {
	case domain.NotificationNewMessage:
		return fmt.Sprintf("%d new messages", count)
	case domain.NotificationProfileView:
		return fmt.Sprintf("%d people viewed your profile", count)
	case domain.NotificationLike:
		return fmt.Sprintf("%d new likes", count)
	default:
		return fmt.Sprintf("%d new notifications", count)
	}
}
