package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/vietddude/guardian/internal/core/apperr"
	"github.com/vietddude/guardian/internal/core/clock"
	"github.com/vietddude/guardian/internal/infra/storage"
	"github.com/vietddude/guardian/internal/metrics"
)

// Config controls buffering of low-priority reports.
type Config struct {
	FlushInterval  time.Duration `yaml:"flush_interval"`
	MaxBatch       int           `yaml:"max_batch"`
	MaxBreadcrumbs int           `yaml:"max_breadcrumbs"`
}

// DefaultConfig provides sensible defaults.
var DefaultConfig = Config{
	FlushInterval:  30 * time.Second,
	MaxBatch:       50,
	MaxBreadcrumbs: 50,
}

// Reporter classifies captured errors and routes them by severity:
// critical errors are persisted as crash payloads before they are sent,
// high ones are sent at once and the rest are buffered.
type Reporter struct {
	cfg        Config
	sink       Sink
	classifier *apperr.Classifier
	kv         storage.KV
	clock      clock.Clock
	log        *slog.Logger

	mu          sync.Mutex
	buffer      []Report
	breadcrumbs []Breadcrumb
	userID      string
	timer       clock.Timer
	closed      bool
}

type Option func(*Reporter)

func WithClock(c clock.Clock) Option {
	return func(r *Reporter) { r.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Reporter) { r.log = l }
}

// WithStore enables crash payloads.
func WithStore(kv storage.KV) Option {
	return func(r *Reporter) { r.kv = kv }
}

// NewReporter creates a reporter. A nil sink logs reports.
func NewReporter(cfg Config, sink Sink, classifier *apperr.Classifier, opts ...Option) *Reporter {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig.FlushInterval
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = DefaultConfig.MaxBatch
	}
	if cfg.MaxBreadcrumbs <= 0 {
		cfg.MaxBreadcrumbs = DefaultConfig.MaxBreadcrumbs
	}

	r := &Reporter{
		cfg:   cfg,
		clock: clock.Real(),
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if sink == nil {
		sink = NewLogSink(r.log)
	}
	r.sink = sink
	if classifier == nil {
		classifier = apperr.NewClassifier(r.clock.Now)
	}
	r.classifier = classifier
	return r
}

// SetUser tags subsequent reports with userID. Empty clears it.
func (r *Reporter) SetUser(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.userID = userID
}

// Breadcrumb records an activity step.
func (r *Reporter) Breadcrumb(category, message string, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breadcrumbs = append(r.breadcrumbs, Breadcrumb{
		Category:  category,
		Message:   message,
		Data:      maps.Clone(data),
		Timestamp: r.clock.Now(),
	})
	if over := len(r.breadcrumbs) - r.cfg.MaxBreadcrumbs; over > 0 {
		r.breadcrumbs = append(r.breadcrumbs[:0:0], r.breadcrumbs[over:]...)
	}
}

// Breadcrumbs returns the retained trail, oldest first.
func (r *Reporter) Breadcrumbs() []Breadcrumb {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Breadcrumb(nil), r.breadcrumbs...)
}

// Capture classifies err and reports it. It never fails; the classified
// error is returned for the caller's own handling.
func (r *Reporter) Capture(ctx context.Context, err error, kv map[string]any) *apperr.ClassifiedError {
	if err == nil {
		return nil
	}
	ce := r.classifier.Classify(err, nil).WithContext(kv)
	metrics.ErrorsClassified.WithLabelValues(string(ce.Category), string(ce.Severity)).Inc()

	rep := r.newReport(ce)
	switch ce.Severity {
	case apperr.SeverityCritical:
		r.sendCritical(ctx, rep)
	case apperr.SeverityHigh:
		r.send(ctx, []Report{rep})
	default:
		r.enqueue(ctx, rep)
	}
	return ce
}

func (r *Reporter) newReport(ce *apperr.ClassifiedError) Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep := Report{
		ID:          ce.ID,
		Code:        ce.Code,
		Category:    ce.Category,
		Severity:    ce.Severity,
		Recovery:    ce.Recovery,
		Message:     ce.Message,
		UserID:      r.userID,
		Context:     maps.Clone(ce.Context),
		Breadcrumbs: append([]Breadcrumb(nil), r.breadcrumbs...),
		Timestamp:   ce.Timestamp,
	}
	if cause := errors.Unwrap(ce); cause != nil {
		rep.Cause = cause.Error()
	}
	return rep
}

// sendCritical writes the crash payload before sending so the report
// survives a process that dies mid-send.
func (r *Reporter) sendCritical(ctx context.Context, rep Report) {
	key := storage.PrefixCrash + rep.ID
	saved := false
	if r.kv != nil {
		if err := storage.SetJSON(ctx, r.kv, key, rep, 0); err != nil {
			r.log.Warn("Failed to persist crash payload", "id", rep.ID, "error", err)
		} else {
			saved = true
		}
	}

	if !r.send(ctx, []Report{rep}) || !saved {
		return
	}
	if err := r.kv.Delete(ctx, key); err != nil {
		r.log.Warn("Failed to delete crash payload", "id", rep.ID, "error", err)
	}
}

func (r *Reporter) enqueue(ctx context.Context, rep Report) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.send(ctx, []Report{rep})
		return
	}
	r.buffer = append(r.buffer, rep)
	full := len(r.buffer) >= r.cfg.MaxBatch
	if !full && r.timer == nil {
		r.timer = r.clock.AfterFunc(r.cfg.FlushInterval, func() {
			r.Flush(context.Background())
		})
	}
	r.mu.Unlock()

	if full {
		r.Flush(ctx)
	}
}

// Flush sends every buffered report and returns how many were sent.
func (r *Reporter) Flush(ctx context.Context) int {
	r.mu.Lock()
	batch := r.buffer
	r.buffer = nil
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.mu.Unlock()

	if len(batch) == 0 {
		return 0
	}
	r.send(ctx, batch)
	return len(batch)
}

func (r *Reporter) send(ctx context.Context, reports []Report) bool {
	if err := r.sink.Send(ctx, reports); err != nil {
		r.log.Warn("Failed to send error reports", "count", len(reports), "error", err)
		return false
	}
	return true
}

// RecoverCrashes resends crash payloads left behind by an earlier run and
// deletes the ones that were delivered.
func (r *Reporter) RecoverCrashes(ctx context.Context) (int, error) {
	if r.kv == nil {
		return 0, nil
	}
	keys, err := r.kv.Keys(ctx, storage.PrefixCrash)
	if err != nil {
		return 0, fmt.Errorf("failed to list crash payloads: %w", err)
	}

	recovered := 0
	for _, key := range keys {
		var rep Report
		if err := storage.GetJSON(ctx, r.kv, key, &rep); err != nil {
			r.log.Warn("Discarding unreadable crash payload", "key", key, "error", err)
			_ = r.kv.Delete(ctx, key)
			continue
		}
		if !r.send(ctx, []Report{rep}) {
			continue
		}
		if err := r.kv.Delete(ctx, key); err != nil {
			r.log.Warn("Failed to delete crash payload", "key", key, "error", err)
		}
		recovered++
	}
	if recovered > 0 {
		r.log.Info("Recovered crash reports", "count", recovered)
	}
	return recovered, nil
}

// Close flushes the buffer, cancels the flush timer and closes the sink.
func (r *Reporter) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.Flush(ctx)
	return r.sink.Close()
}
