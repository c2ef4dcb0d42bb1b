// Package telemetry captures classified errors with their breadcrumb trail
// and ships them to one or more sinks. Sink failures never reach callers.
package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/vietddude/guardian/internal/core/apperr"
)

// Breadcrumb is one step of user or system activity leading up to an error.
type Breadcrumb struct {
	Category  string         `json:"category"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Report is the payload shipped for one classified error.
type Report struct {
	ID          string          `json:"id"`
	Code        apperr.Code     `json:"code"`
	Category    apperr.Category `json:"category"`
	Severity    apperr.Severity `json:"severity"`
	Recovery    apperr.Recovery `json:"recovery"`
	Message     string          `json:"message"`
	Cause       string          `json:"cause,omitempty"`
	UserID      string          `json:"user_id,omitempty"`
	Context     map[string]any  `json:"context,omitempty"`
	Breadcrumbs []Breadcrumb    `json:"breadcrumbs,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Sink ships reports somewhere durable.
type Sink interface {
	Send(ctx context.Context, reports []Report) error
	Close() error
}

// LogSink writes reports to a logger. It is the sink of last resort.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{log: log}
}

func (s *LogSink) Send(ctx context.Context, reports []Report) error {
	for _, r := range reports {
		level := slog.LevelInfo
		switch r.Severity {
		case apperr.SeverityCritical, apperr.SeverityHigh:
			level = slog.LevelError
		case apperr.SeverityMedium:
			level = slog.LevelWarn
		}
		s.log.Log(ctx, level, "Error report",
			"id", r.ID,
			"code", r.Code,
			"category", r.Category,
			"severity", r.Severity,
			"message", r.Message,
			"user", r.UserID,
			"breadcrumbs", len(r.Breadcrumbs),
		)
	}
	return nil
}

func (s *LogSink) Close() error { return nil }

// MultiSink fans reports out to every sink. One failing sink does not stop
// the others.
type MultiSink []Sink

func (m MultiSink) Send(ctx context.Context, reports []Report) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, reports); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
