package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/guardian/internal/core/apperr"
	"github.com/vietddude/guardian/internal/core/clock"
	"github.com/vietddude/guardian/internal/infra/storage"
	"github.com/vietddude/guardian/internal/infra/storage/memory"
)

type mockSink struct {
	mu      sync.Mutex
	fail    error
	batches [][]Report
	closed  bool
}

func (m *mockSink) Send(ctx context.Context, reports []Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.batches = append(m.batches, append([]Report(nil), reports...))
	return nil
}

func (m *mockSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

func newTestReporter(t *testing.T, cfg Config, sink Sink, kv storage.KV) (*Reporter, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewReporter(cfg, sink, apperr.NewClassifier(clk.Now),
		WithClock(clk),
		WithLogger(logger),
		WithStore(kv),
	)
	return r, clk
}

func TestCapture_RoutesBySeverity(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		immediate bool
	}{
		{"high is immediate", &apperr.StatusError{Status: 401}, true},
		{"critical is immediate", apperr.NewClassifier(time.Now).New(apperr.CodeSessionHijack, "suspicious", nil), true},
		{"medium is buffered", errors.New("something odd"), false},
		{"low is buffered", apperr.NewClassifier(time.Now).New(apperr.CodeDeliveryFailed, "dropped", nil), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &mockSink{}
			r, _ := newTestReporter(t, DefaultConfig, sink, memory.NewMemoryStorage())

			r.Capture(context.Background(), tt.err, nil)

			got := sink.count() == 1
			if got != tt.immediate {
				t.Errorf("sent immediately = %v, want %v", got, tt.immediate)
			}
		})
	}
}

func TestCapture_BufferFlushesOnInterval(t *testing.T) {
	sink := &mockSink{}
	r, clk := newTestReporter(t, DefaultConfig, sink, nil)

	r.Capture(context.Background(), errors.New("first"), nil)
	clk.Advance(10 * time.Second)
	r.Capture(context.Background(), errors.New("second"), nil)

	clk.Advance(19 * time.Second)
	if sink.count() != 0 {
		t.Fatal("buffer flushed early")
	}

	clk.Advance(time.Second)
	if sink.count() != 2 || len(sink.batches) != 1 {
		t.Errorf("expected one batch of 2, got %d reports in %d batches", sink.count(), len(sink.batches))
	}
	if clk.Pending() != 0 {
		t.Error("no timer should remain after flush")
	}
}

func TestCapture_BufferFlushesWhenFull(t *testing.T) {
	sink := &mockSink{}
	cfg := DefaultConfig
	cfg.MaxBatch = 3
	r, clk := newTestReporter(t, cfg, sink, nil)

	for range 3 {
		r.Capture(context.Background(), errors.New("odd"), nil)
	}

	if sink.count() != 3 {
		t.Errorf("sent %d, want 3 once the batch is full", sink.count())
	}
	if clk.Pending() != 0 {
		t.Error("flush timer should be cancelled")
	}
}

func TestCapture_CriticalCrashPayload(t *testing.T) {
	kv := memory.NewMemoryStorage()
	sink := &mockSink{fail: errors.New("offline")}
	r, _ := newTestReporter(t, DefaultConfig, sink, kv)

	ce := r.Capture(context.Background(),
		apperr.NewClassifier(time.Now).New(apperr.CodeSessionHijack, "suspicious", nil), nil)

	keys, _ := kv.Keys(context.Background(), storage.PrefixCrash)
	if len(keys) != 1 || keys[0] != storage.PrefixCrash+ce.ID {
		t.Fatalf("crash payloads = %v, want one for %s", keys, ce.ID)
	}

	sink.mu.Lock()
	sink.fail = nil
	sink.mu.Unlock()

	n, err := r.RecoverCrashes(context.Background())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 || sink.count() != 1 {
		t.Errorf("recovered %d, sent %d; want 1/1", n, sink.count())
	}
	keys, _ = kv.Keys(context.Background(), storage.PrefixCrash)
	if len(keys) != 0 {
		t.Errorf("crash payloads left: %v", keys)
	}
}

func TestCapture_CriticalDeletesPayloadAfterSend(t *testing.T) {
	kv := memory.NewMemoryStorage()
	sink := &mockSink{}
	r, _ := newTestReporter(t, DefaultConfig, sink, kv)

	r.Capture(context.Background(),
		apperr.NewClassifier(time.Now).New(apperr.CodeSessionHijack, "suspicious", nil), nil)

	keys, _ := kv.Keys(context.Background(), storage.PrefixCrash)
	if len(keys) != 0 || sink.count() != 1 {
		t.Errorf("keys=%v sent=%d, want none left and 1 sent", keys, sink.count())
	}
}

func TestCapture_AttachesBreadcrumbsAndUser(t *testing.T) {
	sink := &mockSink{}
	cfg := DefaultConfig
	cfg.MaxBreadcrumbs = 2
	r, _ := newTestReporter(t, cfg, sink, nil)

	r.SetUser("u1")
	r.Breadcrumb("nav", "opened chat", nil)
	r.Breadcrumb("session", "refreshed", map[string]any{"attempt": 1})
	r.Breadcrumb("http", "POST /messages", nil)

	r.Capture(context.Background(), &apperr.StatusError{Status: 403}, map[string]any{"screen": "chat"})

	rep := sink.batches[0][0]
	if rep.UserID != "u1" {
		t.Errorf("user = %q", rep.UserID)
	}
	if len(rep.Breadcrumbs) != 2 || rep.Breadcrumbs[0].Message != "refreshed" {
		t.Errorf("breadcrumbs = %+v, want last two", rep.Breadcrumbs)
	}
	if rep.Context["screen"] != "chat" {
		t.Errorf("context = %v", rep.Context)
	}
	if rep.Cause == "" {
		t.Error("cause should be recorded")
	}
}

func TestCapture_SinkFailureSwallowed(t *testing.T) {
	sink := &mockSink{fail: errors.New("offline")}
	r, _ := newTestReporter(t, DefaultConfig, sink, nil)

	ce := r.Capture(context.Background(), &apperr.StatusError{Status: 401}, nil)
	if ce == nil || ce.Code != apperr.CodeAuthExpired {
		t.Errorf("classified = %v", ce)
	}
	if r.Capture(context.Background(), nil, nil) != nil {
		t.Error("nil error should capture nothing")
	}
}

func TestClose_FlushesAndClosesSink(t *testing.T) {
	sink := &mockSink{}
	r, clk := newTestReporter(t, DefaultConfig, sink, nil)

	r.Capture(context.Background(), errors.New("odd"), nil)
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	if sink.count() != 1 || !sink.closed {
		t.Errorf("sent=%d closed=%v", sink.count(), sink.closed)
	}
	if clk.Pending() != 0 {
		t.Error("timer left after close")
	}
}

func TestMultiSink_ContinuesPastFailure(t *testing.T) {
	bad := &mockSink{fail: errors.New("down")}
	good := &mockSink{}
	m := MultiSink{bad, good}

	err := m.Send(context.Background(), []Report{{ID: "r1"}})
	if err == nil {
		t.Error("expected joined error")
	}
	if good.count() != 1 {
		t.Error("healthy sink should still receive the report")
	}
}
