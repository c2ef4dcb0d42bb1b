package control

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vietddude/guardian/internal/core/apperr"
	"github.com/vietddude/guardian/internal/core/clock"
	"github.com/vietddude/guardian/internal/core/config"
	"github.com/vietddude/guardian/internal/core/domain"
	"github.com/vietddude/guardian/internal/health"
	"github.com/vietddude/guardian/internal/infra/storage"
	"github.com/vietddude/guardian/internal/infra/storage/memory"
	"github.com/vietddude/guardian/internal/notify"
	"github.com/vietddude/guardian/internal/telemetry"
)

var appStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type stubAuth struct {
	mu        sync.Mutex
	signedOut []string
}

func (a *stubAuth) RefreshSession(context.Context, string) (*domain.Session, error) {
	return nil, &apperr.StatusError{Status: 401}
}

func (a *stubAuth) VerifyOneTimeCode(context.Context, string, string) (*domain.Session, error) {
	return nil, &apperr.StatusError{Status: 401}
}

func (a *stubAuth) SignOut(_ context.Context, token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.signedOut = append(a.signedOut, token)
	return nil
}

type stubTransport struct {
	mu        sync.Mutex
	delivered []domain.Notification
}

func (t *stubTransport) RequestPermissions(context.Context) (bool, error) { return true, nil }
func (t *stubTransport) DeviceToken(context.Context) (string, error)      { return "device-1", nil }

func (t *stubTransport) ScheduleLocalDelivery(_ context.Context, n domain.Notification) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.delivered = append(t.delivered, n)
	return nil
}

type stubSink struct {
	mu      sync.Mutex
	reports []telemetry.Report
	closed  bool
}

func (s *stubSink) Send(_ context.Context, reports []telemetry.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, reports...)
	return nil
}

func (s *stubSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) codes() []apperr.Code {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]apperr.Code, 0, len(s.reports))
	for _, r := range s.reports {
		out = append(out, r.Code)
	}
	return out
}

type fixedFingerprint struct{}

func (fixedFingerprint) Current(context.Context) (domain.Fingerprint, error) {
	return domain.Fingerprint{Platform: "linux", AppVersion: "1.0.0", Locale: "en-US"}, nil
}

type harness struct {
	app       *App
	clock     *clock.Manual
	kv        *memory.MemoryStorage
	auth      *stubAuth
	transport *stubTransport
	sink      *stubSink
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Port = 0
	cfg.Session.SecurityDelay = 0
	cfg.Session.SecurityJitter = 0

	h := &harness{
		clock:     clock.NewManual(appStart),
		auth:      &stubAuth{},
		transport: &stubTransport{},
		sink:      &stubSink{},
	}
	h.kv = memory.NewMemoryStorage().WithClock(h.clock.Now)

	app, err := NewApp(context.Background(), cfg,
		WithClock(h.clock),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithStore(&Store{KV: h.kv}),
		WithAuthBackend(h.auth),
		WithTransport(h.transport),
		WithSink(h.sink),
		WithFingerprints(fixedFingerprint{}),
	)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	h.app = app
	return h
}

func (h *harness) signIn(t *testing.T, userID string) {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		ExpiresAt: jwt.NewNumericDate(appStart.Add(time.Hour)),
	})
	signed, err := tok.SignedString([]byte("unused"))
	if err != nil {
		t.Fatal(err)
	}
	err = h.app.Guard().Establish(context.Background(), &domain.Session{
		AccessToken:  signed,
		RefreshToken: "refresh",
		UserID:       userID,
		ExpiresAt:    appStart.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Establish: %v", err)
	}
}

func TestNewApp_HealthChecks(t *testing.T) {
	h := newHarness(t)

	report := h.app.Monitor().CheckHealth(context.Background())
	if report.SystemStatus != health.StatusHealthy {
		t.Errorf("status = %s, want healthy: %+v", report.SystemStatus, report.Components)
	}
	for _, name := range []string{"breakers", "retry_queue", "session", "storage"} {
		if _, ok := report.Components[name]; !ok {
			t.Errorf("missing component %q", name)
		}
	}
}

func TestApp_SignOutDiscardsPendingBatches(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.app.Dispatcher().Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	h.signIn(t, "u1")

	out, err := h.app.Dispatcher().Send(ctx, domain.Notification{
		UserID: "u1",
		Type:   domain.NotificationNewMessage,
		Title:  "Hi",
		Body:   "hello",
	}, notify.SendOptions{})
	if err != nil || out != notify.OutcomeBatched {
		t.Fatalf("Send = %s, %v", out, err)
	}

	if err := h.app.Guard().SignOut(ctx); err != nil {
		t.Fatal(err)
	}

	if n := len(h.app.Dispatcher().PendingBatches()); n != 0 {
		t.Errorf("pending batches = %d, want 0", n)
	}
	if len(h.auth.signedOut) != 1 {
		t.Errorf("remote sign out calls = %d", len(h.auth.signedOut))
	}

	h.clock.Advance(10 * time.Minute)
	if len(h.transport.delivered) != 0 {
		t.Errorf("discarded batch was delivered: %+v", h.transport.delivered)
	}
}

func TestApp_ForcedReauthIsReported(t *testing.T) {
	h := newHarness(t)
	h.signIn(t, "u1")

	h.clock.Advance(16 * time.Minute)

	if st := h.app.Guard().Status(); st.State != domain.SessionExpired {
		t.Fatalf("state = %s, want expired", st.State)
	}
	h.app.Reporter().Flush(context.Background())

	found := false
	for _, c := range h.sink.codes() {
		if c == apperr.CodeInactivityTimeout {
			found = true
		}
	}
	if !found {
		t.Errorf("reports = %v, want INACTIVITY_TIMEOUT", h.sink.codes())
	}
}

func TestApp_ReportsCarrySignedInUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.signIn(t, "u1")

	h.app.Reporter().Capture(ctx, errors.New("network request failed"), nil)
	h.app.Reporter().Flush(ctx)

	if err := h.app.Guard().SignOut(ctx); err != nil {
		t.Fatal(err)
	}
	h.app.Reporter().Capture(ctx, errors.New("network request failed"), nil)
	h.app.Reporter().Flush(ctx)

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	var users []string
	for _, r := range h.sink.reports {
		if r.Cause == "network request failed" {
			users = append(users, r.UserID)
		}
	}
	if len(users) != 2 || users[0] != "u1" || users[1] != "" {
		t.Errorf("report users = %q, want [u1 \"\"]", users)
	}
}

func TestApp_StartRecoversCrashesAndStopCloses(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	crash := telemetry.Report{ID: "c1", Code: apperr.CodeSessionHijack, Severity: apperr.SeverityCritical}
	data, _ := json.Marshal(crash)
	if err := h.kv.Set(ctx, storage.PrefixCrash+"c1", data, 0); err != nil {
		t.Fatal(err)
	}

	if err := h.app.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if codes := h.sink.codes(); len(codes) != 1 || codes[0] != apperr.CodeSessionHijack {
		t.Errorf("recovered reports = %v", codes)
	}
	if h.app.Dispatcher().DeviceToken() != "device-1" {
		t.Errorf("device token = %q", h.app.Dispatcher().DeviceToken())
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.app.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !h.sink.closed {
		t.Error("sink not closed")
	}
	if keys, _ := h.kv.Keys(ctx, storage.PrefixCrash); len(keys) != 0 {
		t.Errorf("crash payloads left: %v", keys)
	}
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	s, err := OpenStore(ctx, config.StorageConfig{Driver: config.DriverMemory})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.KV.(*memory.MemoryStorage); !ok {
		t.Errorf("memory driver returned %T", s.KV)
	}

	key := "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	s, err = OpenStore(ctx, config.StorageConfig{Driver: config.DriverMemory, EncryptionKey: key})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.KV.(*storage.Sealed); !ok {
		t.Errorf("encrypted store is %T, want *storage.Sealed", s.KV)
	}

	if _, err := OpenStore(ctx, config.StorageConfig{Driver: "etcd"}); err == nil {
		t.Error("unknown driver should fail")
	}
	if _, err := OpenStore(ctx, config.StorageConfig{Driver: config.DriverMemory, EncryptionKey: "short"}); err == nil {
		t.Error("bad key should fail")
	}
}

func TestBuildSink(t *testing.T) {
	h := newHarness(t)

	cfg := config.Default()
	sink, err := h.app.buildSink(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := sink.(*telemetry.LogSink); !ok {
		t.Errorf("sink = %T, want *telemetry.LogSink", sink)
	}

	cfg.Telemetry.Sinks = []string{config.SinkLog, config.SinkLog}
	if sink, _ = h.app.buildSink(cfg, nil); sink == nil {
		t.Fatal("nil sink")
	} else if _, ok := sink.(telemetry.MultiSink); !ok {
		t.Errorf("sink = %T, want MultiSink", sink)
	}

	cfg.Telemetry.Sinks = []string{config.SinkSupabase}
	if _, err := h.app.buildSink(cfg, nil); err == nil {
		t.Error("supabase sink without client should fail")
	}
}

func TestUnconfiguredAuth(t *testing.T) {
	var a unconfiguredAuth
	if _, err := a.RefreshSession(context.Background(), "r"); !errors.Is(err, ErrAuthNotConfigured) {
		t.Errorf("err = %v", err)
	}
	if err := a.SignOut(context.Background(), "tok"); err != nil {
		t.Errorf("sign out should be a no-op, got %v", err)
	}
}
