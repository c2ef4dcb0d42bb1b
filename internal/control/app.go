// Package control wires every component into a runnable application and
// owns their lifecycle.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/guardian/internal/core/apperr"
	"github.com/vietddude/guardian/internal/core/clock"
	"github.com/vietddude/guardian/internal/core/config"
	"github.com/vietddude/guardian/internal/core/domain"
	"github.com/vietddude/guardian/internal/health"
	"github.com/vietddude/guardian/internal/infra/amqp"
	"github.com/vietddude/guardian/internal/infra/push"
	"github.com/vietddude/guardian/internal/infra/supabase"
	"github.com/vietddude/guardian/internal/notify"
	"github.com/vietddude/guardian/internal/resilience"
	"github.com/vietddude/guardian/internal/server"
	"github.com/vietddude/guardian/internal/session"
	"github.com/vietddude/guardian/internal/telemetry"
)

// ErrAuthNotConfigured is returned by the placeholder auth backend used when
// no identity provider is configured.
var ErrAuthNotConfigured = errors.New("auth backend not configured")

const (
	healthCachePeriod   = 5 * time.Second
	pingTimeout         = 2 * time.Second
	maintenanceInterval = time.Minute

	retryQueueDegraded = 50
	retryQueueCritical = 500
)

// App is the composition root.
type App struct {
	cfg   config.AppConfig
	log   *slog.Logger
	clock clock.Clock

	store      *Store
	classifier *apperr.Classifier
	exec       *resilience.Executor
	reporter   *telemetry.Reporter
	guard      *session.Guard
	dispatcher *notify.Dispatcher
	monitor    *health.Monitor
	server     *server.Server
	closers    []func() error

	cancel context.CancelFunc
}

// Option replaces a collaborator NewApp would otherwise build from config.
type Option func(*deps)

type deps struct {
	clock        clock.Clock
	log          *slog.Logger
	store        *Store
	auth         session.AuthBackend
	transport    notify.Transport
	sink         telemetry.Sink
	fingerprints session.FingerprintSource
}

func WithClock(c clock.Clock) Option { return func(d *deps) { d.clock = c } }

func WithLogger(l *slog.Logger) Option { return func(d *deps) { d.log = l } }

func WithStore(s *Store) Option { return func(d *deps) { d.store = s } }

func WithAuthBackend(a session.AuthBackend) Option { return func(d *deps) { d.auth = a } }

func WithTransport(t notify.Transport) Option { return func(d *deps) { d.transport = t } }

func WithSink(s telemetry.Sink) Option { return func(d *deps) { d.sink = s } }

func WithFingerprints(f session.FingerprintSource) Option {
	return func(d *deps) { d.fingerprints = f }
}

// NewApp creates an App with all dependencies initialized.
func NewApp(ctx context.Context, cfg config.AppConfig, opts ...Option) (*App, error) {
	d := deps{clock: clock.Real(), log: slog.Default()}
	for _, opt := range opts {
		opt(&d)
	}

	a := &App{cfg: cfg, log: d.log, clock: d.clock}
	a.classifier = apperr.NewClassifier(d.clock.Now)
	a.exec = resilience.NewExecutor(cfg.Resilience, a.classifier,
		resilience.WithClock(d.clock),
		resilience.WithLogger(d.log.With("component", "executor")),
	)

	// 1. Storage
	if d.store == nil {
		var store *Store
		err := a.exec.Retry(ctx, cfg.Retry.Named("storage.open"), func(ctx context.Context) error {
			var err error
			store, err = OpenStore(ctx, cfg.Storage)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open storage: %w", err)
		}
		d.store = store
	}
	a.store = d.store
	a.closers = append(a.closers, a.store.KV.Close)

	// 2. Remote collaborators
	var sb *supabase.Client
	if cfg.Supabase.URL != "" {
		var err error
		if sb, err = supabase.New(cfg.Supabase); err != nil {
			a.closeAll()
			return nil, err
		}
	}
	if d.auth == nil {
		if sb != nil {
			d.auth = sb
		} else {
			d.auth = unconfiguredAuth{}
			a.log.Warn("No identity provider configured, sign-in and refresh will fail")
		}
	}
	if d.sink == nil {
		sink, err := a.buildSink(cfg, sb)
		if err != nil {
			a.closeAll()
			return nil, err
		}
		d.sink = sink
	}
	if d.transport == nil {
		d.transport = buildTransport(cfg.Push, d.log)
	}
	if d.fingerprints == nil {
		d.fingerprints = session.NewRuntimeSource(cfg.App.Version, cfg.App.Locale)
	}

	// 3. Components
	a.reporter = telemetry.NewReporter(cfg.Telemetry.Config, d.sink, a.classifier,
		telemetry.WithClock(d.clock),
		telemetry.WithLogger(d.log.With("component", "telemetry")),
		telemetry.WithStore(a.store.KV),
	)
	a.guard = session.NewGuard(cfg.Session, d.auth, a.exec, d.fingerprints,
		session.WithClock(d.clock),
		session.WithLogger(d.log.With("component", "session")),
		session.WithStore(a.store.KV),
	)
	a.dispatcher = notify.NewDispatcher(cfg.Notifications, d.transport, a.exec,
		notify.WithClock(d.clock),
		notify.WithLogger(d.log.With("component", "notify")),
		notify.WithStore(a.store.KV),
		notify.WithReporter(a.reporter),
	)
	a.wire()

	// 4. Health and API
	a.monitor = health.NewMonitor(healthCachePeriod)
	a.registerChecks()
	a.server = server.NewServer(cfg.Server.Port, server.Deps{
		Monitor:       a.monitor,
		Sessions:      a.guard,
		Notifications: a.dispatcher,
		Preferences:   a.dispatcher.Preferences(),
		Log:           d.log.With("component", "server"),
	})

	return a, nil
}

func (a *App) buildSink(cfg config.AppConfig, sb *supabase.Client) (telemetry.Sink, error) {
	var sinks telemetry.MultiSink
	for _, name := range cfg.Telemetry.Sinks {
		switch name {
		case config.SinkLog:
			sinks = append(sinks, telemetry.NewLogSink(a.log.With("component", "reports")))
		case config.SinkSupabase:
			if sb == nil {
				return nil, errors.New("telemetry sink supabase requires supabase config")
			}
			sinks = append(sinks, sb)
		case config.SinkAMQP:
			s, err := amqp.NewSink(cfg.AMQP)
			if err != nil {
				_ = sinks.Close()
				return nil, err
			}
			sinks = append(sinks, s)
		default:
			_ = sinks.Close()
			return nil, fmt.Errorf("unknown telemetry sink %q", name)
		}
	}
	switch len(sinks) {
	case 0:
		return telemetry.NewLogSink(a.log), nil
	case 1:
		return sinks[0], nil
	}
	return sinks, nil
}

func buildTransport(cfg push.Config, log *slog.Logger) notify.Transport {
	if cfg.Driver == config.PushExpo {
		return push.NewExpoClient(cfg)
	}
	return push.NewLogTransport(log.With("component", "push"))
}

// wire connects component events. Session teardown discards the user's
// pending notifications and detaches the user from error reports.
func (a *App) wire() {
	a.guard.OnEstablished(func(userID string) {
		a.reporter.SetUser(userID)
	})
	a.guard.OnCleared(func(userID string, reason session.Reason) {
		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		defer cancel()
		a.dispatcher.DiscardUser(ctx, userID)
		a.reporter.SetUser("")
		a.reporter.Breadcrumb("session", "session cleared", map[string]any{"reason": string(reason)})
	})
	a.guard.OnForceReauth(func(ev session.ReauthEvent) {
		a.log.Warn("Re-authentication required", "user", ev.UserID, "reason", ev.Reason)
		if ev.Error != nil {
			a.reporter.Capture(context.Background(), ev.Error, map[string]any{"reason": string(ev.Reason)})
		}
	})
	a.dispatcher.Subscribe(notify.Handlers{
		OnOpened: func(n domain.Notification) {
			a.guard.RegisterActivity()
			a.reporter.Breadcrumb("notification", "opened", map[string]any{"type": string(n.Type)})
		},
	})
}

func (a *App) registerChecks() {
	a.monitor.Register("breakers", health.BreakerCheck(a.exec))
	a.monitor.Register("retry_queue", health.ThresholdCheck("depth",
		a.dispatcher.RetryQueue().Len, retryQueueDegraded, retryQueueCritical))
	a.monitor.Register("session", func(ctx context.Context) health.ComponentHealth {
		st := a.guard.Status()
		h := health.ComponentHealth{
			Status:  health.StatusHealthy,
			Detail:  string(st.State),
			Metrics: map[string]any{"suspicion_count": st.SuspicionCount},
		}
		if st.State == domain.SessionSuspicious {
			h.Status = health.StatusDegraded
		}
		return h
	})
	if a.store.Ping != nil {
		a.monitor.Register("storage", health.PingCheck(pingTimeout, a.store.Ping))
	} else {
		a.monitor.Register("storage", func(context.Context) health.ComponentHealth {
			return health.ComponentHealth{Status: health.StatusHealthy, Detail: "in-memory"}
		})
	}
}

// Start recovers persisted state and starts background work.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	if n, err := a.reporter.RecoverCrashes(ctx); err != nil {
		a.log.Warn("Failed to recover crash reports", "error", err)
	} else if n > 0 {
		a.log.Info("Recovered crash reports", "count", n)
	}

	if ok, err := a.guard.Restore(ctx); err != nil {
		a.log.Warn("Failed to restore session", "error", err)
	} else if ok {
		a.log.Info("Session restored", "user", a.guard.Status().UserID)
	}

	if err := a.dispatcher.Initialize(ctx); err != nil {
		a.reporter.Capture(ctx, err, map[string]any{"operation": "notify.initialize"})
		a.log.Warn("Notification setup failed", "error", err)
	}

	if a.store.Postgres != nil {
		a.store.Postgres.StartMaintenance(ctx, maintenanceInterval)
	}

	go func() {
		if err := a.server.Start(); err != nil {
			a.log.Error("HTTP server failed", "error", err)
		}
	}()
	a.log.Info("Guardian started", "port", a.cfg.Server.Port, "storage", a.cfg.Storage.Driver)
	return nil
}

// Stop flushes pending work and releases resources.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("Stopping Guardian...")

	var errs []error
	if err := a.server.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("server: %w", err))
	}
	if n := a.dispatcher.FlushAll(ctx); n > 0 {
		a.log.Info("Flushed pending batches", "count", n)
	}
	a.dispatcher.Stop()
	a.guard.Close()
	if err := a.reporter.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}
	if a.cancel != nil {
		a.cancel()
	}
	if err := a.closeAll(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) Guard() *session.Guard { return a.guard }

func (a *App) Dispatcher() *notify.Dispatcher { return a.dispatcher }

func (a *App) Reporter() *telemetry.Reporter { return a.reporter }

func (a *App) Executor() *resilience.Executor { return a.exec }

func (a *App) Monitor() *health.Monitor { return a.monitor }

func (a *App) Server() *server.Server { return a.server }

type unconfiguredAuth struct{}

func (unconfiguredAuth) RefreshSession(context.Context, string) (*domain.Session, error) {
	return nil, ErrAuthNotConfigured
}

func (unconfiguredAuth) VerifyOneTimeCode(context.Context, string, string) (*domain.Session, error) {
	return nil, ErrAuthNotConfigured
}

func (unconfiguredAuth) SignOut(context.Context, string) error { return nil }
