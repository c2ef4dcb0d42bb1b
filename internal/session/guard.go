// Package session owns the authenticated session: validation, proactive
// refresh, inactivity timeout, fingerprint anomaly detection and forced
// re-authentication.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vietddude/guardian/internal/core/apperr"
	"github.com/vietddude/guardian/internal/core/clock"
	"github.com/vietddude/guardian/internal/core/domain"
	"github.com/vietddude/guardian/internal/infra/storage"
	"github.com/vietddude/guardian/internal/metrics"
	"github.com/vietddude/guardian/internal/resilience"
)

// ServiceAuth is the breaker name used for every auth backend call.
const ServiceAuth = "auth"

// minRefreshDelay keeps a backend that issues tokens shorter than the
// refresh buffer from driving a refresh loop.
const minRefreshDelay = time.Second

var ErrNoSession = errors.New("no active session")

// AuthBackend is the remote identity provider.
type AuthBackend interface {
	RefreshSession(ctx context.Context, refreshToken string) (*domain.Session, error)
	VerifyOneTimeCode(ctx context.Context, phone, code string) (*domain.Session, error)
	SignOut(ctx context.Context, accessToken string) error
}

// Config holds guard settings.
type Config struct {
	InactivityTimeout    time.Duration `yaml:"inactivity_timeout"`
	RefreshBuffer        time.Duration `yaml:"refresh_buffer"`
	FingerprintThreshold int           `yaml:"fingerprint_threshold"`
	// ValidationInterval is the period of the background validation check.
	ValidationInterval time.Duration `yaml:"validation_interval"`
	SecurityDelay      time.Duration `yaml:"security_delay"`
	SecurityJitter     time.Duration `yaml:"security_jitter"`
	// TokenSecret enables HS256 signature checks on access tokens.
	TokenSecret  string                 `yaml:"token_secret"`
	RefreshRetry resilience.RetryPolicy `yaml:"refresh_retry"`
}

// DefaultConfig provides sensible defaults.
var DefaultConfig = Config{
	InactivityTimeout:    15 * time.Minute,
	RefreshBuffer:        2 * time.Minute,
	FingerprintThreshold: 3,
	ValidationInterval:   time.Minute,
	SecurityDelay:        100 * time.Millisecond,
	SecurityJitter:       200 * time.Millisecond,
	RefreshRetry:         resilience.DefaultRetryPolicy,
}

// Reason explains a validation result or a teardown.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonNoSession           Reason = "no_session"
	ReasonInactivity          Reason = "inactivity_timeout"
	ReasonTokenInvalid        Reason = "token_invalid"
	ReasonFingerprintMismatch Reason = "fingerprint_mismatch"
	ReasonSuspicious          Reason = "suspicious_activity"
	ReasonRefreshFailed       Reason = "refresh_failed"
	ReasonCanceled            Reason = "canceled"
	ReasonSignedOut           Reason = "signed_out"
	ReasonManual              Reason = "manual"
)

// Validation is the outcome of Validate.
type Validation struct {
	Valid     bool                    `json:"valid"`
	Reason    Reason                  `json:"reason,omitempty"`
	Refreshed bool                    `json:"refreshed,omitempty"`
	Err       *apperr.ClassifiedError `json:"-"`
}

func invalid(reason Reason, err *apperr.ClassifiedError) Validation {
	metrics.SessionValidations.WithLabelValues(string(reason)).Inc()
	return Validation{Reason: reason, Err: err}
}

// Action is a choice offered on a blocking alert.
type Action string

const (
	ActionRetry       Action = "retry"
	ActionReportIssue Action = "report_issue"
)

// Alert is what the UI shows when recovery is exhausted.
type Alert struct {
	Title    string   `json:"title"`
	Message  string   `json:"message"`
	Blocking bool     `json:"blocking"`
	Actions  []Action `json:"actions"`
}

// ReauthEvent is the force-reauth signal.
type ReauthEvent struct {
	UserID string                  `json:"user_id"`
	Reason Reason                  `json:"reason"`
	Error  *apperr.ClassifiedError `json:"-"`
	Alert  Alert                   `json:"alert"`
	At     time.Time               `json:"at"`
}

// Status is a snapshot for health endpoints.
type Status struct {
	State          domain.SessionState `json:"state"`
	UserID         string              `json:"user_id,omitempty"`
	ExpiresAt      time.Time           `json:"expires_at,omitzero"`
	LastActivity   time.Time           `json:"last_activity,omitzero"`
	SuspicionCount int                 `json:"suspicion_count"`
}

type backup struct {
	Session      domain.Session `json:"session"`
	LastActivity time.Time      `json:"last_activity"`
}

// Guard owns at most one session. Every mutation happens under mu and bumps
// generation when the session is replaced or destroyed, so callbacks and
// refreshes that started earlier can tell they are stale.
type Guard struct {
	cfg          Config
	auth         AuthBackend
	exec         *resilience.Executor
	fingerprints FingerprintSource
	tokens       *TokenValidator
	store        storage.KV
	clock        clock.Clock
	log          *slog.Logger
	jitter       func(time.Duration) time.Duration

	refreshes singleflight.Group

	mu            sync.Mutex
	state         domain.SessionState
	session       *domain.Session
	lastActivity  time.Time
	suspicion     int
	generation    uint64
	validateTimer clock.Timer
	refreshTimer  clock.Timer

	reauthHandlers      []func(ReauthEvent)
	clearedHandlers     []func(userID string, reason Reason)
	establishedHandlers []func(userID string)
}

// Option customises a Guard.
type Option func(*Guard)

func WithClock(c clock.Clock) Option {
	return func(g *Guard) { g.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) { g.log = l }
}

// WithStore enables the encrypted session backup.
func WithStore(kv storage.KV) Option {
	return func(g *Guard) { g.store = kv }
}

// WithJitter replaces the security-delay jitter source.
func WithJitter(f func(time.Duration) time.Duration) Option {
	return func(g *Guard) { g.jitter = f }
}

// NewGuard creates a guard in the unauthenticated state.
func NewGuard(
	cfg Config,
	auth AuthBackend,
	exec *resilience.Executor,
	fingerprints FingerprintSource,
	opts ...Option,
) *Guard {
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = DefaultConfig.InactivityTimeout
	}
	if cfg.RefreshBuffer <= 0 {
		cfg.RefreshBuffer = DefaultConfig.RefreshBuffer
	}
	if cfg.FingerprintThreshold <= 0 {
		cfg.FingerprintThreshold = DefaultConfig.FingerprintThreshold
	}
	if cfg.RefreshRetry.MaxAttempts <= 0 {
		cfg.RefreshRetry = DefaultConfig.RefreshRetry
	}

	g := &Guard{
		cfg:          cfg,
		auth:         auth,
		exec:         exec,
		fingerprints: fingerprints,
		tokens:       NewTokenValidator(cfg.TokenSecret),
		clock:        clock.Real(),
		log:          slog.Default(),
		jitter: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return rand.N(max)
		},
		state: domain.SessionUnauthenticated,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// OnForceReauth registers a handler for the force-reauth signal.
func (g *Guard) OnForceReauth(h func(ReauthEvent)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reauthHandlers = append(g.reauthHandlers, h)
}

// OnCleared registers a handler called after a session is destroyed.
func (g *Guard) OnCleared(h func(userID string, reason Reason)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clearedHandlers = append(g.clearedHandlers, h)
}

// OnEstablished registers a handler called after a session is established
// or restored.
func (g *Guard) OnEstablished(h func(userID string)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.establishedHandlers = append(g.establishedHandlers, h)
}

// Establish installs sess as the active session, replacing any previous one.
// The current fingerprint is recorded and never replaced for the session's
// lifetime.
func (g *Guard) Establish(ctx context.Context, sess *domain.Session) error {
	if sess == nil || sess.AccessToken == "" || sess.UserID == "" {
		return g.exec.Classifier().New(apperr.CodeValidation, "session requires access token and user id", nil)
	}
	fp, err := g.fingerprints.Current(ctx)
	if err != nil {
		return fmt.Errorf("failed to compute fingerprint: %w", err)
	}

	now := g.clock.Now()
	next := *sess
	next.Fingerprint = &fp
	next.LastValidatedAt = now
	if next.ExpiresAt.IsZero() {
		if exp, ok := g.tokens.Expiry(next.AccessToken); ok {
			next.ExpiresAt = exp
		}
	}

	g.mu.Lock()
	g.cancelTimersLocked()
	g.generation++
	g.session = &next
	g.state = domain.SessionAuthenticated
	g.lastActivity = now
	g.suspicion = 0
	g.armTimersLocked()
	handlers := slices.Clone(g.establishedHandlers)
	g.mu.Unlock()

	g.persist(ctx)
	g.log.Info("Session established", "user", next.UserID, "expires_at", next.ExpiresAt)
	for _, h := range handlers {
		h(next.UserID)
	}
	return nil
}

// SignInWithCode verifies a one-time code and establishes the session.
func (g *Guard) SignInWithCode(ctx context.Context, phone, code string) error {
	if err := g.securityDelay(ctx); err != nil {
		return g.exec.Classifier().Classify(err, nil)
	}
	sess, err := resilience.Do(ctx, g.exec, ServiceAuth, g.cfg.RefreshRetry.Named("session.verify_code"),
		func(ctx context.Context) (*domain.Session, error) {
			return g.auth.VerifyOneTimeCode(ctx, phone, code)
		}, nil)
	if err != nil {
		return err
	}
	return g.Establish(ctx, sess)
}

// Restore reloads the persisted session backup. The stored fingerprint is
// kept and compared on the next validation.
func (g *Guard) Restore(ctx context.Context) (bool, error) {
	if g.store == nil {
		return false, nil
	}
	var b backup
	err := storage.GetJSON(ctx, g.store, storage.KeySession, &b)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to restore session: %w", err)
	}
	if b.Session.AccessToken == "" || b.Session.UserID == "" {
		return false, nil
	}

	sess := b.Session
	g.mu.Lock()
	g.cancelTimersLocked()
	g.generation++
	g.session = &sess
	g.state = domain.SessionAuthenticated
	g.lastActivity = b.LastActivity
	g.suspicion = 0
	g.armTimersLocked()
	handlers := slices.Clone(g.establishedHandlers)
	g.mu.Unlock()

	g.log.Info("Session restored", "user", sess.UserID, "expires_at", sess.ExpiresAt)
	for _, h := range handlers {
		h(sess.UserID)
	}
	return true, nil
}

// Validate checks the active session and refreshes it when it is about to
// expire.
func (g *Guard) Validate(ctx context.Context) Validation {
	g.mu.Lock()
	sess := g.session
	gen := g.generation
	lastActivity := g.lastActivity
	g.mu.Unlock()

	if sess == nil {
		return invalid(ReasonNoSession, nil)
	}

	now := g.clock.Now()
	if now.Sub(lastActivity) > g.cfg.InactivityTimeout {
		ce := g.exec.Classifier().New(apperr.CodeInactivityTimeout, "session inactive too long", nil)
		g.forceClear(gen, ReasonInactivity, domain.SessionExpired, ce)
		return invalid(ReasonInactivity, ce)
	}

	if err := g.securityDelay(ctx); err != nil {
		return invalid(ReasonCanceled, g.exec.Classifier().Classify(err, nil))
	}

	if err := g.tokens.Validate(sess.AccessToken, sess.UserID); err != nil {
		ce := g.exec.Classifier().New(apperr.CodeTokenInvalid, "access token failed validation", err)
		g.forceClear(gen, ReasonTokenInvalid, domain.SessionUnauthenticated, ce)
		return invalid(ReasonTokenInvalid, ce)
	}

	if current, err := g.fingerprints.Current(ctx); err != nil {
		g.log.Warn("Failed to compute fingerprint, skipping comparison", "error", err)
	} else if !Matches(sess.Fingerprint, current) {
		return g.fingerprintMismatch(gen)
	} else {
		g.mu.Lock()
		if g.generation == gen {
			g.suspicion = 0
		}
		g.mu.Unlock()
	}

	refreshed := false
	if !sess.ExpiresAt.IsZero() && sess.Remaining(now) < g.cfg.RefreshBuffer {
		if _, err := g.Refresh(ctx); err != nil {
			ce, _ := apperr.As(err)
			return invalid(ReasonRefreshFailed, ce)
		}
		refreshed = true
	}

	g.mu.Lock()
	if g.session != nil && g.generation == gen {
		next := *g.session
		next.LastValidatedAt = g.clock.Now()
		g.session = &next
	}
	g.mu.Unlock()

	metrics.SessionValidations.WithLabelValues("valid").Inc()
	return Validation{Valid: true, Refreshed: refreshed}
}

func (g *Guard) fingerprintMismatch(gen uint64) Validation {
	g.mu.Lock()
	if g.generation != gen {
		g.mu.Unlock()
		return invalid(ReasonNoSession, nil)
	}
	g.suspicion++
	count := g.suspicion
	escalate := count == g.cfg.FingerprintThreshold
	g.mu.Unlock()

	g.log.Warn("Session fingerprint mismatch", "count", count, "threshold", g.cfg.FingerprintThreshold)
	if !escalate {
		ce := g.exec.Classifier().New(apperr.CodeFingerprintMismatch, "fingerprint mismatch", nil).
			WithContext(map[string]any{"count": count})
		return invalid(ReasonFingerprintMismatch, ce)
	}

	ce := g.exec.Classifier().New(apperr.CodeSessionHijack, "repeated fingerprint mismatch", nil).
		WithContext(map[string]any{"count": count})
	g.forceClear(gen, ReasonSuspicious, domain.SessionSuspicious, ce)
	return invalid(ReasonFingerprintMismatch, ce)
}

// Refresh exchanges the refresh token for a new session. Concurrent callers
// share one network call and its outcome.
func (g *Guard) Refresh(ctx context.Context) (*domain.Session, error) {
	// One caller's cancellation must not fail the others.
	shared := context.WithoutCancel(ctx)
	v, err, _ := g.refreshes.Do("refresh", func() (any, error) {
		return g.doRefresh(shared)
	})
	if err != nil {
		return nil, err
	}
	sess := *v.(*domain.Session)
	return &sess, nil
}

func (g *Guard) doRefresh(ctx context.Context) (*domain.Session, error) {
	g.mu.Lock()
	sess := g.session
	gen := g.generation
	if sess == nil {
		g.mu.Unlock()
		return nil, g.exec.Classifier().New(apperr.CodeAuthRefreshFailed, "no session to refresh", ErrNoSession)
	}
	g.state = domain.SessionRefreshing
	g.mu.Unlock()

	fresh, err := resilience.Do(ctx, g.exec, ServiceAuth, g.cfg.RefreshRetry.Named("session.refresh"),
		func(ctx context.Context) (*domain.Session, error) {
			return g.auth.RefreshSession(ctx, sess.RefreshToken)
		}, nil)
	if err == nil && (fresh == nil || fresh.AccessToken == "") {
		err = errors.New("auth backend returned an empty session")
	}
	if err != nil {
		metrics.SessionRefreshes.WithLabelValues("failure").Inc()
		ce := g.exec.Classifier().New(apperr.CodeAuthRefreshFailed, "session refresh failed", err)
		if inner, ok := apperr.As(err); ok {
			ce = ce.WithContext(map[string]any{"attempts": inner.Attempts(), "cause_code": string(inner.Code)})
		}
		g.log.Warn("Session refresh failed", "error", err)
		g.forceClear(gen, ReasonRefreshFailed, domain.SessionUnauthenticated, ce)
		return nil, ce
	}

	g.mu.Lock()
	if g.generation != gen || g.session == nil {
		g.mu.Unlock()
		g.log.Info("Discarding refresh result for a cleared session")
		metrics.SessionRefreshes.WithLabelValues("stale").Inc()
		return nil, g.exec.Classifier().New(apperr.CodeAuthRefreshFailed, "session cleared during refresh", ErrNoSession)
	}
	next := *fresh
	next.Fingerprint = sess.Fingerprint
	if next.UserID == "" {
		next.UserID = sess.UserID
	}
	if next.RefreshToken == "" {
		next.RefreshToken = sess.RefreshToken
	}
	if next.ExpiresAt.IsZero() {
		if exp, ok := g.tokens.Expiry(next.AccessToken); ok {
			next.ExpiresAt = exp
		}
	}
	next.LastValidatedAt = g.clock.Now()
	g.session = &next
	g.state = domain.SessionAuthenticated
	g.armRefreshLocked()
	g.mu.Unlock()

	metrics.SessionRefreshes.WithLabelValues("success").Inc()
	g.persist(ctx)
	g.log.Debug("Session refreshed", "user", next.UserID, "expires_at", next.ExpiresAt)
	return &next, nil
}

// RegisterActivity records user activity for the inactivity timeout.
func (g *Guard) RegisterActivity() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.session != nil {
		g.lastActivity = g.clock.Now()
	}
}

// Clear destroys the session. Calling it again is a no-op.
func (g *Guard) Clear(reason Reason) {
	g.clear(reason, domain.SessionUnauthenticated)
}

// SignOut revokes the session remotely on a best-effort basis, then clears.
func (g *Guard) SignOut(ctx context.Context) error {
	g.mu.Lock()
	sess := g.session
	g.mu.Unlock()
	if sess == nil {
		return nil
	}

	err := g.exec.Execute(ctx, ServiceAuth, func(ctx context.Context) error {
		return g.auth.SignOut(ctx, sess.AccessToken)
	}, nil)
	if err != nil {
		g.log.Warn("Remote sign out failed", "error", err)
	}
	g.clear(ReasonSignedOut, domain.SessionUnauthenticated)
	return nil
}

// Status returns a snapshot of the guard.
func (g *Guard) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := Status{State: g.state, SuspicionCount: g.suspicion}
	if g.session != nil {
		st.UserID = g.session.UserID
		st.ExpiresAt = g.session.ExpiresAt
		st.LastActivity = g.lastActivity
	}
	return st
}

// Session returns a copy of the active session.
func (g *Guard) Session() (*domain.Session, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.session == nil {
		return nil, false
	}
	s := *g.session
	return &s, true
}

// Close stops background timers but keeps the session and its backup.
func (g *Guard) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelTimersLocked()
	g.generation++
}

// forceClear tears down the session for gen and raises the reauth signal.
func (g *Guard) forceClear(gen uint64, reason Reason, next domain.SessionState, ce *apperr.ClassifiedError) {
	userID, ok := g.clearIf(gen, reason, next)
	if !ok {
		return
	}

	g.mu.Lock()
	handlers := slices.Clone(g.reauthHandlers)
	g.mu.Unlock()

	ev := ReauthEvent{
		UserID: userID,
		Reason: reason,
		Error:  ce,
		At:     g.clock.Now(),
		Alert: Alert{
			Title:    "Please sign in again",
			Message:  reauthMessage(reason),
			Blocking: true,
			Actions:  []Action{ActionRetry, ActionReportIssue},
		},
	}
	for _, h := range handlers {
		h(ev)
	}
}

func reauthMessage(reason Reason) string {
	switch reason {
	case ReasonInactivity:
		return "You were signed out after a period of inactivity."
	case ReasonSuspicious:
		return "We noticed unusual activity on your session."
	case ReasonRefreshFailed:
		return "Your session could not be renewed."
	default:
		return "Your session is no longer valid."
	}
}

func (g *Guard) clear(reason Reason, next domain.SessionState) {
	g.mu.Lock()
	gen := g.generation
	g.mu.Unlock()
	g.clearIf(gen, reason, next)
}

// clearIf destroys the session only if it still belongs to gen.
func (g *Guard) clearIf(gen uint64, reason Reason, next domain.SessionState) (string, bool) {
	g.mu.Lock()
	if g.session == nil || g.generation != gen {
		g.mu.Unlock()
		return "", false
	}
	g.cancelTimersLocked()
	userID := g.session.UserID
	g.session = nil
	g.suspicion = 0
	g.generation++
	g.state = next
	handlers := slices.Clone(g.clearedHandlers)
	g.mu.Unlock()

	if g.store != nil {
		if err := g.store.Delete(context.Background(), storage.KeySession); err != nil {
			g.log.Warn("Failed to delete session backup", "error", err)
		}
	}
	g.log.Info("Session cleared", "user", userID, "reason", reason)
	for _, h := range handlers {
		h(userID, reason)
	}
	return userID, true
}

func (g *Guard) securityDelay(ctx context.Context) error {
	d := g.cfg.SecurityDelay + g.jitter(g.cfg.SecurityJitter)
	if d <= 0 {
		return ctx.Err()
	}
	return g.clock.Sleep(ctx, d)
}

func (g *Guard) persist(ctx context.Context) {
	if g.store == nil {
		return
	}
	g.mu.Lock()
	if g.session == nil {
		g.mu.Unlock()
		return
	}
	b := backup{Session: *g.session, LastActivity: g.lastActivity}
	g.mu.Unlock()

	if err := storage.SetJSON(ctx, g.store, storage.KeySession, b, 0); err != nil {
		g.log.Warn("Failed to persist session backup", "error", err)
	}
}

func (g *Guard) cancelTimersLocked() {
	if g.validateTimer != nil {
		g.validateTimer.Stop()
		g.validateTimer = nil
	}
	if g.refreshTimer != nil {
		g.refreshTimer.Stop()
		g.refreshTimer = nil
	}
}

func (g *Guard) armTimersLocked() {
	g.armValidateLocked()
	g.armRefreshLocked()
}

func (g *Guard) armValidateLocked() {
	if g.cfg.ValidationInterval <= 0 {
		return
	}
	gen := g.generation
	g.validateTimer = g.clock.AfterFunc(g.cfg.ValidationInterval, func() {
		if !g.owns(gen) {
			return
		}
		if v := g.Validate(context.Background()); !v.Valid {
			g.log.Debug("Periodic validation failed", "reason", v.Reason)
		}
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.session != nil && g.generation == gen {
			g.armValidateLocked()
		}
	})
}

// armRefreshLocked schedules the proactive refresh RefreshBuffer before
// expiry, replacing any earlier schedule.
func (g *Guard) armRefreshLocked() {
	if g.refreshTimer != nil {
		g.refreshTimer.Stop()
		g.refreshTimer = nil
	}
	if g.session == nil || g.session.ExpiresAt.IsZero() {
		return
	}
	gen := g.generation
	delay := max(g.session.ExpiresAt.Sub(g.clock.Now())-g.cfg.RefreshBuffer, minRefreshDelay)
	g.refreshTimer = g.clock.AfterFunc(delay, func() {
		if !g.owns(gen) {
			return
		}
		if _, err := g.Refresh(context.Background()); err != nil {
			g.log.Debug("Scheduled refresh failed", "error", err)
		}
	})
}

func (g *Guard) owns(gen uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.session != nil && g.generation == gen
}
