// Package server exposes health, metrics and the local session and
// notification API over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/guardian/internal/core/apperr"
	"github.com/vietddude/guardian/internal/core/domain"
	"github.com/vietddude/guardian/internal/health"
	"github.com/vietddude/guardian/internal/notify"
	"github.com/vietddude/guardian/internal/session"
)

// SessionService is the part of session.Guard the API drives.
type SessionService interface {
	Validate(ctx context.Context) session.Validation
	RegisterActivity()
	Refresh(ctx context.Context) (*domain.Session, error)
	SignInWithCode(ctx context.Context, phone, code string) error
	SignOut(ctx context.Context) error
	Status() session.Status
}

// NotificationService is the part of notify.Dispatcher the API drives.
type NotificationService interface {
	Send(ctx context.Context, n domain.Notification, opts notify.SendOptions) (notify.Outcome, error)
}

// PreferenceService reads and writes delivery preferences.
type PreferenceService interface {
	Get(ctx context.Context, userID string) (domain.Preferences, error)
	Update(ctx context.Context, p domain.Preferences) error
}

// Deps are the components behind the API.
type Deps struct {
	Monitor       *health.Monitor
	Sessions      SessionService
	Notifications NotificationService
	Preferences   PreferenceService
	Log           *slog.Logger
}

// Server provides HTTP endpoints for health monitoring and the local API.
type Server struct {
	deps   Deps
	log    *slog.Logger
	server *http.Server
}

// NewServer creates a new server.
func NewServer(port int, deps Deps) *Server {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	s := &Server{deps: deps, log: deps.Log}
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)
	r.Get("/health/detailed", s.handleDetailed)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/session", s.handleValidate)
		r.Post("/session/signin", s.handleSignIn)
		r.Post("/session/activity", s.handleActivity)
		r.Post("/session/refresh", s.handleRefresh)
		r.Post("/session/signout", s.handleSignOut)

		r.Post("/notifications", s.handleSend)
		r.Get("/preferences/{userID}", s.handleGetPreferences)
		r.Put("/preferences/{userID}", s.handlePutPreferences)
	})
	return r
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", chimiddleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.deps.Monitor.CheckHealth(r.Context())
	status := http.StatusOK
	if report.SystemStatus == health.StatusCritical {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"status": string(report.SystemStatus)})
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Monitor.CheckHealth(r.Context()))
}

type validationResponse struct {
	session.Validation
	Status session.Status `json:"status"`
	Error  *errorBody     `json:"error,omitempty"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	v := s.deps.Sessions.Validate(r.Context())
	resp := validationResponse{Validation: v, Status: s.deps.Sessions.Status()}
	if v.Err != nil {
		resp.Error = newErrorBody(v.Err)
	}
	status := http.StatusOK
	if !v.Valid {
		status = http.StatusUnauthorized
	}
	writeJSON(w, status, resp)
}

type signInRequest struct {
	Phone string `json:"phone"`
	Code  string `json:"code"`
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Phone == "" || req.Code == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: apperr.CodeValidation, Message: "phone and code are required"})
		return
	}
	if err := s.deps.Sessions.SignInWithCode(r.Context(), req.Phone, req.Code); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Sessions.Status())
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	s.deps.Sessions.RegisterActivity()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if _, err := s.deps.Sessions.Refresh(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Sessions.Status())
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Sessions.SignOut(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sendRequest struct {
	domain.Notification
	Immediate bool `json:"immediate"`
}

type sendResponse struct {
	Outcome notify.Outcome `json:"outcome"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: apperr.CodeValidation, Message: "invalid JSON body"})
		return
	}
	out, err := s.deps.Notifications.Send(r.Context(), req.Notification, notify.SendOptions{Immediate: req.Immediate})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sendResponse{Outcome: out})
}

func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Preferences.Get(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePutPreferences(w http.ResponseWriter, r *http.Request) {
	var p domain.Preferences
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: apperr.CodeValidation, Message: "invalid JSON body"})
		return
	}
	p.UserID = chi.URLParam(r, "userID")
	if err := s.deps.Preferences.Update(r.Context(), p); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Code: apperr.CodeValidation, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type errorBody struct {
	ID       string          `json:"id,omitempty"`
	Code     apperr.Code     `json:"code"`
	Category apperr.Category `json:"category,omitempty"`
	Message  string          `json:"message"`
	Context  map[string]any  `json:"context,omitempty"`
}

func newErrorBody(ce *apperr.ClassifiedError) *errorBody {
	return &errorBody{
		ID:       ce.ID,
		Code:     ce.Code,
		Category: ce.Category,
		Message:  ce.Message,
		Context:  ce.Context,
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	ce, ok := apperr.As(err)
	if !ok {
		s.log.Error("Unclassified API error", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Code: apperr.CodeUnknown, Message: err.Error()})
		return
	}
	writeJSON(w, httpStatus(ce), newErrorBody(ce))
}

// httpStatus maps a classification onto the closest HTTP status.
func httpStatus(ce *apperr.ClassifiedError) int {
	switch ce.Category {
	case apperr.CategoryValidation:
		return http.StatusUnprocessableEntity
	case apperr.CategoryAuthentication:
		if ce.Code == apperr.CodePermissionDenied || ce.Code == apperr.CodeAuthForbidden {
			return http.StatusForbidden
		}
		return http.StatusUnauthorized
	case apperr.CategoryNetwork:
		if ce.Code == apperr.CodeTimeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case apperr.CategoryExternalService:
		if ce.Code == apperr.CodeServiceUnavailable {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
