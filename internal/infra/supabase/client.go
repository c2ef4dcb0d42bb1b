// Package supabase adapts a Supabase project to the session auth backend and
// the telemetry sink.
package supabase

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/supabase-community/gotrue-go/types"
	"github.com/supabase-community/supabase-go"

	"github.com/vietddude/guardian/internal/core/apperr"
	"github.com/vietddude/guardian/internal/core/domain"
	"github.com/vietddude/guardian/internal/telemetry"
)

// Config holds Supabase connection configuration
type Config struct {
	URL         string `yaml:"url"`
	APIKey      string `yaml:"api_key"`
	ReportTable string `yaml:"report_table"`
}

// Client implements session.AuthBackend and telemetry.Sink. The underlying
// SDK is not context aware; callers bound each call with their own deadline.
type Client struct {
	client *supabase.Client
	table  string
	now    func() time.Time
}

// New creates a new Supabase client
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("supabase URL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("supabase API key is required")
	}
	if cfg.ReportTable == "" {
		cfg.ReportTable = "error_reports"
	}

	client, err := supabase.NewClient(cfg.URL, cfg.APIKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create supabase client: %w", err)
	}

	return &Client{client: client, table: cfg.ReportTable, now: time.Now}, nil
}

// RefreshSession exchanges a refresh token for a new session.
func (c *Client) RefreshSession(ctx context.Context, refreshToken string) (*domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := c.client.Auth.RefreshToken(refreshToken)
	if err != nil {
		return nil, statusError("refresh session", err)
	}
	return c.toSession(resp.Session), nil
}

// VerifyOneTimeCode completes a phone sign-in.
func (c *Client) VerifyOneTimeCode(ctx context.Context, phone, code string) (*domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := c.client.Auth.VerifyForUser(types.VerifyForUserRequest{
		Type:  types.VerificationTypeSMS,
		Token: code,
		Phone: phone,
	})
	if err != nil {
		return nil, statusError("verify code", err)
	}
	return c.toSession(resp.Session), nil
}

// SignOut revokes the session behind accessToken.
func (c *Client) SignOut(ctx context.Context, accessToken string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.client.Auth.WithToken(accessToken).Logout(); err != nil {
		return statusError("sign out", err)
	}
	return nil
}

func (c *Client) toSession(s types.Session) *domain.Session {
	out := &domain.Session{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		UserID:       s.User.ID.String(),
	}
	switch {
	case s.ExpiresAt > 0:
		out.ExpiresAt = time.Unix(s.ExpiresAt, 0)
	case s.ExpiresIn > 0:
		out.ExpiresAt = c.now().Add(time.Duration(s.ExpiresIn) * time.Second)
	}
	return out
}

var statusPattern = regexp.MustCompile(`response status code (\d{3})`)

// statusError lifts the HTTP status out of the SDK's error text so the
// classifier can see it.
func statusError(op string, err error) error {
	m := statusPattern.FindStringSubmatch(err.Error())
	if m == nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	status, _ := strconv.Atoi(m[1])
	return fmt.Errorf("failed to %s: %w", op, &apperr.StatusError{Status: status, Body: err.Error()})
}

type reportRow struct {
	ID          string                 `json:"id"`
	Code        string                 `json:"code"`
	Category    string                 `json:"category"`
	Severity    string                 `json:"severity"`
	Message     string                 `json:"message"`
	Cause       string                 `json:"cause,omitempty"`
	UserID      string                 `json:"user_id,omitempty"`
	Context     map[string]any         `json:"context,omitempty"`
	Breadcrumbs []telemetry.Breadcrumb `json:"breadcrumbs,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// Send inserts reports into the report table in one request.
func (c *Client) Send(ctx context.Context, reports []telemetry.Report) error {
	if len(reports) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	rows := make([]reportRow, len(reports))
	for i, r := range reports {
		rows[i] = reportRow{
			ID:          r.ID,
			Code:        string(r.Code),
			Category:    string(r.Category),
			Severity:    string(r.Severity),
			Message:     r.Message,
			Cause:       r.Cause,
			UserID:      r.UserID,
			Context:     r.Context,
			Breadcrumbs: r.Breadcrumbs,
			CreatedAt:   r.Timestamp,
		}
	}

	_, _, err := c.client.From(c.table).Insert(rows, false, "", "minimal", "").Execute()
	if err != nil {
		return fmt.Errorf("failed to insert error reports: %w", statusError("insert", err))
	}
	return nil
}

func (c *Client) Close() error { return nil }
