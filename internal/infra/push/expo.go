// Package push implements notify.Transport against the Expo push service,
// plus a logging transport for local development.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/vietddude/guardian/internal/core/apperr"
	"github.com/vietddude/guardian/internal/core/domain"
)

const DefaultEndpoint = "https://exp.host/--/api/v2/push/send"

var (
	ErrNoDeviceToken  = errors.New("no device token registered")
	ErrTicketRejected = errors.New("push ticket rejected")
)

// Config holds push transport settings.
type Config struct {
	Driver      string        `yaml:"driver"`
	Endpoint    string        `yaml:"endpoint"`
	AccessToken string        `yaml:"access_token"`
	DeviceToken string        `yaml:"device_token"`
	RateLimit   float64       `yaml:"rate_limit"`
	Burst       int           `yaml:"burst"`
	Timeout     time.Duration `yaml:"timeout"`
}

// ExpoClient delivers notifications through the Expo push API. Requests are
// throttled client-side to RateLimit per second.
type ExpoClient struct {
	endpoint    string
	accessToken string
	deviceToken string
	httpClient  *http.Client
	limiter     *rate.Limiter
}

// NewExpoClient creates a new Expo push client
func NewExpoClient(cfg Config) *ExpoClient {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &ExpoClient{
		endpoint:    cfg.Endpoint,
		accessToken: cfg.AccessToken,
		deviceToken: cfg.DeviceToken,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		limiter:     rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
	}
}

// RequestPermissions reports whether a device is registered to receive
// pushes.
func (c *ExpoClient) RequestPermissions(ctx context.Context) (bool, error) {
	return c.deviceToken != "", nil
}

func (c *ExpoClient) DeviceToken(ctx context.Context) (string, error) {
	if c.deviceToken == "" {
		return "", ErrNoDeviceToken
	}
	return c.deviceToken, nil
}

type message struct {
	To       string            `json:"to"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	Priority string            `json:"priority"`
	Sound    string            `json:"sound,omitempty"`
}

type ticket struct {
	Status  string `json:"status"`
	ID      string `json:"id"`
	Message string `json:"message"`
	Details struct {
		Error string `json:"error"`
	} `json:"details"`
}

type sendResponse struct {
	Data   []ticket `json:"data"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// ScheduleLocalDelivery sends n to the registered device.
func (c *ExpoClient) ScheduleLocalDelivery(ctx context.Context, n domain.Notification) error {
	if c.deviceToken == "" {
		return ErrNoDeviceToken
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	msg := message{
		To:       c.deviceToken,
		Title:    n.Title,
		Body:     n.Body,
		Data:     n.Data,
		Priority: expoPriority(n.Priority),
	}
	if n.Priority >= domain.PriorityHigh {
		msg.Sound = "default"
	}
	body, err := json.Marshal([]message{msg})
	if err != nil {
		return fmt.Errorf("failed to marshal push message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send push: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read push response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &apperr.StatusError{Status: resp.StatusCode, Body: string(raw)}
	}

	var out sendResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("invalid push response: %w", err)
	}
	if len(out.Errors) > 0 {
		return fmt.Errorf("%w: %s", ErrTicketRejected, out.Errors[0].Message)
	}
	for _, t := range out.Data {
		if t.Status != "ok" {
			return fmt.Errorf("%w: %s %s", ErrTicketRejected, t.Details.Error, t.Message)
		}
	}
	return nil
}

func expoPriority(p domain.Priority) string {
	switch p {
	case domain.PriorityHigh, domain.PriorityCritical:
		return "high"
	case domain.PriorityLow:
		return "default"
	default:
		return "normal"
	}
}

// LogTransport grants permission and logs every delivery.
type LogTransport struct {
	log *slog.Logger
}

func NewLogTransport(log *slog.Logger) *LogTransport {
	if log == nil {
		log = slog.Default()
	}
	return &LogTransport{log: log}
}

func (t *LogTransport) RequestPermissions(ctx context.Context) (bool, error) {
	return true, nil
}

func (t *LogTransport) DeviceToken(ctx context.Context) (string, error) {
	return "log-device", nil
}

func (t *LogTransport) ScheduleLocalDelivery(ctx context.Context, n domain.Notification) error {
	t.log.Info("Notification delivered",
		"id", n.ID,
		"user", n.UserID,
		"type", n.Type,
		"priority", n.Priority,
		"title", n.Title,
	)
	return nil
}
