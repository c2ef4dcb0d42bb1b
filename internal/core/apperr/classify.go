package apperr

import (
	"context"
	"errors"
	"maps"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
)

// statusCoder is implemented by errors that carry an HTTP-like status.
type statusCoder interface {
	StatusCode() int
}

// messageRules is the fallback heuristic, checked in order.
var messageRules = []struct {
	pattern string
	code    Code
}{
	{"network", CodeNetwork},
	{"connection reset", CodeNetwork},
	{"connection refused", CodeNetwork},
	{"timeout", CodeTimeout},
	{"timed out", CodeTimeout},
	{"auth", CodeAuthInvalid},
	{"validation", CodeValidation},
	{"permission", CodePermissionDenied},
}

// Classifier maps arbitrary failures to ClassifiedError values.
type Classifier struct {
	now   func() time.Time
	newID func() string
}

// NewClassifier creates a classifier stamping errors with now.
func NewClassifier(now func() time.Time) *Classifier {
	if now == nil {
		now = time.Now
	}
	return &Classifier{
		now:   now,
		newID: func() string { return uuid.NewString() },
	}
}

// Classify turns err into a ClassifiedError. An error that already carries a
// classification is returned unchanged, so classifying twice is a no-op.
func (c *Classifier) Classify(err error, kv map[string]any) *ClassifiedError {
	if err == nil {
		return nil
	}
	if ce, ok := As(err); ok {
		return ce
	}
	return c.build(codeFor(err), err.Error(), err, kv)
}

// New builds a ClassifiedError for a condition a component detected itself.
func (c *Classifier) New(code Code, message string, cause error) *ClassifiedError {
	return c.build(code, message, cause, nil)
}

func (c *Classifier) build(code Code, message string, cause error, kv map[string]any) *ClassifiedError {
	tr := traitsFor(code)
	ctx := make(map[string]any, len(kv))
	maps.Copy(ctx, kv)
	return &ClassifiedError{
		ID:        c.newID(),
		Code:      code,
		Category:  tr.category,
		Severity:  tr.severity,
		Recovery:  tr.recovery,
		Message:   message,
		Timestamp: c.now(),
		Context:   ctx,
		cause:     cause,
	}
}

func codeFor(err error) Code {
	var sc statusCoder
	if errors.As(err, &sc) {
		if code, ok := codeForStatus(sc.StatusCode()); ok {
			return code
		}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CodeTimeout
		}
		return CodeNetwork
	}

	msg := strings.ToLower(err.Error())
	for _, rule := range messageRules {
		if strings.Contains(msg, rule.pattern) {
			return rule.code
		}
	}
	return CodeUnknown
}

func codeForStatus(status int) (Code, bool) {
	switch {
	case status == 401:
		return CodeAuthExpired, true
	case status == 403:
		return CodeAuthForbidden, true
	case status == 429:
		return CodeRateLimited, true
	case status == 400 || status == 422:
		return CodeValidation, true
	case status >= 500 && status <= 599:
		return CodeExternalService, true
	}
	return "", false
}
