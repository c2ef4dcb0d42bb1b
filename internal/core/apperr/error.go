package apperr

import (
	"errors"
	"fmt"
	"maps"
	"time"
)

// ClassifiedError is the immutable result of classification. Mutating
// helpers return copies.
type ClassifiedError struct {
	ID        string
	Code      Code
	Category  Category
	Severity  Severity
	Recovery  Recovery
	Message   string
	Timestamp time.Time
	Context   map[string]any

	cause error
}

func (e *ClassifiedError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ClassifiedError) Unwrap() error {
	return e.cause
}

// Retryable reports whether an automatic retry may be attempted.
// Authentication and validation failures are surfaced to the caller instead,
// and a fallback-only failure (open circuit) fails fast.
func (e *ClassifiedError) Retryable() bool {
	switch e.Category {
	case CategoryAuthentication, CategoryValidation:
		return false
	}
	return e.Code != CodeCanceled && e.Recovery != RecoveryFallback
}

// WithContext returns a copy of e with kv merged into its context.
func (e *ClassifiedError) WithContext(kv map[string]any) *ClassifiedError {
	if len(kv) == 0 {
		return e
	}
	cp := *e
	cp.Context = make(map[string]any, len(e.Context)+len(kv))
	maps.Copy(cp.Context, e.Context)
	maps.Copy(cp.Context, kv)
	return &cp
}

// Attempts returns the attempt count recorded by the retry loop, or 0.
func (e *ClassifiedError) Attempts() int {
	if n, ok := e.Context["attempts"].(int); ok {
		return n
	}
	return 0
}

// As extracts a ClassifiedError from err's chain.
func As(err error) (*ClassifiedError, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// HasCode reports whether err classifies to code without re-classifying.
func HasCode(err error, code Code) bool {
	ce, ok := As(err)
	return ok && ce.Code == code
}

// StatusError carries an HTTP-like status from a remote collaborator.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote returned status %d", e.Status)
	}
	return fmt.Sprintf("remote returned status %d: %s", e.Status, e.Body)
}

// StatusCode implements the interface the classifier looks for.
func (e *StatusError) StatusCode() int {
	return e.Status
}
