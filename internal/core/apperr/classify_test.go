package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func fixedClassifier() *Classifier {
	c := NewClassifier(func() time.Time { return time.Unix(1700000000, 0) })
	c.newID = func() string { return "err-1" }
	return c
}

func TestClassify_Status401(t *testing.T) {
	c := fixedClassifier()

	ce := c.Classify(&StatusError{Status: 401}, nil)

	if ce.Category != CategoryAuthentication {
		t.Errorf("category = %s, want authentication", ce.Category)
	}
	if ce.Recovery != RecoveryRefreshAuth {
		t.Errorf("recovery = %s, want refresh-auth", ce.Recovery)
	}
	if ce.Severity != SeverityHigh {
		t.Errorf("severity = %s, want high", ce.Severity)
	}
}

func TestClassify_Rules(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		code     Code
		category Category
		recovery Recovery
	}{
		{"403", &StatusError{Status: 403}, CodeAuthForbidden, CategoryAuthentication, RecoveryClearState},
		{"429", &StatusError{Status: 429}, CodeRateLimited, CategoryNetwork, RecoveryRetry},
		{"500", &StatusError{Status: 500}, CodeExternalService, CategoryExternalService, RecoveryRetry},
		{"503 wrapped", fmt.Errorf("call: %w", &StatusError{Status: 503}), CodeExternalService, CategoryExternalService, RecoveryRetry},
		{"422", &StatusError{Status: 422}, CodeValidation, CategoryValidation, RecoveryNone},
		{"404 falls through", &StatusError{Status: 404, Body: "row missing"}, CodeUnknown, CategoryUnknown, RecoveryNone},
		{"deadline", context.DeadlineExceeded, CodeTimeout, CategoryNetwork, RecoveryRetry},
		{"canceled", context.Canceled, CodeCanceled, CategoryNetwork, RecoveryNone},
		{"network msg", errors.New("Network request failed"), CodeNetwork, CategoryNetwork, RecoveryRetry},
		{"timeout msg", errors.New("request timeout"), CodeTimeout, CategoryNetwork, RecoveryRetry},
		{"auth msg", errors.New("Unauthorized"), CodeAuthInvalid, CategoryAuthentication, RecoveryRefreshAuth},
		{"validation msg", errors.New("validation error: bio too long"), CodeValidation, CategoryValidation, RecoveryNone},
		{"permission msg", errors.New("permission denied for table matches"), CodePermissionDenied, CategoryAuthentication, RecoveryNone},
		{"auth before permission", errors.New("authorization: permission denied"), CodeAuthInvalid, CategoryAuthentication, RecoveryRefreshAuth},
		{"validation before permission", errors.New("validation failed: permission field missing"), CodeValidation, CategoryValidation, RecoveryNone},
		{"unmatched", errors.New("something odd"), CodeUnknown, CategoryUnknown, RecoveryNone},
	}

	c := fixedClassifier()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ce := c.Classify(tt.err, nil)
			if ce.Code != tt.code {
				t.Errorf("code = %s, want %s", ce.Code, tt.code)
			}
			if ce.Category != tt.category {
				t.Errorf("category = %s, want %s", ce.Category, tt.category)
			}
			if ce.Recovery != tt.recovery {
				t.Errorf("recovery = %s, want %s", ce.Recovery, tt.recovery)
			}
			if !errors.Is(ce, tt.err) {
				t.Error("classified error should wrap its cause")
			}
		})
	}
}

func TestClassify_UnknownDefaults(t *testing.T) {
	ce := fixedClassifier().Classify(errors.New("???"), nil)
	if ce.Severity != SeverityMedium || ce.Recovery != RecoveryNone {
		t.Errorf("unknown should be medium/none, got %s/%s", ce.Severity, ce.Recovery)
	}
}

func TestClassify_Idempotent(t *testing.T) {
	c := fixedClassifier()
	first := c.Classify(&StatusError{Status: 401}, map[string]any{"op": "refresh"})

	second := c.Classify(first, map[string]any{"op": "other"})
	if second != first {
		t.Fatal("classifying a classified error must return it unchanged")
	}

	wrapped := c.Classify(fmt.Errorf("outer: %w", first), nil)
	if wrapped != first {
		t.Error("a wrapped classified error must be returned unchanged")
	}
	if first.Context["op"] != "refresh" {
		t.Errorf("context mutated: %v", first.Context)
	}
}

func TestClassify_Nil(t *testing.T) {
	if ce := fixedClassifier().Classify(nil, nil); ce != nil {
		t.Errorf("expected nil, got %v", ce)
	}
}

func TestWithContext_CopiesAndKeepsSeverity(t *testing.T) {
	c := fixedClassifier()
	orig := c.New(CodeAuthRefreshFailed, "refresh failed", nil)

	annotated := orig.WithContext(map[string]any{"attempts": 3})

	if annotated == orig {
		t.Fatal("WithContext should return a copy")
	}
	if _, ok := orig.Context["attempts"]; ok {
		t.Error("original context should be untouched")
	}
	if annotated.Attempts() != 3 {
		t.Errorf("attempts = %d, want 3", annotated.Attempts())
	}
	if annotated.Severity != orig.Severity {
		t.Error("severity must not change")
	}
}

func TestRetryable(t *testing.T) {
	c := fixedClassifier()
	tests := []struct {
		code Code
		want bool
	}{
		{CodeNetwork, true},
		{CodeExternalService, true},
		{CodeUnknown, true},
		{CodeAuthExpired, false},
		{CodePermissionDenied, false},
		{CodeValidation, false},
		{CodeCanceled, false},
		{CodeServiceUnavailable, false},
	}
	for _, tt := range tests {
		if got := c.New(tt.code, "", nil).Retryable(); got != tt.want {
			t.Errorf("Retryable(%s) = %v, want %v", tt.code, got, tt.want)
		}
	}
}
