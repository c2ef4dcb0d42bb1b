// Package apperr implements the shared error taxonomy: every failure the
// layer observes is turned into a ClassifiedError before any component
// decides to retry, fall back or escalate.
package apperr

// Category groups codes by where the failure originated.
type Category string

const (
	CategoryNetwork         Category = "network"
	CategoryAuthentication  Category = "authentication"
	CategoryValidation      Category = "validation"
	CategoryExternalService Category = "external-service"
	CategoryBusinessLogic   Category = "business-logic"
	CategoryUnknown         Category = "unknown"
)

// Severity determines how urgently an error is reported.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from low (0) to critical (3).
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 1
	}
}

// Recovery is the automated remediation attached to a code.
type Recovery string

const (
	RecoveryRetry       Recovery = "retry"
	RecoveryFallback    Recovery = "fallback"
	RecoveryRefreshAuth Recovery = "refresh-auth"
	RecoveryClearState  Recovery = "clear-state"
	RecoveryNone        Recovery = "none"
)

// Code identifies a specific failure.
type Code string

const (
	CodeNetwork             Code = "NETWORK_ERROR"
	CodeTimeout             Code = "TIMEOUT"
	CodeCanceled            Code = "CANCELED"
	CodeRateLimited         Code = "RATE_LIMITED"
	CodeAuthExpired         Code = "AUTH_EXPIRED"
	CodeAuthForbidden       Code = "AUTH_FORBIDDEN"
	CodeAuthInvalid         Code = "AUTH_INVALID"
	CodeAuthRefreshFailed   Code = "AUTH_REFRESH_FAILED"
	CodeTokenInvalid        Code = "TOKEN_INVALID"
	CodeInactivityTimeout   Code = "INACTIVITY_TIMEOUT"
	CodeFingerprintMismatch Code = "FINGERPRINT_MISMATCH"
	CodeSessionHijack       Code = "SESSION_SUSPICIOUS"
	CodePermissionDenied    Code = "PERMISSION_DENIED"
	CodeValidation          Code = "VALIDATION_FAILED"
	CodeMaliciousContent    Code = "MALICIOUS_CONTENT"
	CodeExternalService     Code = "EXTERNAL_SERVICE_ERROR"
	CodeServiceUnavailable  Code = "SERVICE_UNAVAILABLE"
	CodeDeliveryFailed      Code = "NOTIFICATION_DELIVERY_FAILED"
	CodeStorage             Code = "STORAGE_ERROR"
	CodeBusinessRule        Code = "BUSINESS_RULE_VIOLATION"
	CodeUnknown             Code = "UNKNOWN"
)

type codeTraits struct {
	category Category
	severity Severity
	recovery Recovery
}

// defaults is the static table every classification reads from. Callers
// cannot override these values.
var defaults = map[Code]codeTraits{
	CodeNetwork:             {CategoryNetwork, SeverityMedium, RecoveryRetry},
	CodeTimeout:             {CategoryNetwork, SeverityMedium, RecoveryRetry},
	CodeCanceled:            {CategoryNetwork, SeverityLow, RecoveryNone},
	CodeRateLimited:         {CategoryNetwork, SeverityMedium, RecoveryRetry},
	CodeAuthExpired:         {CategoryAuthentication, SeverityHigh, RecoveryRefreshAuth},
	CodeAuthForbidden:       {CategoryAuthentication, SeverityHigh, RecoveryClearState},
	CodeAuthInvalid:         {CategoryAuthentication, SeverityHigh, RecoveryRefreshAuth},
	CodeAuthRefreshFailed:   {CategoryAuthentication, SeverityHigh, RecoveryClearState},
	CodeTokenInvalid:        {CategoryAuthentication, SeverityHigh, RecoveryClearState},
	CodeInactivityTimeout:   {CategoryAuthentication, SeverityLow, RecoveryClearState},
	CodeFingerprintMismatch: {CategoryAuthentication, SeverityHigh, RecoveryNone},
	CodeSessionHijack:       {CategoryAuthentication, SeverityCritical, RecoveryClearState},
	CodePermissionDenied:    {CategoryAuthentication, SeverityMedium, RecoveryNone},
	CodeValidation:          {CategoryValidation, SeverityLow, RecoveryNone},
	CodeMaliciousContent:    {CategoryValidation, SeverityHigh, RecoveryNone},
	CodeExternalService:     {CategoryExternalService, SeverityHigh, RecoveryRetry},
	CodeServiceUnavailable:  {CategoryExternalService, SeverityHigh, RecoveryFallback},
	CodeDeliveryFailed:      {CategoryExternalService, SeverityLow, RecoveryRetry},
	CodeStorage:             {CategoryExternalService, SeverityMedium, RecoveryNone},
	CodeBusinessRule:        {CategoryBusinessLogic, SeverityMedium, RecoveryNone},
	CodeUnknown:             {CategoryUnknown, SeverityMedium, RecoveryNone},
}

func traitsFor(code Code) codeTraits {
	if s, ok := defaults[code]; ok {
		return s
	}
	return defaults[CodeUnknown]
}
