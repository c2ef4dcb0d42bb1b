package domain

import "time"

// Session is the authenticated session owned by the session guard.
type Session struct {
	AccessToken     string       `json:"access_token"`
	RefreshToken    string       `json:"refresh_token"`
	UserID          string       `json:"user_id"`
	ExpiresAt       time.Time    `json:"expires_at"`
	LastValidatedAt time.Time    `json:"last_validated_at"`
	Fingerprint     *Fingerprint `json:"fingerprint,omitempty"`
}

// Remaining returns the token lifetime left at now.
func (s *Session) Remaining(now time.Time) time.Duration {
	return s.ExpiresAt.Sub(now)
}

// Fingerprint is a derived signature of the execution context recorded when
// the session is created.
type Fingerprint struct {
	Platform    string `json:"platform"`
	Arch        string `json:"arch"`
	AppVersion  string `json:"app_version"`
	NetworkType string `json:"network_type"`
	Locale      string `json:"locale"`
	Timezone    string `json:"timezone"`
	Hash        string `json:"hash"`
}

// SessionState is the guard's state machine position.
type SessionState string

const (
	SessionUnauthenticated SessionState = "unauthenticated"
	SessionAuthenticated   SessionState = "authenticated"
	SessionRefreshing      SessionState = "refreshing"
	SessionSuspicious      SessionState = "suspicious_pending_reauth"
	SessionExpired         SessionState = "expired"
)
