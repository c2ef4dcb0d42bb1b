package session

import (
	"errors"
	"testing"
	"time"
)

func TestTokenValidator(t *testing.T) {
	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	good := signToken(t, testSecret, "user-1", exp)
	forged := signToken(t, "attacker", "user-1", exp)
	expired := signToken(t, testSecret, "user-1", time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC))

	tests := []struct {
		name    string
		secret  string
		token   string
		user    string
		wantErr error
	}{
		{"valid", testSecret, good, "user-1", nil},
		{"expired is still structurally valid", testSecret, expired, "user-1", nil},
		{"subject mismatch", testSecret, good, "user-2", ErrSubjectMismatch},
		{"forged signature", testSecret, forged, "user-1", ErrMalformedToken},
		{"forged accepted without secret", "", forged, "user-1", nil},
		{"not a jwt", "", "abc.def", "user-1", ErrMalformedToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewTokenValidator(tt.secret).Validate(tt.token, tt.user)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestTokenValidator_Expiry(t *testing.T) {
	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	got, ok := NewTokenValidator(testSecret).Expiry(signToken(t, testSecret, "u", exp))
	if !ok || !got.Equal(exp) {
		t.Errorf("Expiry = %v, %v", got, ok)
	}
	if _, ok := NewTokenValidator("").Expiry("garbage"); ok {
		t.Error("garbage token should have no expiry")
	}
}
