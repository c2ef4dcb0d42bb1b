package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMalformedToken  = errors.New("malformed access token")
	ErrSubjectMismatch = errors.New("token subject does not match session user")
)

// TokenValidator checks access token structure and, when a secret is
// configured, its HS256 signature. Expiry is not checked here: an expiring
// token is refreshed, not rejected.
type TokenValidator struct {
	secret []byte
	parser *jwt.Parser
}

// NewTokenValidator creates a validator. An empty secret limits checks to
// structure and subject.
func NewTokenValidator(secret string) *TokenValidator {
	return &TokenValidator{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithoutClaimsValidation(),
		),
	}
}

func (v *TokenValidator) parse(token string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	if len(v.secret) == 0 {
		if _, _, err := v.parser.ParseUnverified(token, claims); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
		}
		return claims, nil
	}
	_, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	return claims, nil
}

// Validate checks token and that its subject is userID.
func (v *TokenValidator) Validate(token, userID string) error {
	claims, err := v.parse(token)
	if err != nil {
		return err
	}
	if claims.Subject == "" || claims.Subject != userID {
		return ErrSubjectMismatch
	}
	return nil
}

// Expiry returns the token's exp claim.
func (v *TokenValidator) Expiry(token string) (time.Time, bool) {
	claims, err := v.parse(token)
	if err != nil || claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
