package session

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/vietddude/guardian/internal/core/domain"
)

// FingerprintSource describes the current execution context.
type FingerprintSource interface {
	Current(ctx context.Context) (domain.Fingerprint, error)
}

// Seal fills in fp.Hash from its attributes.
func Seal(fp domain.Fingerprint) domain.Fingerprint {
	var b strings.Builder
	for _, kv := range [][2]string{
		{"platform", fp.Platform},
		{"arch", fp.Arch},
		{"app_version", fp.AppVersion},
		{"network", fp.NetworkType},
		{"locale", fp.Locale},
		{"timezone", fp.Timezone},
	} {
		b.WriteString(kv[0])
		b.WriteByte('=')
		b.WriteString(kv[1])
		b.WriteByte('\n')
	}
	sum := blake2b.Sum256([]byte(b.String()))
	fp.Hash = hex.EncodeToString(sum[:])
	return fp
}

// Matches compares two fingerprints by digest in constant time.
func Matches(registered *domain.Fingerprint, current domain.Fingerprint) bool {
	if registered == nil {
		return false
	}
	a := registered.Hash
	if a == "" {
		a = Seal(*registered).Hash
	}
	b := current.Hash
	if b == "" {
		b = Seal(current).Hash
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// RuntimeSource derives the fingerprint from the running process. The
// network type is reported by the host app as it changes.
type RuntimeSource struct {
	AppVersion string
	Locale     string

	mu      sync.RWMutex
	network string
}

// NewRuntimeSource creates a source for the given app version and locale.
func NewRuntimeSource(appVersion, locale string) *RuntimeSource {
	return &RuntimeSource{AppVersion: appVersion, Locale: locale, network: "unknown"}
}

// SetNetworkType records the current network type (wifi, cellular, ...).
func (s *RuntimeSource) SetNetworkType(network string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.network = network
}

func (s *RuntimeSource) Current(ctx context.Context) (domain.Fingerprint, error) {
	s.mu.RLock()
	network := s.network
	s.mu.RUnlock()

	return Seal(domain.Fingerprint{
		Platform:    runtime.GOOS,
		Arch:        runtime.GOARCH,
		AppVersion:  s.AppVersion,
		NetworkType: network,
		Locale:      s.Locale,
		Timezone:    time.Local.String(),
	}), nil
}
