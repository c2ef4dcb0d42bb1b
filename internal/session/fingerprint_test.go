package session

import (
	"context"
	"runtime"
	"testing"

	"github.com/vietddude/guardian/internal/core/domain"
)

func TestSeal_Deterministic(t *testing.T) {
	fp := domain.Fingerprint{Platform: "android", AppVersion: "1.0.0", NetworkType: "wifi", Locale: "en-US"}
	a := Seal(fp)
	b := Seal(fp)
	if a.Hash == "" || a.Hash != b.Hash {
		t.Fatalf("hash not stable: %q vs %q", a.Hash, b.Hash)
	}
	if len(a.Hash) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(a.Hash))
	}

	fp.NetworkType = "cellular"
	if Seal(fp).Hash == a.Hash {
		t.Error("changing an attribute should change the hash")
	}
}

func TestMatches(t *testing.T) {
	base := Seal(domain.Fingerprint{Platform: "ios", Locale: "vi-VN"})
	other := Seal(domain.Fingerprint{Platform: "android", Locale: "vi-VN"})
	unsealed := domain.Fingerprint{Platform: "ios", Locale: "vi-VN"}

	tests := []struct {
		name       string
		registered *domain.Fingerprint
		current    domain.Fingerprint
		want       bool
	}{
		{"same", &base, base, true},
		{"different", &base, other, false},
		{"nil registered", nil, base, false},
		{"unsealed current", &base, unsealed, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Matches(tt.registered, tt.current); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRuntimeSource(t *testing.T) {
	src := NewRuntimeSource("3.1.0", "en-GB")
	before, err := src.Current(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if before.Platform != runtime.GOOS || before.Arch != runtime.GOARCH || before.AppVersion != "3.1.0" {
		t.Errorf("fingerprint = %+v", before)
	}

	src.SetNetworkType("cellular")
	after, _ := src.Current(context.Background())
	if Matches(&before, after) {
		t.Error("network change should alter the fingerprint")
	}
}
