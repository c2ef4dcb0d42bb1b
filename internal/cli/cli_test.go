package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vietddude/guardian/internal/health"
	"github.com/vietddude/guardian/internal/infra/storage"
	"github.com/vietddude/guardian/internal/infra/storage/memory"
)

func TestResetState(t *testing.T) {
	ctx := context.Background()
	kv := memory.NewMemoryStorage()
	keep := storage.PrefixPreferences + "u1"
	for _, k := range []string{storage.KeySession, storage.PrefixCrash + "a", storage.PrefixCrash + "b", keep} {
		if err := kv.Set(ctx, k, []byte("{}"), 0); err != nil {
			t.Fatal(err)
		}
	}

	n, err := resetState(ctx, kv)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("removed = %d, want 3", n)
	}
	if _, err := kv.Get(ctx, storage.KeySession); err == nil {
		t.Error("session backup survived reset")
	}
	if _, err := kv.Get(ctx, keep); err != nil {
		t.Errorf("preferences should survive reset: %v", err)
	}
}

func TestFetchAndPrintHealth(t *testing.T) {
	report := health.HealthReport{
		SystemStatus: health.StatusDegraded,
		CheckedAt:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Components: map[string]health.ComponentHealth{
			"storage":  {Status: health.StatusHealthy},
			"breakers": {Status: health.StatusDegraded, Detail: "open circuits: auth"},
		},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health/detailed" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(report)
	}))
	defer srv.Close()

	got, err := fetchHealth(context.Background(), srv.Client(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if got.SystemStatus != health.StatusDegraded {
		t.Errorf("status = %s", got.SystemStatus)
	}

	var buf bytes.Buffer
	printHealth(&buf, got)
	out := buf.String()
	if !strings.Contains(out, "open circuits: auth") {
		t.Errorf("output missing detail:\n%s", out)
	}
	if strings.Index(out, "breakers") > strings.Index(out, "storage") {
		t.Errorf("components should be sorted:\n%s", out)
	}
}

func TestFetchHealth_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	if _, err := fetchHealth(context.Background(), srv.Client(), srv.URL); err == nil {
		t.Error("expected error for 500")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]string{"debug": "DEBUG", "warn": "WARN", "error": "ERROR", "": "INFO", "bogus": "INFO"}
	for in, want := range tests {
		if got := parseLevel(in).String(); got != want {
			t.Errorf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
