package redis

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/guardian/internal/infra/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("GUARDIAN_TEST_REDIS_URL")
	if url == "" {
		t.Skip("GUARDIAN_TEST_REDIS_URL not set")
	}
	s, err := NewStore(Config{URL: url, Prefix: "guardian-test:" + uuid.NewString() + ":"})
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() {
		_, _ = storage.DeletePrefix(context.Background(), s, "")
		_ = s.Close()
	})
	return s
}

func TestStore_Integration(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	if err := s.Set(ctx, "crash:1", []byte("a"), 0); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "crash:2", []byte("b"), time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "session:current", []byte("c"), 0); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, "crash:1")
	if err != nil || string(got) != "a" {
		t.Fatalf("Get = %q, %v", got, err)
	}

	keys, err := s.Keys(ctx, "crash:")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 || keys[0] != "crash:1" || keys[1] != "crash:2" {
		t.Errorf("keys = %v", keys)
	}

	if err := s.Delete(ctx, "crash:1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "crash:1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestEscapeGlob(t *testing.T) {
	if got := escapeGlob("a*b?[c]"); got != `a\*b\?\[c\]` {
		t.Errorf("escapeGlob = %q", got)
	}
}
