package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vietddude/guardian/internal/infra/storage"
)

func TestMemoryStorage_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	value := []byte("v1")
	if err := s.Set(ctx, "k", value, 0); err != nil {
		t.Fatal(err)
	}
	value[0] = 'X'

	got, err := s.Get(ctx, "k")
	if err != nil || string(got) != "v1" {
		t.Fatalf("Get = %q, %v; stored value must be a copy", got, err)
	}

	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Errorf("deleting a missing key should succeed: %v", err)
	}
	if _, err := s.Get(ctx, "k"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStorage_TTL(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	s := NewMemoryStorage().WithClock(func() time.Time { return now })

	_ = s.Set(ctx, "crash:1", []byte("x"), time.Minute)
	_ = s.Set(ctx, "crash:2", []byte("y"), 0)

	now = now.Add(2 * time.Minute)
	if _, err := s.Get(ctx, "crash:1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expired key returned err = %v", err)
	}
	keys, _ := s.Keys(ctx, "crash:")
	if len(keys) != 1 || keys[0] != "crash:2" {
		t.Errorf("keys = %v, want [crash:2]", keys)
	}
}

func TestMemoryStorage_KeysPrefixSorted(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	for _, k := range []string{"prefs:b", "session:current", "prefs:a", "crash:1"} {
		_ = s.Set(ctx, k, []byte("1"), 0)
	}

	keys, err := s.Keys(ctx, storage.PrefixPreferences)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 || keys[0] != "prefs:a" || keys[1] != "prefs:b" {
		t.Errorf("keys = %v", keys)
	}

	n, err := storage.DeletePrefix(ctx, s, "prefs:")
	if err != nil || n != 2 {
		t.Fatalf("DeletePrefix = %d, %v", n, err)
	}
	all, _ := s.Keys(ctx, "")
	if len(all) != 2 {
		t.Errorf("remaining keys = %v", all)
	}
}
