package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vietddude/guardian/internal/core/domain"
	"github.com/vietddude/guardian/internal/infra/storage"
)

var ErrInvalidQuietHours = errors.New("quiet hours must be HH:MM in a valid time zone")

// PreferenceStore keeps per-recipient delivery settings. Reads are served
// from memory after the first load.
type PreferenceStore struct {
	kv storage.KV

	mu    sync.RWMutex
	cache map[string]domain.Preferences
}

// NewPreferenceStore creates a store. kv may be nil for memory-only use.
func NewPreferenceStore(kv storage.KV) *PreferenceStore {
	return &PreferenceStore{kv: kv, cache: make(map[string]domain.Preferences)}
}

// Get returns userID's preferences, defaulting to every type enabled and no
// quiet hours.
func (s *PreferenceStore) Get(ctx context.Context, userID string) (domain.Preferences, error) {
	s.mu.RLock()
	p, ok := s.cache[userID]
	s.mu.RUnlock()
	if ok {
		return p, nil
	}

	p = domain.Preferences{UserID: userID}
	if s.kv != nil {
		err := storage.GetJSON(ctx, s.kv, storage.PrefixPreferences+userID, &p)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return domain.Preferences{UserID: userID}, fmt.Errorf("failed to load preferences: %w", err)
		}
	}

	s.mu.Lock()
	s.cache[userID] = p
	s.mu.Unlock()
	return p, nil
}

// Update validates and stores p.
func (s *PreferenceStore) Update(ctx context.Context, p domain.Preferences) error {
	if p.UserID == "" {
		return errors.New("preferences require a user id")
	}
	for t := range p.Disabled {
		if !t.Valid() {
			return fmt.Errorf("unknown notification type %q", t)
		}
	}
	if p.QuietHours != nil {
		if _, _, _, err := parseQuietHours(p.QuietHours); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.cache[p.UserID] = p
	s.mu.Unlock()

	if s.kv != nil {
		if err := storage.SetJSON(ctx, s.kv, storage.PrefixPreferences+p.UserID, p, 0); err != nil {
			return fmt.Errorf("failed to persist preferences: %w", err)
		}
	}
	return nil
}

func parseQuietHours(q *domain.QuietHours) (start, end int, loc *time.Location, err error) {
	loc, err = time.LoadLocation(q.Location)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("%w: %v", ErrInvalidQuietHours, err)
	}
	if start, err = minuteOfDay(q.Start); err != nil {
		return 0, 0, nil, err
	}
	if end, err = minuteOfDay(q.End); err != nil {
		return 0, 0, nil, err
	}
	return start, end, loc, nil
}

func minuteOfDay(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidQuietHours, s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// InQuietHours reports whether now falls inside q. Windows whose end is
// before their start wrap past midnight.
func InQuietHours(q *domain.QuietHours, now time.Time) bool {
	if q == nil {
		return false
	}
	start, end, loc, err := parseQuietHours(q)
	if err != nil || start == end {
		return false
	}
	local := now.In(loc)
	m := local.Hour()*60 + local.Minute()
	if start < end {
		return m >= start && m < end
	}
	return m >= start || m < end
}
