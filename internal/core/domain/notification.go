package domain

import (
	"fmt"
	"time"
)

// NotificationType identifies what a notification is about.
type NotificationType string

const (
	NotificationNewMessage  NotificationType = "new_message"
	NotificationNewMatch    NotificationType = "new_match"
	NotificationProfileView NotificationType = "profile_view"
	NotificationLike        NotificationType = "like"
	NotificationSuperLike   NotificationType = "super_like"
	NotificationSystem      NotificationType = "system"
)

// NotificationTypes lists every known type.
var NotificationTypes = []NotificationType{
	NotificationNewMessage,
	NotificationNewMatch,
	NotificationProfileView,
	NotificationLike,
	NotificationSuperLike,
	NotificationSystem,
}

// Valid reports whether t is a known type.
func (t NotificationType) Valid() bool {
	for _, known := range NotificationTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Priority orders delivery urgency.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	switch string(b) {
	case "low":
		*p = PriorityLow
	case "normal", "":
		*p = PriorityNormal
	case "high":
		*p = PriorityHigh
	case "critical":
		*p = PriorityCritical
	default:
		return fmt.Errorf("unknown priority %q", b)
	}
	return nil
}

// ParsePriority parses the string form; unknown values map to normal.
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityNormal
	}
}

// Notification is one outbound payload.
type Notification struct {
	ID        string            `json:"id"`
	MessageID string            `json:"message_id,omitempty"`
	UserID    string            `json:"user_id"`
	Type      NotificationType  `json:"type"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Priority  Priority          `json:"priority"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// DedupKey is the identity used to drop duplicates inside a batch.
func (n Notification) DedupKey() string {
	if n.MessageID != "" {
		return n.MessageID
	}
	return n.ID
}

// QuietHours is a daily window, "HH:MM" in Location, that may wrap midnight.
type QuietHours struct {
	Start    string `json:"start"`
	End      string `json:"end"`
	Location string `json:"location"`
}

// Preferences are a recipient's delivery settings.
type Preferences struct {
	UserID     string                    `json:"user_id"`
	Disabled   map[NotificationType]bool `json:"disabled,omitempty"`
	QuietHours *QuietHours               `json:"quiet_hours,omitempty"`
}

// Enabled reports whether t may be delivered to the recipient.
func (p Preferences) Enabled(t NotificationType) bool {
	return !p.Disabled[t]
}

// RetryEntry is a failed delivery waiting for another attempt.
type RetryEntry struct {
	ID           string       `json:"id"`
	Notification Notification `json:"notification"`
	RetryCount   int          `json:"retry_count"`
	MaxRetries   int          `json:"max_retries"`
	NextAttempt  time.Time    `json:"next_attempt"`
	LastError    string       `json:"last_error"`
	CreatedAt    time.Time    `json:"created_at"`
}
