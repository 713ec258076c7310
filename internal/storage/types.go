package storage

import (
	"time"
)

// SessionRecord is the durable state of one logical user session.
type SessionRecord struct {
	ID             string     `json:"id"`
	AccountID      string     `json:"account_id"`
	StartedAt      *time.Time `json:"started_at,omitempty"` // nil when no window is open
	LastSeenAt     time.Time  `json:"last_seen_at"`         // fold watermark
	LastActivityAt time.Time  `json:"last_activity_at"`
	LastLoginAt    *time.Time `json:"last_login_at,omitempty"`
	AccumulatedMs  int64      `json:"accumulated_ms"`
	Version        int64      `json:"version"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Open reports whether a window is in progress.
func (s *SessionRecord) Open() bool {
	return s.StartedAt != nil
}

// Account mirrors the identity system's account and carries the
// separately maintained duration aggregate.
type Account struct {
	ID              string    `json:"id"`
	Active          bool      `json:"active"`
	TotalDurationMs int64     `json:"total_duration_ms"`
	UpdatedAt       time.Time `json:"updated_at"`
}
