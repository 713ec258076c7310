package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/presence/internal/storage"
)

const keyPrefix = "presence:"

const (
	openSetKey    = keyPrefix + "sessions:open"
	accountsKey   = keyPrefix + "accounts"
	watermarksKey = keyPrefix + "audit:watermarks"
)

func sessionKey(id string) string {
	return keyPrefix + "session:" + id
}

func accountKey(id string) string {
	return keyPrefix + "account:" + id
}

func accountSessionsKey(id string) string {
	return keyPrefix + "account:" + id + ":sessions"
}

// formatTime renders a timestamp for a hash field
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// formatOptionalTime renders nil as the empty string
func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func parseOptionalTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// parseSessionRecord converts a Redis hash to SessionRecord
func parseSessionRecord(data map[string]string) (*storage.SessionRecord, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	startedAt, err := parseOptionalTime(data["started_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse started_at: %w", err)
	}

	lastLoginAt, err := parseOptionalTime(data["last_login_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse last_login_at: %w", err)
	}

	lastSeenAt, err := time.Parse(time.RFC3339Nano, data["last_seen_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse last_seen_at: %w", err)
	}

	lastActivityAt, err := time.Parse(time.RFC3339Nano, data["last_activity_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse last_activity_at: %w", err)
	}

	createdAt, err := time.Parse(time.RFC3339Nano, data["created_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}

	accumulatedMs, err := strconv.ParseInt(data["accumulated_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse accumulated_ms: %w", err)
	}

	version, err := strconv.ParseInt(data["version"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse version: %w", err)
	}

	return &storage.SessionRecord{
		ID:             data["id"],
		AccountID:      data["account_id"],
		StartedAt:      startedAt,
		LastSeenAt:     lastSeenAt,
		LastActivityAt: lastActivityAt,
		LastLoginAt:    lastLoginAt,
		AccumulatedMs:  accumulatedMs,
		Version:        version,
		CreatedAt:      createdAt,
	}, nil
}

// parseAccount converts a Redis hash to Account
func parseAccount(data map[string]string) (*storage.Account, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	totalMs, err := strconv.ParseInt(data["total_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse total_ms: %w", err)
	}

	active, err := strconv.ParseBool(data["active"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse active: %w", err)
	}

	updatedAt, err := time.Parse(time.RFC3339Nano, data["updated_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}

	return &storage.Account{
		ID:              data["id"],
		Active:          active,
		TotalDurationMs: totalMs,
		UpdatedAt:       updatedAt,
	}, nil
}
