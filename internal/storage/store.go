package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a record is missing from storage.
	ErrNotFound = errors.New("storage: record not found")

	// ErrExists is returned when creating a record whose ID is already taken.
	ErrExists = errors.New("storage: record already exists")

	// ErrConflict is returned when a compare-and-update lost the race: the
	// record's version no longer matches the version the caller read.
	ErrConflict = errors.New("storage: version conflict")

	// ErrRegression is returned when an update would decrease a session's
	// accumulated duration.
	ErrRegression = errors.New("storage: accumulated duration would decrease")

	// ErrCorrupt is returned when a stored record cannot be decoded.
	ErrCorrupt = errors.New("storage: record unreadable")
)

// CorruptError lists the records a bulk read could not decode. Bulk reads
// return it together with every record they could decode.
type CorruptError struct {
	IDs []string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("storage: %d unreadable record(s): %s", len(e.IDs), strings.Join(e.IDs, ", "))
}

func (e *CorruptError) Unwrap() error {
	return ErrCorrupt
}

// Store represents the root storage interface.
type Store interface {
	Ping(ctx context.Context) error
	Close() error
	Sessions() SessionStore
	Accounts() AccountStore
	Audit() AuditStore
}

// SessionStore manages session records.
//
// Update is the only way to change an existing record. Implementations must
// apply it atomically: the version check, the record write, the open-index
// maintenance and the account aggregate increment (next.AccumulatedMs minus
// the stored value) either all happen or none do.
//
// ListOpen and ListByAccount skip records that fail to decode and report
// them in a *CorruptError alongside the decoded records.
type SessionStore interface {
	Create(ctx context.Context, session SessionRecord) error
	Get(ctx context.Context, id string) (*SessionRecord, error)
	Update(ctx context.Context, next SessionRecord, expectedVersion int64) (*SessionRecord, error)
	ListOpen(ctx context.Context) ([]SessionRecord, error)
	ListByAccount(ctx context.Context, accountID string) ([]SessionRecord, error)
	OpenIDs(ctx context.Context) ([]string, error)
}

// AccountStore manages the account mirror and its duration aggregate.
type AccountStore interface {
	Get(ctx context.Context, id string) (*Account, error)
	List(ctx context.Context) ([]Account, error)
	Ensure(ctx context.Context, id string) (*Account, error)
	SetActive(ctx context.Context, id string, active bool) (*Account, error)
}

// AuditStore persists the highest accumulated duration observed per session.
type AuditStore interface {
	Watermarks(ctx context.Context) (map[string]int64, error)
	RaiseWatermark(ctx context.Context, sessionID string, accumulatedMs int64) error
}
