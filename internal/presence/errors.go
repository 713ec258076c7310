package presence

import (
	"context"
	"errors"
	"fmt"

	"github.com/goodtune/presence/internal/storage"
)

var (
	// ErrNotFound means the referenced session or account does not exist.
	ErrNotFound = errors.New("presence: not found")

	// ErrAlreadyExists means a session with the requested ID is registered.
	ErrAlreadyExists = errors.New("presence: already exists")

	// ErrConflict means concurrent writers kept winning the race for a
	// record until the retry budget ran out. Callers may retry.
	ErrConflict = errors.New("presence: concurrent update conflict")

	// ErrUnavailable means storage failed; the operation may be retried.
	ErrUnavailable = errors.New("presence: storage unavailable")

	// ErrAccountInactive means tracking does not apply to the account.
	ErrAccountInactive = errors.New("presence: account is inactive")

	// ErrInvariant means storage refused a write that would break a
	// record invariant, or holds a record it cannot decode. It indicates a
	// bug, not a transient failure.
	ErrInvariant = errors.New("presence: invariant violation")
)

// classify maps storage errors onto the typed outcomes callers act on.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, storage.ErrExists):
		return fmt.Errorf("%w: %w", ErrAlreadyExists, err)
	case errors.Is(err, storage.ErrConflict):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	case errors.Is(err, storage.ErrRegression), errors.Is(err, storage.ErrCorrupt):
		return fmt.Errorf("%w: %w", ErrInvariant, err)
	default:
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
}
