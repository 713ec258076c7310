package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/goodtune/presence/internal/storage"
)

const sessionColumns = `id, account_id, started_at, last_seen_at, last_activity_at,
	last_login_at, accumulated_ms, version, created_at`

type sessionStore struct {
	db *sql.DB
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*storage.SessionRecord, error) {
	var (
		rec       storage.SessionRecord
		startedAt sql.NullTime
		loginAt   sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.AccountID, &startedAt, &rec.LastSeenAt, &rec.LastActivityAt,
		&loginAt, &rec.AccumulatedMs, &rec.Version, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	rec.StartedAt = timePtr(startedAt)
	rec.LastLoginAt = timePtr(loginAt)
	rec.LastSeenAt = rec.LastSeenAt.UTC()
	rec.LastActivityAt = rec.LastActivityAt.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	return &rec, nil
}

// Create inserts a session with version 1, creating its account if needed
func (s *sessionStore) Create(ctx context.Context, session storage.SessionRecord) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO accounts (id, active, total_duration_ms, updated_at)
			 VALUES ($1, TRUE, 0, $2) ON CONFLICT (id) DO NOTHING`,
			session.AccountID, session.CreatedAt.UTC())
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (`+sessionColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8) ON CONFLICT (id) DO NOTHING`,
			session.ID, session.AccountID, nullTime(session.StartedAt), session.LastSeenAt.UTC(),
			session.LastActivityAt.UTC(), nullTime(session.LastLoginAt), session.AccumulatedMs,
			session.CreatedAt.UTC())
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return storage.ErrExists
		}

		if session.AccumulatedMs > 0 {
			_, err = tx.ExecContext(ctx,
				`UPDATE accounts SET total_duration_ms = total_duration_ms + $2 WHERE id = $1`,
				session.AccountID, session.AccumulatedMs)
		}
		return err
	})
}

// Get retrieves a session by ID
func (s *sessionStore) Get(ctx context.Context, id string) (*storage.SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return rec, err
}

// Update writes next if the stored version still equals expectedVersion.
// The row lock taken by SELECT ... FOR UPDATE serializes concurrent
// updaters; the account increment commits in the same transaction.
func (s *sessionStore) Update(ctx context.Context, next storage.SessionRecord, expectedVersion int64) (*storage.SessionRecord, error) {
	var updated *storage.SessionRecord

	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		var (
			version   int64
			current   int64
			accountID string
		)
		err := tx.QueryRowContext(ctx,
			`SELECT version, accumulated_ms, account_id FROM sessions WHERE id = $1 FOR UPDATE`,
			next.ID).Scan(&version, &current, &accountID)
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}

		switch {
		case version != expectedVersion:
			return storage.ErrConflict
		case next.AccumulatedMs < current:
			return storage.ErrRegression
		case accountID != next.AccountID:
			return fmt.Errorf("session %s: account id is immutable", next.ID)
		}

		row := tx.QueryRowContext(ctx,
			`UPDATE sessions
			 SET started_at = $2, last_seen_at = $3, last_activity_at = $4,
			     last_login_at = $5, accumulated_ms = $6, version = version + 1
			 WHERE id = $1
			 RETURNING `+sessionColumns,
			next.ID, nullTime(next.StartedAt), next.LastSeenAt.UTC(), next.LastActivityAt.UTC(),
			nullTime(next.LastLoginAt), next.AccumulatedMs)
		updated, err = scanSession(row)
		if err != nil {
			return err
		}

		if delta := next.AccumulatedMs - current; delta > 0 {
			_, err = tx.ExecContext(ctx,
				`UPDATE accounts
				 SET total_duration_ms = total_duration_ms + $2, updated_at = $3
				 WHERE id = $1`,
				accountID, delta, next.LastSeenAt.UTC())
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// ListOpen returns every session with an open window
func (s *sessionStore) ListOpen(ctx context.Context) ([]storage.SessionRecord, error) {
	return s.query(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE started_at IS NOT NULL ORDER BY id`)
}

// ListByAccount returns all sessions owned by an account
func (s *sessionStore) ListByAccount(ctx context.Context, accountID string) ([]storage.SessionRecord, error) {
	return s.query(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE account_id = $1 ORDER BY id`, accountID)
}

// OpenIDs returns the IDs in the open index. The index is the partial index
// on started_at, so it cannot disagree with the rows.
func (s *sessionStore) OpenIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM sessions WHERE started_at IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sessionStore) query(ctx context.Context, q string, args ...any) ([]storage.SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := []storage.SessionRecord{}
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *rec)
	}
	return sessions, rows.Err()
}
