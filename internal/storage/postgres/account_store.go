package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/goodtune/presence/internal/storage"
)

type accountStore struct {
	db *sql.DB
}

func scanAccount(row rowScanner) (*storage.Account, error) {
	var a storage.Account
	if err := row.Scan(&a.ID, &a.Active, &a.TotalDurationMs, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

// Get retrieves an account by ID
func (s *accountStore) Get(ctx context.Context, id string) (*storage.Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, active, total_duration_ms, updated_at FROM accounts WHERE id = $1`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return a, err
}

// List returns every known account
func (s *accountStore) List(ctx context.Context) ([]storage.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, active, total_duration_ms, updated_at FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := []storage.Account{}
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// Ensure creates the account as active if it does not exist yet
func (s *accountStore) Ensure(ctx context.Context, id string) (*storage.Account, error) {
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO accounts (id, active, total_duration_ms, updated_at)
		 VALUES ($1, TRUE, 0, $2)
		 ON CONFLICT (id) DO UPDATE SET id = accounts.id
		 RETURNING id, active, total_duration_ms, updated_at`,
		id, time.Now().UTC())
	return scanAccount(row)
}

// SetActive mirrors the identity system's active flag
func (s *accountStore) SetActive(ctx context.Context, id string, active bool) (*storage.Account, error) {
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO accounts (id, active, total_duration_ms, updated_at)
		 VALUES ($1, $2, 0, $3)
		 ON CONFLICT (id) DO UPDATE SET active = EXCLUDED.active, updated_at = EXCLUDED.updated_at
		 RETURNING id, active, total_duration_ms, updated_at`,
		id, active, time.Now().UTC())
	return scanAccount(row)
}
