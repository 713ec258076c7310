// Package postgres implements storage.Store on PostgreSQL through the pgx
// database/sql driver. The schema is applied by the migrate subpackage.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goodtune/presence/internal/config"
	"github.com/goodtune/presence/internal/storage"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Store implements the storage.Store interface using PostgreSQL
type Store struct {
	db           *sql.DB
	sessionStore *sessionStore
	accountStore *accountStore
	auditStore   *auditStore
}

// Open opens a Postgres connection pool and verifies it with a ping
func Open(cfg config.PostgresConfig) (*Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("storage.postgres.dsn is not set")
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, err
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime != "" {
		lifetime, err := time.ParseDuration(cfg.ConnMaxLifetime)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("invalid conn_max_lifetime: %w", err)
		}
		db.SetConnMaxLifetime(lifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	return New(db), nil
}

// New wraps an open database handle. The store closes it on Close.
func New(db *sql.DB) *Store {
	return &Store{
		db:           db,
		sessionStore: &sessionStore{db: db},
		accountStore: &accountStore{db: db},
		auditStore:   &auditStore{db: db},
	}
}

// Ping checks the connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool
func (s *Store) Close() error {
	return s.db.Close()
}

// Sessions returns the SessionStore implementation
func (s *Store) Sessions() storage.SessionStore {
	return s.sessionStore
}

// Accounts returns the AccountStore implementation
func (s *Store) Accounts() storage.AccountStore {
	return s.accountStore
}

// Audit returns the AuditStore implementation
func (s *Store) Audit() storage.AuditStore {
	return s.auditStore
}

// withTx runs fn in a transaction, committing only if fn succeeds
func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
