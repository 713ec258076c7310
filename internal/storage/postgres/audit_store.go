package postgres

import (
	"context"
	"database/sql"
)

type auditStore struct {
	db *sql.DB
}

// Watermarks returns the highest accumulated duration seen per session
func (s *auditStore) Watermarks(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id, accumulated_ms FROM audit_watermarks`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	marks := make(map[string]int64)
	for rows.Next() {
		var (
			id string
			ms int64
		)
		if err := rows.Scan(&id, &ms); err != nil {
			return nil, err
		}
		marks[id] = ms
	}
	return marks, rows.Err()
}

// RaiseWatermark stores accumulatedMs if it exceeds the current watermark
func (s *auditStore) RaiseWatermark(ctx context.Context, sessionID string, accumulatedMs int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_watermarks (session_id, accumulated_ms) VALUES ($1, $2)
		 ON CONFLICT (session_id) DO UPDATE SET accumulated_ms = EXCLUDED.accumulated_ms
		 WHERE audit_watermarks.accumulated_ms < EXCLUDED.accumulated_ms`,
		sessionID, accumulatedMs)
	return err
}
