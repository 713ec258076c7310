package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/goodtune/presence/internal/storage"
	"github.com/redis/go-redis/v9"
)

var (
	createSession = redis.NewScript(createSessionScript)
	updateSession = redis.NewScript(updateSessionScript)
)

type sessionStore struct {
	client *redis.Client
}

// Create inserts a new session record with version 1
func (s *sessionStore) Create(ctx context.Context, session storage.SessionRecord) error {
	keys := []string{
		sessionKey(session.ID),
		accountKey(session.AccountID),
		accountSessionsKey(session.AccountID),
		accountsKey,
		openSetKey,
	}
	args := []interface{}{
		session.ID,
		session.AccountID,
		formatOptionalTime(session.StartedAt),
		formatTime(session.LastSeenAt),
		formatTime(session.LastActivityAt),
		formatOptionalTime(session.LastLoginAt),
		session.AccumulatedMs,
		formatTime(session.CreatedAt),
	}

	created, err := createSession.Run(ctx, s.client, keys, args...).Int64()
	if err != nil {
		return err
	}
	if created == 0 {
		return storage.ErrExists
	}

	return nil
}

// Get retrieves a session by ID
func (s *sessionStore) Get(ctx context.Context, id string) (*storage.SessionRecord, error) {
	data, err := s.client.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return nil, err
	}

	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	session, err := parseSessionRecord(data)
	if err != nil {
		return nil, fmt.Errorf("%w: session %s: %w", storage.ErrCorrupt, id, err)
	}

	return session, nil
}

// Update writes next if the stored version still equals expectedVersion
func (s *sessionStore) Update(ctx context.Context, next storage.SessionRecord, expectedVersion int64) (*storage.SessionRecord, error) {
	keys := []string{
		sessionKey(next.ID),
		openSetKey,
		accountKey(next.AccountID),
	}
	args := []interface{}{
		expectedVersion,
		next.ID,
		next.AccountID,
		formatOptionalTime(next.StartedAt),
		formatTime(next.LastSeenAt),
		formatTime(next.LastActivityAt),
		formatOptionalTime(next.LastLoginAt),
		next.AccumulatedMs,
		formatTime(next.LastSeenAt),
	}

	version, err := updateSession.Run(ctx, s.client, keys, args...).Int64()
	if err != nil {
		return nil, err
	}

	switch version {
	case codeNotFound:
		return nil, storage.ErrNotFound
	case codeConflict:
		return nil, storage.ErrConflict
	case codeRegression:
		return nil, storage.ErrRegression
	case codeAccountChanged:
		return nil, fmt.Errorf("session %s: account id is immutable", next.ID)
	}

	next.Version = version
	return &next, nil
}

// ListOpen returns every session referenced by the open index
func (s *sessionStore) ListOpen(ctx context.Context) ([]storage.SessionRecord, error) {
	ids, err := s.OpenIDs(ctx)
	if err != nil {
		return nil, err
	}

	return s.getMany(ctx, ids)
}

// ListByAccount returns all sessions owned by an account
func (s *sessionStore) ListByAccount(ctx context.Context, accountID string) ([]storage.SessionRecord, error) {
	ids, err := s.client.SMembers(ctx, accountSessionsKey(accountID)).Result()
	if err != nil {
		return nil, err
	}

	return s.getMany(ctx, ids)
}

// OpenIDs returns the raw membership of the open index
func (s *sessionStore) OpenIDs(ctx context.Context) ([]string, error) {
	return s.client.SMembers(ctx, openSetKey).Result()
}

// getMany fetches sessions with a pipeline. Missing hashes are skipped;
// unparsable ones are reported in a *storage.CorruptError.
func (s *sessionStore) getMany(ctx context.Context, ids []string) ([]storage.SessionRecord, error) {
	if len(ids) == 0 {
		return []storage.SessionRecord{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))

	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, sessionKey(id))
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	sessions := make([]storage.SessionRecord, 0, len(ids))
	var corrupt []string
	for i, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}

		session, err := parseSessionRecord(data)
		if err != nil {
			corrupt = append(corrupt, ids[i])
			continue
		}
		sessions = append(sessions, *session)
	}

	if len(corrupt) > 0 {
		sort.Strings(corrupt)
		return sessions, &storage.CorruptError{IDs: corrupt}
	}
	return sessions, nil
}
