package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/goodtune/presence/internal/storage"
	"github.com/redis/go-redis/v9"
)

var upsertAccount = redis.NewScript(upsertAccountScript)

type accountStore struct {
	client *redis.Client
}

// Get retrieves an account by ID
func (s *accountStore) Get(ctx context.Context, id string) (*storage.Account, error) {
	data, err := s.client.HGetAll(ctx, accountKey(id)).Result()
	if err != nil {
		return nil, err
	}

	return parseAccount(data)
}

// List returns every known account
func (s *accountStore) List(ctx context.Context) ([]storage.Account, error) {
	ids, err := s.client.SMembers(ctx, accountsKey).Result()
	if err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return []storage.Account{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))

	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, accountKey(id))
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	accounts := make([]storage.Account, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}

		account, err := parseAccount(data)
		if err == nil {
			accounts = append(accounts, *account)
		}
	}

	return accounts, nil
}

// Ensure creates the account as active if it does not exist yet
func (s *accountStore) Ensure(ctx context.Context, id string) (*storage.Account, error) {
	return s.upsert(ctx, id, "")
}

// SetActive mirrors the identity system's active flag
func (s *accountStore) SetActive(ctx context.Context, id string, active bool) (*storage.Account, error) {
	return s.upsert(ctx, id, strconv.FormatBool(active))
}

func (s *accountStore) upsert(ctx context.Context, id, active string) (*storage.Account, error) {
	keys := []string{accountKey(id), accountsKey}
	args := []interface{}{id, active, formatTime(time.Now())}

	if err := upsertAccount.Run(ctx, s.client, keys, args...).Err(); err != nil {
		return nil, err
	}

	return s.Get(ctx, id)
}
