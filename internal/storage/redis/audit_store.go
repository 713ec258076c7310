package redis

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
)

var raiseWatermark = redis.NewScript(raiseWatermarkScript)

type auditStore struct {
	client *redis.Client
}

// Watermarks returns the highest accumulated duration seen per session
func (s *auditStore) Watermarks(ctx context.Context) (map[string]int64, error) {
	data, err := s.client.HGetAll(ctx, watermarksKey).Result()
	if err != nil {
		return nil, err
	}

	marks := make(map[string]int64, len(data))
	for id, raw := range data {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		marks[id] = v
	}

	return marks, nil
}

// RaiseWatermark stores accumulatedMs if it exceeds the current watermark
func (s *auditStore) RaiseWatermark(ctx context.Context, sessionID string, accumulatedMs int64) error {
	return raiseWatermark.Run(ctx, s.client, []string{watermarksKey}, sessionID, accumulatedMs).Err()
}
