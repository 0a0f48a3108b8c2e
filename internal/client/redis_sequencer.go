package client

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/pesio-ai/be-approvals/internal/errors"
)

const sequenceKeyPrefix = "approvals:seq:"

// RedisSequencer hands out request-code sequence numbers with INCR, so
// several service replicas share one counter per scope.
type RedisSequencer struct {
	rdb redis.UniversalClient
}

// NewRedisSequencer wraps an existing client.
func NewRedisSequencer(rdb redis.UniversalClient) *RedisSequencer {
	return &RedisSequencer{rdb: rdb}
}

// NewRedisClient dials addr and verifies the connection with PING.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return rdb, nil
}

// Next implements repository.Sequencer.
func (s *RedisSequencer) Next(ctx context.Context, scope string) (int64, error) {
	n, err := s.rdb.Incr(ctx, sequenceKeyPrefix+scope).Result()
	if err != nil {
		return 0, errors.Unavailable(err, "failed to advance sequence")
	}
	return n, nil
}
