package redis

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	"payment-settlement/internal/domain/ports/adapter"
)

var _ adapter.IdempotencyStore = (*IdempotencyStore)(nil)

// pendingMarker is stored while the first request for a key is still running.
const pendingMarker = "\x00pending"

// IdempotencyStore keeps one entry per client token: the pending marker, then the JSON result.
type IdempotencyStore struct {
	cli *redis.Client
}

func NewIdempotencyStore(c *Client) *IdempotencyStore {
	return &IdempotencyStore{cli: c.cli}
}

func (s *IdempotencyStore) Reserve(ctx context.Context, key string, ttl time.Duration) ([]byte, bool, error) {
	ok, err := s.cli.SetNX(ctx, key, pendingMarker, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if ok {
		return nil, true, nil
	}
	val, err := s.cli.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		// Released between SETNX and GET; try once more.
		ok, err = s.cli.SetNX(ctx, key, pendingMarker, ttl).Result()
		return nil, ok, err
	}
	if err != nil {
		return nil, false, err
	}
	if string(val) == pendingMarker {
		return nil, false, nil
	}
	return val, false, nil
}

func (s *IdempotencyStore) Complete(ctx context.Context, key string, result []byte, ttl time.Duration) error {
	return s.cli.Set(ctx, key, result, ttl).Err()
}

func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	return s.cli.Del(ctx, key).Err()
}
