package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/polystore/polystore/pkg/backend"
)

const defaultRedisProgressPrefix = "polystore:transfer:"

// RedisProgressStore shares progress between processes through Redis.
type RedisProgressStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// RedisProgressOption customizes RedisProgressStore.
type RedisProgressOption func(s *RedisProgressStore)

// WithRedisKeyPrefix overrides the "polystore:transfer:" key prefix.
func WithRedisKeyPrefix(prefix string) RedisProgressOption {
	return func(s *RedisProgressStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithRedisTTL expires progress entries after ttl. Zero keeps them forever.
func WithRedisTTL(ttl time.Duration) RedisProgressOption {
	return func(s *RedisProgressStore) {
		s.ttl = ttl
	}
}

// NewRedisProgressStore creates a store on client.
func NewRedisProgressStore(client redis.UniversalClient, opts ...RedisProgressOption) *RedisProgressStore {
	s := &RedisProgressStore{client: client, prefix: defaultRedisProgressPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisProgressStore) key(operationID string) string {
	return s.prefix + operationID
}

func (s *RedisProgressStore) SaveProgress(ctx context.Context, progress *StreamingProgress) error {
	if progress == nil || progress.OperationID == "" {
		return fmt.Errorf("progress requires an operation ID")
	}
	data, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("encode progress %s: %w", progress.OperationID, err)
	}
	if err := s.client.Set(ctx, s.key(progress.OperationID), data, s.ttl).Err(); err != nil {
		return backend.Unavailable("redis", err)
	}
	return nil
}

func (s *RedisProgressStore) LoadProgress(ctx context.Context, operationID string) (*StreamingProgress, error) {
	data, err := s.client.Get(ctx, s.key(operationID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrProgressNotFound, operationID)
		}
		return nil, backend.Unavailable("redis", err)
	}
	var progress StreamingProgress
	if err := json.Unmarshal(data, &progress); err != nil {
		return nil, &backend.SerializationError{Operation: "decode progress", Cause: err}
	}
	return &progress, nil
}

func (s *RedisProgressStore) ListProgress(ctx context.Context) ([]*StreamingProgress, error) {
	out := make([]*StreamingProgress, 0)
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, backend.Unavailable("redis", err)
		}
		var progress StreamingProgress
		if err := json.Unmarshal(data, &progress); err != nil {
			continue
		}
		out = append(out, &progress)
	}
	if err := iter.Err(); err != nil {
		return nil, backend.Unavailable("redis", err)
	}
	sortProgress(out)
	return out, nil
}

func (s *RedisProgressStore) DeleteProgress(ctx context.Context, operationID string) error {
	if err := s.client.Del(ctx, s.key(operationID)).Err(); err != nil {
		return backend.Unavailable("redis", err)
	}
	return nil
}
