// Package redisstore implements backend.RecordStore on Redis. It is the reference
// adapter for the vector backend: embeddings and their payloads are stored as
// JSON documents under one key per record.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/polystore/polystore/pkg/backend"
)

const backendName = "redis"

// Store is a RecordStore on a go-redis client.
type Store struct {
	client redis.UniversalClient
	prefix string
}

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix sets the key namespace. Defaults to "polystore:record:".
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// New creates a Store on client.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: "polystore:record:"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(collection, key string) string {
	return s.prefix + collection + ":" + key
}

// Create writes rec only if the key is absent.
func (s *Store) Create(ctx context.Context, rec backend.Record) error {
	payload, err := encode(rec)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, s.key(rec.Collection, rec.Key), payload, 0).Result()
	if err != nil {
		return classify(err)
	}
	if !ok {
		return &backend.DuplicateKeyError{EntityType: rec.Collection, ID: rec.Key}
	}
	return nil
}

// Read loads a record.
func (s *Store) Read(ctx context.Context, collection, key string) (backend.Record, error) {
	raw, err := s.client.Get(ctx, s.key(collection, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return backend.Record{}, &backend.NotFoundError{EntityType: collection, ID: key}
	}
	if err != nil {
		return backend.Record{}, classify(err)
	}
	var rec backend.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return backend.Record{}, &backend.SerializationError{Operation: "decode record", Cause: err}
	}
	return rec, nil
}

// Update overwrites a record only if it exists.
func (s *Store) Update(ctx context.Context, rec backend.Record) error {
	payload, err := encode(rec)
	if err != nil {
		return err
	}
	ok, err := s.client.SetXX(ctx, s.key(rec.Collection, rec.Key), payload, 0).Result()
	if err != nil {
		return classify(err)
	}
	if !ok {
		return &backend.NotFoundError{EntityType: rec.Collection, ID: rec.Key}
	}
	return nil
}

// Delete removes a record if present.
func (s *Store) Delete(ctx context.Context, collection, key string) error {
	return classify(s.client.Del(ctx, s.key(collection, key)).Err())
}

func encode(rec backend.Record) ([]byte, error) {
	rec.UpdatedAt = time.Now().UTC()
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, &backend.SerializationError{Operation: "encode record", Cause: err}
	}
	return b, nil
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.Is(err, redis.ErrClosed) || errors.As(err, &netErr) {
		return backend.Unavailable(backendName, err)
	}
	return err
}
