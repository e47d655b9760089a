// Package memory provides in-process implementations of the backend capabilities.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/btree"

	"github.com/polystore/polystore/pkg/backend"
)

// RecordStore implements backend.RecordStore using an in-memory map.
type RecordStore struct {
	mu      sync.RWMutex
	records map[string]backend.Record
}

// NewRecordStore creates an empty record store.
func NewRecordStore() *RecordStore {
	return &RecordStore{records: make(map[string]backend.Record)}
}

func recordKey(collection, key string) string {
	return collection + "/" + key
}

// Create stores rec unless its key is taken.
func (s *RecordStore) Create(ctx context.Context, rec backend.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := recordKey(rec.Collection, rec.Key)
	if _, exists := s.records[k]; exists {
		return &backend.DuplicateKeyError{EntityType: rec.Collection, ID: rec.Key}
	}
	stored := rec.Clone()
	stored.UpdatedAt = time.Now().UTC()
	s.records[k] = stored
	return nil
}

// Read returns a copy of the stored record.
func (s *RecordStore) Read(ctx context.Context, collection, key string) (backend.Record, error) {
	if err := ctx.Err(); err != nil {
		return backend.Record{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[recordKey(collection, key)]
	if !ok {
		return backend.Record{}, &backend.NotFoundError{EntityType: collection, ID: key}
	}
	return rec.Clone(), nil
}

// Update replaces an existing record.
func (s *RecordStore) Update(ctx context.Context, rec backend.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := recordKey(rec.Collection, rec.Key)
	if _, ok := s.records[k]; !ok {
		return &backend.NotFoundError{EntityType: rec.Collection, ID: rec.Key}
	}
	stored := rec.Clone()
	stored.UpdatedAt = time.Now().UTC()
	s.records[k] = stored
	return nil
}

// Delete removes a record. Missing keys are ignored.
func (s *RecordStore) Delete(ctx context.Context, collection, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, recordKey(collection, key))
	return nil
}

// Len returns the number of stored records.
func (s *RecordStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// ChunkStore implements backend.ChunkStore on an ordered in-memory index, so an
// object's chunks iterate in offset order.
type ChunkStore struct {
	mu     sync.RWMutex
	chunks btree.Map[string, []byte]
	alg    backend.HashAlgorithm
}

// NewChunkStore creates an empty chunk store hashing with alg (sha256 when empty).
func NewChunkStore(alg backend.HashAlgorithm) *ChunkStore {
	if alg == "" {
		alg = backend.HashSHA256
	}
	return &ChunkStore{alg: alg}
}

// chunkKey sorts lexically in offset order within an object.
func chunkKey(object string, offset int64) string {
	return fmt.Sprintf("%s\x00%020d", object, offset)
}

// WriteChunk stores a copy of data.
func (s *ChunkStore) WriteChunk(ctx context.Context, object string, offset int64, data []byte) (backend.Digest, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	digest, err := backend.ComputeDigest(s.alg, data)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.chunks.Set(chunkKey(object, offset), append([]byte(nil), data...))
	s.mu.Unlock()
	return digest, nil
}

// ReadChunk returns up to length bytes of the chunk starting at offset.
func (s *ChunkStore) ReadChunk(ctx context.Context, object string, offset, length int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	data, ok := s.chunks.Get(chunkKey(object, offset))
	s.mu.RUnlock()
	if !ok {
		return nil, &backend.NotFoundError{EntityType: "chunk", ID: fmt.Sprintf("%s@%d", object, offset)}
	}
	if length >= 0 && int64(len(data)) > length {
		data = data[:length]
	}
	return append([]byte(nil), data...), nil
}

// DeleteChunk removes a chunk if present.
func (s *ChunkStore) DeleteChunk(ctx context.Context, object string, offset int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.chunks.Delete(chunkKey(object, offset))
	s.mu.Unlock()
	return nil
}

// Offsets lists the offsets of an object's stored chunks in ascending order.
func (s *ChunkStore) Offsets(object string) []int64 {
	var offsets []int64
	s.scan(object, func(offset int64, _ []byte) {
		offsets = append(offsets, offset)
	})
	return offsets
}

// Assemble concatenates an object's chunks in offset order.
func (s *ChunkStore) Assemble(object string) []byte {
	var out []byte
	s.scan(object, func(_ int64, data []byte) {
		out = append(out, data...)
	})
	return out
}

func (s *ChunkStore) scan(object string, fn func(offset int64, data []byte)) {
	prefix := object + "\x00"
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.chunks.Ascend(prefix, func(key string, data []byte) bool {
		if !strings.HasPrefix(key, prefix) {
			return false
		}
		offset, _ := strconv.ParseInt(key[len(prefix):], 10, 64)
		fn(offset, data)
		return true
	})
}
