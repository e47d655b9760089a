// Package backend defines the capability interfaces the coordinator uses to reach
// external data stores. Concrete adapters live in sub-packages.
package backend

import (
	"context"
	"time"
)

// Kind identifies the family of a backend.
type Kind string

const (
	KindVector     Kind = "vector"
	KindGraph      Kind = "graph"
	KindRelational Kind = "relational"
	KindFile       Kind = "file"
)

// Record is the unit stored by a RecordStore.
type Record struct {
	Collection string            `json:"collection" bson:"collection"`
	Key        string            `json:"key" bson:"key"`
	Data       []byte            `json:"data" bson:"data"`
	Metadata   map[string]string `json:"metadata,omitempty" bson:"metadata,omitempty"`
	UpdatedAt  time.Time         `json:"updated_at" bson:"updated_at"`
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	out := r
	if r.Data != nil {
		out.Data = append([]byte(nil), r.Data...)
	}
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// RecordStore is the minimal CRUD capability every backend kind offers.
//
// Create fails with ErrAlreadyExists when the key is taken. Read and Update fail
// with ErrNotFound when it is missing. Delete of a missing key succeeds, so it can
// serve directly as a compensation.
type RecordStore interface {
	Create(ctx context.Context, rec Record) error
	Read(ctx context.Context, collection, key string) (Record, error)
	Update(ctx context.Context, rec Record) error
	Delete(ctx context.Context, collection, key string) error
}

// ChunkStore is the blob/file capability used by chunked transfers.
//
// WriteChunk stores data at offset of object and returns the digest of what was
// stored. ReadChunk returns ErrNotFound when no chunk starts at offset.
// DeleteChunk is idempotent. WriteChunk must not retain data after it returns;
// callers reuse the buffer.
type ChunkStore interface {
	WriteChunk(ctx context.Context, object string, offset int64, data []byte) (Digest, error)
	ReadChunk(ctx context.Context, object string, offset, length int64) ([]byte, error)
	DeleteChunk(ctx context.Context, object string, offset int64) error
}
