// Package backendtest holds conformance suites that every backend adapter runs.
package backendtest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/polystore/polystore/pkg/backend"
)

// RecordStoreSuite runs the RecordStore contract against an implementation.
type RecordStoreSuite struct {
	NewStore func(t *testing.T) backend.RecordStore
}

// RunAllTests runs every record store test.
func (s *RecordStoreSuite) RunAllTests(t *testing.T) {
	t.Run("CRUD", s.TestCRUD)
	t.Run("CreateDuplicate", s.TestCreateDuplicate)
	t.Run("NotFound", s.TestNotFound)
	t.Run("DeleteIdempotent", s.TestDeleteIdempotent)
	t.Run("ConcurrentCreate", s.TestConcurrentCreate)
}

// TestCRUD exercises the full record lifecycle.
func (s *RecordStoreSuite) TestCRUD(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()

	rec := backend.Record{
		Collection: "documents",
		Key:        "doc-1",
		Data:       []byte(`{"title":"hello"}`),
		Metadata:   map[string]string{"owner": "alice"},
	}
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Read(ctx, "documents", "doc-1")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(got.Data, rec.Data) {
		t.Fatalf("Read data = %s, want %s", got.Data, rec.Data)
	}
	if got.Metadata["owner"] != "alice" {
		t.Fatalf("Read metadata = %v", got.Metadata)
	}

	rec.Data = []byte(`{"title":"updated"}`)
	if err := store.Update(ctx, rec); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	got, err = store.Read(ctx, "documents", "doc-1")
	if err != nil {
		t.Fatalf("Read after update failed: %v", err)
	}
	if !bytes.Equal(got.Data, rec.Data) {
		t.Fatalf("Read after update = %s, want %s", got.Data, rec.Data)
	}

	if err := store.Delete(ctx, "documents", "doc-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Read(ctx, "documents", "doc-1"); !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("Read after delete err = %v, want ErrNotFound", err)
	}
}

// TestCreateDuplicate checks that Create refuses an existing key.
func (s *RecordStoreSuite) TestCreateDuplicate(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()

	rec := backend.Record{Collection: "documents", Key: "dup", Data: []byte("a")}
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.Create(ctx, rec); !errors.Is(err, backend.ErrAlreadyExists) {
		t.Fatalf("second Create err = %v, want ErrAlreadyExists", err)
	}
}

// TestNotFound checks Read and Update on a missing key.
func (s *RecordStoreSuite) TestNotFound(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()

	if _, err := store.Read(ctx, "documents", "missing"); !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("Read err = %v, want ErrNotFound", err)
	}
	err := store.Update(ctx, backend.Record{Collection: "documents", Key: "missing"})
	if !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("Update err = %v, want ErrNotFound", err)
	}
}

// TestDeleteIdempotent deletes the same key twice.
func (s *RecordStoreSuite) TestDeleteIdempotent(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, backend.Record{Collection: "c", Key: "k", Data: []byte("x")}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := store.Delete(ctx, "c", "k"); err != nil {
			t.Fatalf("Delete #%d failed: %v", i+1, err)
		}
	}
}

// TestConcurrentCreate races creates on distinct keys.
func (s *RecordStoreSuite) TestConcurrentCreate(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := backend.Record{Collection: "c", Key: fmt.Sprintf("k-%d", i), Data: []byte{byte(i)}}
			if err := store.Create(ctx, rec); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent Create failed: %v", err)
	}
}

// ChunkStoreSuite runs the ChunkStore contract against an implementation.
type ChunkStoreSuite struct {
	NewStore func(t *testing.T) backend.ChunkStore
}

// RunAllTests runs every chunk store test.
func (s *ChunkStoreSuite) RunAllTests(t *testing.T) {
	t.Run("WriteReadDelete", s.TestWriteReadDelete)
	t.Run("DigestMatchesContent", s.TestDigestMatchesContent)
	t.Run("OverwriteChangesDigest", s.TestOverwriteChangesDigest)
	t.Run("DeleteIdempotent", s.TestDeleteIdempotent)
}

// TestWriteReadDelete round-trips one chunk.
func (s *ChunkStoreSuite) TestWriteReadDelete(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()

	data := []byte("chunk-payload")
	if _, err := store.WriteChunk(ctx, "obj", 64, data); err != nil {
		t.Fatalf("WriteChunk failed: %v", err)
	}
	got, err := store.ReadChunk(ctx, "obj", 64, int64(len(data)))
	if err != nil {
		t.Fatalf("ReadChunk failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("ReadChunk = %q, want %q", got, data)
	}
	if err := store.DeleteChunk(ctx, "obj", 64); err != nil {
		t.Fatalf("DeleteChunk failed: %v", err)
	}
	if _, err := store.ReadChunk(ctx, "obj", 64, int64(len(data))); !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("ReadChunk after delete err = %v, want ErrNotFound", err)
	}
}

// TestDigestMatchesContent checks the returned digest against the payload.
func (s *ChunkStoreSuite) TestDigestMatchesContent(t *testing.T) {
	store := s.NewStore(t)
	data := bytes.Repeat([]byte{0xAB}, 1024)
	digest, err := store.WriteChunk(context.Background(), "obj", 0, data)
	if err != nil {
		t.Fatalf("WriteChunk failed: %v", err)
	}
	if !digest.Matches(data) {
		t.Fatalf("digest %s does not match written data", digest)
	}
}

// TestOverwriteChangesDigest rewrites a chunk with different bytes.
func (s *ChunkStoreSuite) TestOverwriteChangesDigest(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()

	first, err := store.WriteChunk(ctx, "obj", 0, []byte("aaaa"))
	if err != nil {
		t.Fatalf("WriteChunk failed: %v", err)
	}
	second, err := store.WriteChunk(ctx, "obj", 0, []byte("bbbb"))
	if err != nil {
		t.Fatalf("WriteChunk failed: %v", err)
	}
	if first == second {
		t.Fatal("expected digest to change after overwrite")
	}
	got, err := store.ReadChunk(ctx, "obj", 0, 4)
	if err != nil {
		t.Fatalf("ReadChunk failed: %v", err)
	}
	if string(got) != "bbbb" {
		t.Fatalf("ReadChunk = %q, want bbbb", got)
	}
}

// TestDeleteIdempotent deletes a chunk that was never written.
func (s *ChunkStoreSuite) TestDeleteIdempotent(t *testing.T) {
	store := s.NewStore(t)
	if err := store.DeleteChunk(context.Background(), "never", 0); err != nil {
		t.Fatalf("DeleteChunk on missing chunk failed: %v", err)
	}
}
