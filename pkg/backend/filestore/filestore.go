// Package filestore implements backend.ChunkStore on a local directory tree.
// Each chunk is one file, so committing a chunk is a single atomic rename.
package filestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/polystore/polystore/pkg/backend"
)

const chunkSuffix = ".chunk"

// Store writes chunks under root/<object-hash>/<offset>.chunk.
type Store struct {
	root string
	alg  backend.HashAlgorithm
}

// New creates root if needed and returns a Store hashing with alg.
func New(root string, alg backend.HashAlgorithm) (*Store, error) {
	if alg == "" {
		alg = backend.HashSHA256
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create chunk root: %w", err)
	}
	return &Store{root: root, alg: alg}, nil
}

// objectDir hashes the object key so arbitrary keys map to safe directory names.
func (s *Store) objectDir(object string) string {
	sum := sha256.Sum256([]byte(object))
	return filepath.Join(s.root, hex.EncodeToString(sum[:16]))
}

func (s *Store) chunkPath(object string, offset int64) string {
	return filepath.Join(s.objectDir(object), fmt.Sprintf("%020d%s", offset, chunkSuffix))
}

// WriteChunk writes data to a temp file and renames it into place.
func (s *Store) WriteChunk(ctx context.Context, object string, offset int64, data []byte) (backend.Digest, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	digest, err := backend.ComputeDigest(s.alg, data)
	if err != nil {
		return "", err
	}
	dir := s.objectDir(object)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", backend.Unavailable("filesystem", err)
	}

	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return "", backend.Unavailable("filesystem", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return "", fmt.Errorf("write chunk %s@%d: %w", object, offset, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return "", fmt.Errorf("sync chunk %s@%d: %w", object, offset, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", err
	}
	if err := os.Rename(tmpName, s.chunkPath(object, offset)); err != nil {
		cleanup()
		return "", fmt.Errorf("commit chunk %s@%d: %w", object, offset, err)
	}
	return digest, nil
}

// ReadChunk reads up to length bytes of the chunk file at offset.
func (s *Store) ReadChunk(ctx context.Context, object string, offset, length int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.chunkPath(object, offset))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &backend.NotFoundError{EntityType: "chunk", ID: fmt.Sprintf("%s@%d", object, offset)}
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if length < 0 {
		return io.ReadAll(f)
	}
	buf := make([]byte, length)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:n], nil
}

// DeleteChunk removes the chunk file if present.
func (s *Store) DeleteChunk(ctx context.Context, object string, offset int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(s.chunkPath(object, offset))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Offsets lists the committed chunk offsets of object in ascending order.
func (s *Store) Offsets(object string) ([]int64, error) {
	entries, err := os.ReadDir(s.objectDir(object))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var offsets []int64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, chunkSuffix) {
			continue
		}
		off, err := strconv.ParseInt(strings.TrimSuffix(name, chunkSuffix), 10, 64)
		if err != nil {
			continue
		}
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	return offsets, nil
}

// Assemble writes object's chunks to w in offset order.
func (s *Store) Assemble(ctx context.Context, object string, w io.Writer) (int64, error) {
	offsets, err := s.Offsets(object)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, off := range offsets {
		data, err := s.ReadChunk(ctx, object, off, -1)
		if err != nil {
			return total, err
		}
		n, err := w.Write(data)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
