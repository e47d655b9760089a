package transfer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Source is a random-access payload. Chunks are read with ReadAt so the whole
// payload never needs to be in memory.
type Source interface {
	io.ReaderAt
	Size() int64
	// URI identifies the source so a later process can reopen it for resume.
	URI() string
}

// SourceResolver reopens a source from its URI.
type SourceResolver func(ctx context.Context, uri string) (Source, error)

// FileSource reads a local file.
type FileSource struct {
	file *os.File
	size int64
	uri  string
}

// OpenFile opens path as a Source. The caller closes it.
func OpenFile(path string) (*FileSource, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	f, err := os.Open(abs)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat source: %w", err)
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, fmt.Errorf("source %s is a directory", abs)
	}
	return &FileSource{file: f, size: info.Size(), uri: "file://" + abs}, nil
}

func (s *FileSource) ReadAt(p []byte, off int64) (int, error) { return s.file.ReadAt(p, off) }
func (s *FileSource) Size() int64                             { return s.size }
func (s *FileSource) URI() string                             { return s.uri }
func (s *FileSource) Close() error                            { return s.file.Close() }

// FileResolver reopens "file://" URIs and bare paths.
func FileResolver(_ context.Context, uri string) (Source, error) {
	return OpenFile(strings.TrimPrefix(uri, "file://"))
}

// BytesSource serves an in-memory payload.
type BytesSource struct {
	reader *bytes.Reader
	uri    string
}

// NewBytesSource wraps data under uri.
func NewBytesSource(uri string, data []byte) *BytesSource {
	return &BytesSource{reader: bytes.NewReader(data), uri: uri}
}

func (s *BytesSource) ReadAt(p []byte, off int64) (int, error) { return s.reader.ReadAt(p, off) }
func (s *BytesSource) Size() int64                             { return s.reader.Size() }
func (s *BytesSource) URI() string                             { return s.uri }
