package filestore

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polystore/polystore/pkg/backend"
	"github.com/polystore/polystore/pkg/backend/backendtest"
)

func TestChunkStoreSuite(t *testing.T) {
	suite := &backendtest.ChunkStoreSuite{
		NewStore: func(t *testing.T) backend.ChunkStore {
			store, err := New(t.TempDir(), backend.HashSHA256)
			require.NoError(t, err)
			return store
		},
	}
	suite.RunAllTests(t)
}

func TestAssemble(t *testing.T) {
	store, err := New(t.TempDir(), backend.HashXXH64)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.WriteChunk(ctx, "videos/big.mp4", 4, []byte("5678"))
	require.NoError(t, err)
	_, err = store.WriteChunk(ctx, "videos/big.mp4", 0, []byte("1234"))
	require.NoError(t, err)

	offsets, err := store.Offsets("videos/big.mp4")
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 4}, offsets)

	var buf bytes.Buffer
	n, err := store.Assemble(ctx, "videos/big.mp4", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(8), n)
	assert.Equal(t, "12345678", buf.String())
}

func TestReadChunkShortFile(t *testing.T) {
	store, err := New(t.TempDir(), "")
	require.NoError(t, err)

	_, err = store.WriteChunk(context.Background(), "obj", 0, []byte("abc"))
	require.NoError(t, err)

	got, err := store.ReadChunk(context.Background(), "obj", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func TestOffsetsMissingObject(t *testing.T) {
	store, err := New(t.TempDir(), "")
	require.NoError(t, err)

	offsets, err := store.Offsets("nothing")
	require.NoError(t, err)
	assert.Empty(t, offsets)
}
