package modelcache

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileCacheRoundTrip(t *testing.T) {
	cache, err := NewFileCache(filepath.Join(t.TempDir(), "models"))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = cache.Get(ctx, "https://storage.example/model.onnx")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, cache.Put(ctx, "https://storage.example/model.onnx", []byte("v1")))
	got, err := cache.Get(ctx, "https://storage.example/model.onnx")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)

	require.NoError(t, cache.Put(ctx, "https://storage.example/model.onnx", []byte("v2")))
	got, err = cache.Get(ctx, "https://storage.example/model.onnx")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
}

func TestFileCacheDetectsCorruption(t *testing.T) {
	cache, err := NewFileCache(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, "k", []byte("weights")))
	path := cache.path("k")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, err = cache.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCorruptEntry)

	require.NoError(t, os.WriteFile(path, []byte("short"), 0o644))
	_, err = cache.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCorruptEntry)
}

func TestFileCacheLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	cache, err := NewFileCache(dir)
	require.NoError(t, err)

	require.NoError(t, cache.Put(context.Background(), "k", []byte("weights")))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ".onnx", filepath.Ext(entries[0].Name()))
}
