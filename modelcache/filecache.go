package modelcache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileCache keeps one file per key. Each file starts with the SHA-256 of
// its payload so truncated or damaged entries are detected on read.
type FileCache struct {
	Dir string
}

func NewFileCache(dir string) (*FileCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &FileCache{Dir: dir}, nil
}

func (c *FileCache) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(c.Dir, hex.EncodeToString(sum[:])+".onnx")
}

func (c *FileCache) Get(_ context.Context, key string) ([]byte, error) {
	raw, err := os.ReadFile(c.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}

	if len(raw) < sha256.Size {
		return nil, ErrCorruptEntry
	}
	want, data := raw[:sha256.Size], raw[sha256.Size:]
	got := sha256.Sum256(data)
	if !bytes.Equal(want, got[:]) {
		return nil, ErrCorruptEntry
	}
	return data, nil
}

// Put writes through a temporary file so readers never observe a partial
// entry.
func (c *FileCache) Put(_ context.Context, key string, data []byte) error {
	tmp, err := os.CreateTemp(c.Dir, "model-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	sum := sha256.Sum256(data)
	if _, err := tmp.Write(sum[:]); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), c.path(key))
}
