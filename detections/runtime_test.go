package detections

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuntimeLibraryPath(t *testing.T) {
	dir := t.TempDir()
	lib := filepath.Join(dir, RuntimeLibraryName())
	require.NoError(t, os.WriteFile(lib, []byte("stub"), 0o644))

	got, err := RuntimeLibraryPath(dir, "")
	require.NoError(t, err)
	assert.Equal(t, lib, got)

	explicit := filepath.Join(dir, "custom.so")
	require.NoError(t, os.WriteFile(explicit, []byte("stub"), 0o644))
	got, err = RuntimeLibraryPath(dir, explicit)
	require.NoError(t, err)
	assert.Equal(t, explicit, got)
}

func TestRuntimeLibraryPathMissing(t *testing.T) {
	_, err := RuntimeLibraryPath("", "")
	assert.Error(t, err)

	_, err = RuntimeLibraryPath(t.TempDir(), "")
	assert.Error(t, err)
}

func TestCPUFeaturesReportsKnownKeys(t *testing.T) {
	features := CPUFeatures()
	for _, key := range []string{"avx2", "sse41", "asimd"} {
		_, ok := features[key]
		assert.True(t, ok, key)
	}
	assert.GreaterOrEqual(t, workerCount(InputHeight), 1)
	assert.LessOrEqual(t, workerCount(3), 3)
	assert.GreaterOrEqual(t, sessionThreads(1000), 1)
}
