package tracker

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/handstand-coach/posture-service/detections"
	"github.com/handstand-coach/posture-service/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidFrame(w, h int) detections.RawFrame {
	return detections.RawFrame{Width: w, Height: h, Pix: make([]uint8, w*h*4)}
}

func TestLatestFrame_Capture(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	src := NewLatestFrame(clock, 2*time.Second)
	ctx := context.Background()

	_, err := src.Capture(ctx)
	assert.ErrorIs(t, err, ErrNoFrame)

	src.Put(solidFrame(4, 4))
	frame, err := src.Capture(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, frame.Width)

	// sampling does not consume the frame
	frame, err = src.Capture(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, frame.Width)

	clock.Advance(3 * time.Second)
	_, err = src.Capture(ctx)
	assert.ErrorIs(t, err, ErrStaleFrame)

	src.Put(solidFrame(8, 2))
	frame, err = src.Capture(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, frame.Width)
}

func TestLatestFrame_Dropped(t *testing.T) {
	src := NewLatestFrame(nil, 0)
	src.Put(solidFrame(1, 1))
	src.Put(solidFrame(1, 1))
	src.Put(solidFrame(1, 1))
	assert.Equal(t, uint64(2), src.Dropped())

	_, err := src.Capture(context.Background())
	require.NoError(t, err)
	src.Put(solidFrame(1, 1))
	assert.Equal(t, uint64(2), src.Dropped())
}

func TestLatestFrame_Fail(t *testing.T) {
	src := NewLatestFrame(nil, 0)
	src.Put(solidFrame(2, 2))
	src.Fail(errors.New("permission denied"))

	_, err := src.Capture(context.Background())
	var camErr *CameraAccessError
	require.ErrorAs(t, err, &camErr)
	assert.Contains(t, err.Error(), "permission denied")

	src.Put(solidFrame(2, 2))
	_, err = src.Capture(context.Background())
	assert.NoError(t, err)
}

func writeImage(t *testing.T, path string, w, h int) {
	t.Helper()
	img := imaging.New(w, h, color.NRGBA{R: 200, G: 10, B: 10, A: 255})
	require.NoError(t, imaging.Save(img, path))
}

func TestFileSequenceSource(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, filepath.Join(dir, "002.png"), 20, 10)
	writeImage(t, filepath.Join(dir, "001.jpg"), 10, 20)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.png"), 0o755))

	src, err := NewFileSequenceSource(dir)
	require.NoError(t, err)
	require.Equal(t, 2, src.Len())

	ctx := context.Background()
	first, err := src.Capture(ctx)
	require.NoError(t, err)
	assert.Equal(t, image.Pt(10, 20), image.Pt(first.Width, first.Height))
	assert.NoError(t, first.Validate())

	second, err := src.Capture(ctx)
	require.NoError(t, err)
	assert.Equal(t, image.Pt(20, 10), image.Pt(second.Width, second.Height))

	_, err = src.Capture(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestFileSequenceSource_Empty(t *testing.T) {
	_, err := NewFileSequenceSource(t.TempDir())
	var camErr *CameraAccessError
	assert.ErrorAs(t, err, &camErr)

	_, err = NewFileSequenceSource(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorAs(t, err, &camErr)
}
