package tracker

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/handstand-coach/posture-service/detections"
	"github.com/handstand-coach/posture-service/timeutil"
)

// FrameSource supplies the frame for one tick.
type FrameSource interface {
	Capture(ctx context.Context) (detections.RawFrame, error)
}

// LatestFrame is a one-slot source fed by a push transport: Put replaces
// the held frame and Capture samples the newest one, the way a tick samples
// a live video element. Frames older than maxAge are not sampled.
type LatestFrame struct {
	clock  timeutil.Clock
	maxAge time.Duration

	mu       sync.Mutex
	frame    detections.RawFrame
	has      bool
	captured bool
	received time.Time
	dropped  uint64
	failure  error
}

// NewLatestFrame creates an empty slot. A zero maxAge disables the
// staleness check.
func NewLatestFrame(clock timeutil.Clock, maxAge time.Duration) *LatestFrame {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &LatestFrame{clock: clock, maxAge: maxAge}
}

func (s *LatestFrame) Put(frame detections.RawFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.has && !s.captured {
		s.dropped++
	}
	s.frame = frame
	s.has = true
	s.captured = false
	s.received = s.clock.Now()
	s.failure = nil
}

// Fail marks the camera as unusable until the next Put.
func (s *LatestFrame) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure = err
}

func (s *LatestFrame) Capture(_ context.Context) (detections.RawFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return detections.RawFrame{}, &CameraAccessError{Message: "capture failed", Cause: s.failure}
	}
	if !s.has {
		return detections.RawFrame{}, ErrNoFrame
	}
	if s.maxAge > 0 && s.clock.Now().Sub(s.received) > s.maxAge {
		return detections.RawFrame{}, ErrStaleFrame
	}
	s.captured = true
	return s.frame, nil
}

// Dropped counts frames replaced before any tick sampled them.
func (s *LatestFrame) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".bmp": true, ".tif": true, ".tiff": true,
}

// FileSequenceSource replays image files from a directory in name order.
// Capture returns io.EOF after the last file.
type FileSequenceSource struct {
	mu    sync.Mutex
	files []string
	next  int
}

func NewFileSequenceSource(dir string) (*FileSequenceSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &CameraAccessError{Message: "open frame directory", Cause: err}
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	if len(files) == 0 {
		return nil, &CameraAccessError{Message: fmt.Sprintf("no images in %s", dir)}
	}
	sort.Strings(files)
	return &FileSequenceSource{files: files}, nil
}

func (s *FileSequenceSource) Len() int { return len(s.files) }

func (s *FileSequenceSource) Capture(_ context.Context) (detections.RawFrame, error) {
	s.mu.Lock()
	if s.next >= len(s.files) {
		s.mu.Unlock()
		return detections.RawFrame{}, io.EOF
	}
	path := s.files[s.next]
	s.next++
	s.mu.Unlock()

	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return detections.RawFrame{}, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return detections.FrameFromImage(img), nil
}
