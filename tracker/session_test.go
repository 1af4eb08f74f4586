package tracker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/handstand-coach/posture-service/detections"
	"github.com/handstand-coach/posture-service/models"
	"github.com/handstand-coach/posture-service/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testInterval = 500 * time.Millisecond
	waitFor      = 2 * time.Second
)

type staticSource struct {
	err error
}

func (s staticSource) Capture(context.Context) (detections.RawFrame, error) {
	if s.err != nil {
		return detections.RawFrame{}, s.err
	}
	return solidFrame(2, 2), nil
}

// scriptDetector returns the scripted outcomes in order, then negatives.
type scriptDetector struct {
	mu     sync.Mutex
	script []error
	hits   []bool
	calls  int
}

var errInference = errors.New("inference failed")

func (d *scriptDetector) Detect(context.Context, detections.RawFrame, *models.ProcessingTimings) (models.DetectionResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.calls
	d.calls++
	if i < len(d.script) && d.script[i] != nil {
		return models.DetectionResult{}, d.script[i]
	}
	if i < len(d.hits) && d.hits[i] {
		return models.DetectionResult{IsHandstand: true, Probability: 0.9}, nil
	}
	return models.DetectionResult{IsHandstand: false, Probability: 0.1}, nil
}

type blockingDetector struct {
	calls   atomic.Int32
	release chan struct{}
}

func (d *blockingDetector) Detect(ctx context.Context, _ detections.RawFrame, _ *models.ProcessingTimings) (models.DetectionResult, error) {
	d.calls.Add(1)
	select {
	case <-d.release:
		return models.DetectionResult{IsHandstand: true, Probability: 0.8}, nil
	case <-ctx.Done():
		return models.DetectionResult{}, ctx.Err()
	}
}

type recordingPersister struct {
	mu      sync.Mutex
	records []Record
	fail    error
}

func (p *recordingPersister) SaveSession(_ context.Context, rec Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.records = append(p.records, rec)
	return nil
}

func (p *recordingPersister) saved() []Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Record(nil), p.records...)
}

func (p *recordingPersister) setFail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = err
}

type harness struct {
	t       *testing.T
	clock   *timeutil.MockClock
	session *Session
	events  chan Event
	result  chan error
}

func startSession(t *testing.T, src FrameSource, det Detector, p Persister) *harness {
	t.Helper()
	return startSessionWith(t, src, det, p, Config{SampleInterval: testInterval, Cooldown: time.Second})
}

func startSessionWith(t *testing.T, src FrameSource, det Detector, p Persister, cfg Config) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		clock:  timeutil.NewMockClock(t0),
		events: make(chan Event, 1024),
		result: make(chan error, 1),
	}
	cfg.Clock = h.clock
	cfg.OnEvent = func(ev Event) { h.events <- ev }
	h.session = NewSession(src, det, p, cfg)
	go func() { h.result <- h.session.Run(context.Background()) }()

	require.Eventually(t, func() bool { return h.clock.Tickers() == 2 }, waitFor, time.Millisecond)
	return h
}

func (h *harness) next(typ EventType) Event {
	h.t.Helper()
	timeout := time.After(waitFor)
	for {
		select {
		case ev := <-h.events:
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			h.t.Fatalf("timed out waiting for %s event", typ)
			return Event{}
		}
	}
}

// tick advances one sample period and waits for its detection to land.
func (h *harness) tick() Event {
	h.t.Helper()
	h.clock.Advance(testInterval)
	return h.next(EventDetection)
}

func (h *harness) stop() error {
	h.t.Helper()
	h.session.Stop()
	select {
	case err := <-h.result:
		return err
	case <-time.After(waitFor):
		h.t.Fatal("session did not stop")
		return nil
	}
}

func TestSession_PersistsAccumulatedTime(t *testing.T) {
	det := &scriptDetector{hits: []bool{true, true, true, true, true, true}}
	p := &recordingPersister{}
	h := startSession(t, staticSource{}, det, p)

	first := h.tick()
	require.NotNil(t, first.Result)
	assert.True(t, first.Result.IsHandstand)
	assert.Equal(t, Active, first.Phase)

	for i := 0; i < 5; i++ {
		h.tick()
	}
	require.NoError(t, h.stop())

	saved := p.saved()
	require.Len(t, saved, 1)
	assert.Equal(t, 2500*time.Millisecond, saved[0].Duration)

	stats, ended := h.session.Stats()
	require.True(t, ended)
	assert.Equal(t, 6, stats.Ticks)
	assert.Equal(t, 6, stats.Positive)
	assert.InDelta(t, 0.9, stats.MeanProbability, 1e-9)
	assert.GreaterOrEqual(t, stats.Elapsed, 2)

	saved0 := h.next(EventSaved)
	assert.Equal(t, 2500*time.Millisecond, saved0.Duration)
}

func TestSession_TimerCountsFromHandstandStart(t *testing.T) {
	det := &scriptDetector{hits: []bool{false, false, true, true, false}}
	p := &recordingPersister{}
	h := startSessionWith(t, staticSource{}, det, p, Config{SampleInterval: 300 * time.Millisecond})

	for i := 0; i < 2; i++ {
		h.clock.Advance(300 * time.Millisecond)
		h.next(EventDetection)
	}
	h.clock.Advance(300 * time.Millisecond)
	up := h.next(EventDetection)
	require.Equal(t, Active, up.Phase)

	// Passes the session's first second, but not the handstand's.
	h.clock.Advance(300 * time.Millisecond)
	require.Equal(t, Active, h.next(EventDetection).Phase)
	h.clock.Advance(300 * time.Millisecond)
	down := h.next(EventDetection)
	require.Equal(t, Idle, down.Phase)
	require.NoError(t, h.stop())

	stats, _ := h.session.Stats()
	assert.Zero(t, stats.Elapsed)
	require.Len(t, p.saved(), 1)
	assert.Equal(t, 300*time.Millisecond, p.saved()[0].Duration)
}

func TestSession_TimerTicksEverySecondOfHandstand(t *testing.T) {
	det := &scriptDetector{hits: []bool{true}}
	p := &recordingPersister{}
	h := startSessionWith(t, staticSource{}, det, p, Config{SampleInterval: 10 * time.Second})

	h.clock.Advance(10 * time.Second)
	up := h.next(EventDetection)
	require.Equal(t, Active, up.Phase)

	for want := 1; want <= 3; want++ {
		h.clock.Advance(time.Second)
		ev := h.next(EventTimer)
		assert.Equal(t, want, ev.Elapsed)
		assert.Equal(t, t0.Add(10*time.Second+time.Duration(want)*time.Second), ev.At)
	}
	require.NoError(t, h.stop())
}

func TestSession_ZeroDurationNotPersisted(t *testing.T) {
	det := &scriptDetector{hits: []bool{true}}
	p := &recordingPersister{}
	h := startSession(t, staticSource{}, det, p)

	h.tick()
	h.tick()
	require.NoError(t, h.stop())

	assert.Empty(t, p.saved())
	_, pending := h.session.Pending()
	assert.False(t, pending)
}

func TestSession_DetectorErrorsCountAsNoDetection(t *testing.T) {
	det := &scriptDetector{
		hits:   []bool{true, true},
		script: []error{nil, nil, errInference, errInference, errInference},
	}
	p := &recordingPersister{}
	h := startSession(t, staticSource{}, det, p)

	h.tick()
	h.tick()
	ev := h.tick()
	assert.ErrorIs(t, ev.Err, errInference)
	assert.Nil(t, ev.Result)
	assert.Equal(t, Active, h.tick().Phase)
	assert.Equal(t, Idle, h.tick().Phase)

	require.NoError(t, h.stop())
	stats, _ := h.session.Stats()
	assert.Equal(t, 3, stats.Failed)
	require.Len(t, p.saved(), 1)
	assert.Equal(t, 500*time.Millisecond, p.saved()[0].Duration)
}

func TestSession_SkipsTickWhileDetectionRuns(t *testing.T) {
	det := &blockingDetector{release: make(chan struct{})}
	h := startSession(t, staticSource{}, det, &recordingPersister{})

	h.clock.Advance(testInterval)
	require.Eventually(t, func() bool { return det.calls.Load() == 1 }, waitFor, time.Millisecond)

	h.clock.Advance(testInterval)
	require.Eventually(t, func() bool { return h.session.Skipped() == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, int32(1), det.calls.Load())

	close(det.release)
	ev := h.next(EventDetection)
	require.NotNil(t, ev.Result)

	require.NoError(t, h.stop())
	stats, _ := h.session.Stats()
	assert.Equal(t, 1, stats.Skipped)
}

func TestSession_StopDiscardsInFlightResult(t *testing.T) {
	det := &blockingDetector{release: make(chan struct{})}
	p := &recordingPersister{}
	h := startSession(t, staticSource{}, det, p)

	h.clock.Advance(testInterval)
	require.Eventually(t, func() bool { return det.calls.Load() == 1 }, waitFor, time.Millisecond)

	require.NoError(t, h.stop())
	stats, _ := h.session.Stats()
	assert.Zero(t, stats.Ticks)
	assert.Zero(t, stats.Accumulated)
	assert.Empty(t, p.saved())
}

func TestSession_CameraFailureSwitchesToManual(t *testing.T) {
	src := staticSource{err: &CameraAccessError{Message: "permission denied"}}
	det := &scriptDetector{}
	p := &recordingPersister{}
	h := startSession(t, src, det, p)

	h.clock.Advance(testInterval)
	ev := h.next(EventError)
	assert.Equal(t, CodeCameraUnavailable, ev.Code)

	require.NoError(t, h.session.SetManual(true))
	h.next(EventState)
	h.clock.Advance(2 * time.Second)
	require.NoError(t, h.session.SetManual(false))
	stopped := h.next(EventState)
	assert.Equal(t, Idle, stopped.Phase)

	require.NoError(t, h.stop())
	assert.Zero(t, det.calls)
	require.Len(t, p.saved(), 1)
	assert.Equal(t, 2*time.Second, p.saved()[0].Duration)

	stats, _ := h.session.Stats()
	assert.True(t, stats.Manual)
}

func TestSession_PersistenceFailureKeepsRecord(t *testing.T) {
	det := &scriptDetector{hits: []bool{true, true, true}}
	p := &recordingPersister{fail: errors.New("database locked")}
	h := startSession(t, staticSource{}, det, p)

	assert.ErrorIs(t, h.session.RetrySave(context.Background()), ErrSessionRunning)

	h.tick()
	h.tick()
	h.tick()
	err := h.stop()

	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, time.Second, perr.Record.Duration)
	assert.ErrorIs(t, h.session.Err(), err)

	ev := h.next(EventError)
	assert.Equal(t, CodePersistence, ev.Code)

	rec, pending := h.session.Pending()
	require.True(t, pending)
	assert.Equal(t, time.Second, rec.Duration)

	p.setFail(nil)
	require.NoError(t, h.session.RetrySave(context.Background()))
	require.Len(t, p.saved(), 1)
	assert.Equal(t, time.Second, p.saved()[0].Duration)

	_, pending = h.session.Pending()
	assert.False(t, pending)
	assert.ErrorIs(t, h.session.RetrySave(context.Background()), ErrNothingPending)
}

func TestSession_SetManualAfterEnd(t *testing.T) {
	h := startSession(t, staticSource{}, &scriptDetector{}, &recordingPersister{})
	require.NoError(t, h.stop())

	assert.ErrorIs(t, h.session.SetManual(true), ErrSessionEnded)
	<-h.session.Done()
}

func TestSession_ContextCancelEndsRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewSession(staticSource{}, &scriptDetector{}, &recordingPersister{}, Config{Clock: timeutil.NewMockClock(t0)})
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("run did not return")
	}
	assert.NotEmpty(t, s.ID())
}
