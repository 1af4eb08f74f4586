package tracker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/handstand-coach/posture-service/detections"
	"github.com/handstand-coach/posture-service/models"
	"github.com/handstand-coach/posture-service/timeutil"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
)

const DefaultSaveTimeout = 10 * time.Second

// Detector classifies one frame.
type Detector interface {
	Detect(ctx context.Context, frame detections.RawFrame, timings *models.ProcessingTimings) (models.DetectionResult, error)
}

// Persister stores a finished session.
type Persister interface {
	SaveSession(ctx context.Context, rec Record) error
}

type PersisterFunc func(ctx context.Context, rec Record) error

func (f PersisterFunc) SaveSession(ctx context.Context, rec Record) error {
	return f(ctx, rec)
}

type EventType string

const (
	EventState     EventType = "state"
	EventDetection EventType = "detection"
	EventTimer     EventType = "timer"
	EventSaved     EventType = "saved"
	EventError     EventType = "error"
	EventStats     EventType = "stats"
)

const (
	CodeCameraUnavailable = "camera_unavailable"
	CodePersistence       = "persistence_error"
)

// Event is what a session reports to its UI.
type Event struct {
	SessionID string
	Type      EventType
	Phase     Phase
	Elapsed   int
	Result    *models.DetectionResult
	Duration  time.Duration
	Code      string
	Err       error
	Stats     *Stats
	At        time.Time
}

type Stats struct {
	Ticks           int           `json:"ticks"`
	Positive        int           `json:"positive"`
	Skipped         int           `json:"skipped"`
	Failed          int           `json:"failed"`
	MeanProbability float64       `json:"mean_probability"`
	Accumulated     time.Duration `json:"accumulated_ns"`
	Elapsed         int           `json:"elapsed"`
	Manual          bool          `json:"manual"`
}

type Config struct {
	SampleInterval time.Duration
	Cooldown       time.Duration
	SaveTimeout    time.Duration
	Clock          timeutil.Clock
	Logger         *zap.Logger
	// OnEvent is called from the session goroutine and from RetrySave; it
	// must not block for long.
	OnEvent func(Event)
}

func (c Config) withDefaults() Config {
	if c.SampleInterval <= 0 {
		c.SampleInterval = DefaultSampleInterval
	}
	if c.Cooldown < 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.SaveTimeout <= 0 {
		c.SaveTimeout = DefaultSaveTimeout
	}
	if c.Clock == nil {
		c.Clock = timeutil.RealClock{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

type tickResult struct {
	at     time.Time
	result models.DetectionResult
	err    error
}

type command struct {
	active bool
	at     time.Time
}

// Session samples a FrameSource on a fixed period while it runs and feeds
// the detections to a Tracker. All tracker state is owned by the Run
// goroutine; at most one detection is in flight and a tick that fires
// while one is pending is skipped.
type Session struct {
	id        string
	cfg       Config
	source    FrameSource
	detector  Detector
	persister Persister
	logger    *zap.Logger

	tracker       *Tracker
	manual        bool
	inFlight      bool
	elapsed       int
	display       timeutil.Ticker
	stats         Stats
	probabilities []float64
	skipped       atomic.Int64

	results  chan tickResult
	commands chan command
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu      sync.Mutex
	ended   bool
	pending *Record
	final   Stats
	runErr  error
}

func NewSession(source FrameSource, detector Detector, persister Persister, cfg Config) *Session {
	cfg = cfg.withDefaults()
	id := uuid.New().String()
	return &Session{
		id:        id,
		cfg:       cfg,
		source:    source,
		detector:  detector,
		persister: persister,
		logger:    cfg.Logger.With(zap.String("session_id", id)),
		tracker:   NewTracker(cfg.Cooldown),
		results:   make(chan tickResult, 1),
		commands:  make(chan command, 8),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

// Done is closed once Run has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// Stop ends the session. Run flushes and persists before returning.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Skipped counts ticks dropped because a detection was still running.
func (s *Session) Skipped() int64 { return s.skipped.Load() }

// SetManual starts or ends an interval by hand and switches the session to
// manual mode, where sampling is off.
func (s *Session) SetManual(active bool) error {
	select {
	case <-s.done:
		return ErrSessionEnded
	default:
	}
	select {
	case s.commands <- command{active: active, at: s.cfg.Clock.Now()}:
		return nil
	case <-s.done:
		return ErrSessionEnded
	}
}

// Run drives the session until ctx is cancelled or Stop is called. It
// returns a *PersistenceError when the final save fails.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)

	sample := s.cfg.Clock.NewTicker(s.cfg.SampleInterval)
	defer sample.Stop()
	s.display = s.cfg.Clock.NewTicker(time.Second)
	defer func() { s.display.Stop() }()

	tickCtx, cancelTicks := context.WithCancel(ctx)
	defer cancelTicks()

	s.logger.Info("session started",
		zap.Duration("sample_interval", s.cfg.SampleInterval),
		zap.Duration("cooldown", s.cfg.Cooldown))
	s.emit(Event{Type: EventState, Phase: Idle, At: s.cfg.Clock.Now()})

	for {
		select {
		case <-ctx.Done():
			cancelTicks()
			return s.finish(ctx)
		case <-s.stop:
			cancelTicks()
			return s.finish(ctx)
		case at := <-sample.C():
			s.startTick(tickCtx, at)
		case res := <-s.results:
			s.applyResult(res)
		case <-s.display.C():
			s.advanceTimer()
		case cmd := <-s.commands:
			s.applyCommand(cmd)
		}
	}
}

func (s *Session) startTick(ctx context.Context, at time.Time) {
	if s.manual {
		return
	}
	if s.inFlight {
		s.skipped.Add(1)
		s.logger.Debug("tick skipped, detection still running", zap.Time("at", at))
		return
	}
	s.inFlight = true

	go func() {
		res := tickResult{at: at}
		frame, err := s.source.Capture(ctx)
		if err != nil {
			res.err = err
		} else {
			timings := &models.ProcessingTimings{RequestID: s.id}
			res.result, res.err = s.detector.Detect(ctx, frame, timings)
		}
		select {
		case s.results <- res:
		case <-ctx.Done():
		}
	}()
}

func (s *Session) applyResult(res tickResult) {
	s.inFlight = false
	if s.manual {
		return
	}
	s.stats.Ticks++

	var camErr *CameraAccessError
	positive := false
	switch {
	case res.err == nil:
		positive = res.result.IsHandstand
		s.probabilities = append(s.probabilities, res.result.Probability)
		if positive {
			s.stats.Positive++
		}
	case errors.As(res.err, &camErr):
		s.stats.Failed++
		s.enterManual(res.at, camErr)
		return
	case errors.Is(res.err, ErrNoFrame), errors.Is(res.err, ErrStaleFrame):
		s.stats.Failed++
		s.logger.Debug("no frame for tick", zap.Error(res.err))
	case errors.Is(res.err, context.Canceled):
		s.stats.Failed++
	default:
		s.stats.Failed++
		s.logger.Warn("detection failed, treating tick as no detection", zap.Error(res.err))
	}

	s.transition(s.tracker.Observe(res.at, positive), res.at)

	ev := Event{Type: EventDetection, Phase: s.tracker.Phase(), Elapsed: s.elapsed, Err: res.err, At: res.at}
	if res.err == nil {
		result := res.result
		ev.Result = &result
	}
	s.emit(ev)
}

func (s *Session) enterManual(at time.Time, cause error) {
	s.manual = true
	s.logger.Warn("camera unavailable, switching to manual mode", zap.Error(cause))
	s.emit(Event{Type: EventError, Code: CodeCameraUnavailable, Err: cause, Phase: s.tracker.Phase(), At: at})
}

func (s *Session) applyCommand(cmd command) {
	s.manual = true
	if cmd.active {
		s.transition(s.tracker.Begin(cmd.at), cmd.at)
	} else {
		s.transition(s.tracker.Close(cmd.at), cmd.at)
	}
}

func (s *Session) transition(tr Transition, at time.Time) {
	if tr == NoTransition {
		return
	}
	state := s.tracker.State()
	if tr == Started {
		// The visible counter measures from the moment the handstand began.
		s.display.Stop()
		s.display = s.cfg.Clock.NewTicker(time.Second)
	}
	s.logger.Info("session phase changed",
		zap.Stringer("phase", state.Phase),
		zap.Duration("accumulated", state.Accumulated))
	s.emit(Event{Type: EventState, Phase: state.Phase, Elapsed: s.elapsed, Duration: state.Accumulated, At: at})
}

// advanceTimer moves the visible counter; only handstand time counts.
func (s *Session) advanceTimer() {
	if s.tracker.Phase() != Active {
		return
	}
	s.elapsed++
	s.emit(Event{Type: EventTimer, Phase: Active, Elapsed: s.elapsed, At: s.cfg.Clock.Now()})
}

func (s *Session) finish(ctx context.Context) error {
	total := s.tracker.Finish()
	stats := s.snapshot(total)
	s.emit(Event{Type: EventStats, Phase: Idle, Stats: &stats, Duration: total, Elapsed: s.elapsed, At: s.cfg.Clock.Now()})

	s.mu.Lock()
	s.ended = true
	s.final = stats
	s.mu.Unlock()

	s.logger.Info("session ended",
		zap.Duration("accumulated", total),
		zap.Int("ticks", stats.Ticks),
		zap.Int("skipped", stats.Skipped),
		zap.Int("failed", stats.Failed))

	if total <= 0 {
		return nil
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.SaveTimeout)
	defer cancel()
	err := s.save(saveCtx, Record{Duration: total, At: s.cfg.Clock.Now()})

	s.mu.Lock()
	s.runErr = err
	s.mu.Unlock()
	return err
}

func (s *Session) snapshot(total time.Duration) Stats {
	stats := s.stats
	stats.Skipped = int(s.skipped.Load())
	stats.Accumulated = total
	stats.Elapsed = s.elapsed
	stats.Manual = s.manual
	if len(s.probabilities) > 0 {
		stats.MeanProbability = stat.Mean(s.probabilities, nil)
	}
	return stats
}

func (s *Session) save(ctx context.Context, rec Record) error {
	if err := s.persister.SaveSession(ctx, rec); err != nil {
		s.mu.Lock()
		s.pending = &rec
		s.mu.Unlock()

		perr := &PersistenceError{Record: rec, Cause: err}
		s.logger.Error("failed to save session", zap.Duration("duration", rec.Duration), zap.Error(err))
		s.emit(Event{Type: EventError, Code: CodePersistence, Err: perr, Duration: rec.Duration, At: rec.At})
		return perr
	}

	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()

	s.logger.Info("session saved", zap.Duration("duration", rec.Duration))
	s.emit(Event{Type: EventSaved, Duration: rec.Duration, At: rec.At})
	return nil
}

// RetrySave re-attempts a save that failed when the session ended.
func (s *Session) RetrySave(ctx context.Context) error {
	s.mu.Lock()
	ended, pending := s.ended, s.pending
	s.mu.Unlock()

	if !ended {
		return ErrSessionRunning
	}
	if pending == nil {
		return ErrNothingPending
	}
	return s.save(ctx, *pending)
}

// Pending returns the record that still needs saving, if any.
func (s *Session) Pending() (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return Record{}, false
	}
	return *s.pending, true
}

// Stats returns the final statistics once the session has ended.
func (s *Session) Stats() (Stats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.final, s.ended
}

// Err returns the error Run returned, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runErr
}

func (s *Session) emit(ev Event) {
	ev.SessionID = s.id
	if s.cfg.OnEvent != nil {
		s.cfg.OnEvent(ev)
	}
}
