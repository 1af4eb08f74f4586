package detections

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	ort "github.com/yalue/onnxruntime_go"
)

const (
	AcquireTimeout    = 5 * time.Second
	HealthCheckPeriod = 60 * time.Second
)

var ErrPoolClosed = errors.New("pool is closed")

type SessionConfig struct {
	InputName  string
	OutputName string
	OutputSize int64
	Threads    int
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.InputName == "" {
		c.InputName = InputName
	}
	if c.OutputName == "" {
		c.OutputName = OutputName
	}
	if c.OutputSize <= 0 {
		c.OutputSize = DefaultOutputSize
	}
	if c.Threads <= 0 {
		c.Threads = 1
	}
	return c
}

// ModelSession is one ONNX Runtime session with its bound input and output
// tensors. It must not be used by two goroutines at once.
type ModelSession struct {
	Session *ort.AdvancedSession
	Input   *ort.Tensor[float32]
	Output  *ort.Tensor[float32]
}

func (m *ModelSession) Destroy() {
	if m.Session != nil {
		m.Session.Destroy()
	}
	if m.Input != nil {
		m.Input.Destroy()
	}
	if m.Output != nil {
		m.Output.Destroy()
	}
}

// NewModelSession builds a session from serialized model bytes.
func NewModelSession(modelData []byte, cfg SessionConfig) (*ModelSession, error) {
	cfg = cfg.withDefaults()

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	options.SetIntraOpNumThreads(cfg.Threads)
	options.SetInterOpNumThreads(1)

	inputShape := ort.NewShape(1, InputChannels, InputHeight, InputWidth)
	outputShape := ort.NewShape(1, cfg.OutputSize)

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSessionWithONNXData(
		modelData,
		[]string{cfg.InputName},
		[]string{cfg.OutputName},
		[]ort.Value{inputTensor},
		[]ort.Value{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	return &ModelSession{
		Session: session,
		Input:   inputTensor,
		Output:  outputTensor,
	}, nil
}

// ModelSessionPool shares a fixed number of sessions of one model. It is
// the process-wide model handle.
type ModelSessionPool struct {
	sessions   chan *ModelSession
	size       int
	modelData  []byte
	cfg        SessionConfig
	mu         sync.Mutex
	closed     bool
	done       chan struct{}
	metrics    *poolMetrics
	lastErrors []error
}

type poolMetrics struct {
	mu              sync.RWMutex
	inUse           int
	totalAcquired   int64
	totalReleased   int64
	acquireFailures int64
	inferences      int64
	waitTime        time.Duration
}

// PoolStats is a point-in-time copy of the pool metrics.
type PoolStats struct {
	Size            int           `json:"pool_size"`
	InUse           int           `json:"sessions_in_use"`
	TotalAcquired   int64         `json:"total_acquired"`
	TotalReleased   int64         `json:"total_released"`
	AcquireFailures int64         `json:"acquire_failures"`
	Inferences      int64         `json:"inferences"`
	WaitTime        time.Duration `json:"wait_time_ns"`
	RecentErrors    []string      `json:"recent_errors,omitempty"`
}

func NewModelSessionPool(modelData []byte, size int, cfg SessionConfig) (*ModelSessionPool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}
	if cfg.Threads <= 0 {
		cfg.Threads = sessionThreads(size)
	}

	pool := &ModelSessionPool{
		sessions:  make(chan *ModelSession, size),
		size:      size,
		modelData: modelData,
		cfg:       cfg,
		done:      make(chan struct{}),
		metrics:   &poolMetrics{},
	}

	for i := 0; i < size; i++ {
		session, err := NewModelSession(modelData, cfg)
		if err != nil {
			pool.Destroy()
			return nil, fmt.Errorf("failed to initialize session %d: %w", i, err)
		}
		pool.sessions <- session
	}

	go pool.healthCheck()

	return pool, nil
}

// NewPoolBuilder returns a constructor that turns model bytes into a pool.
func NewPoolBuilder(size int, cfg SessionConfig) func([]byte) (Model, error) {
	return func(data []byte) (Model, error) {
		pool, err := NewModelSessionPool(data, size, cfg)
		if err != nil {
			return nil, err
		}
		return pool, nil
	}
}

func (p *ModelSessionPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *ModelSessionPool) Acquire(ctx context.Context) (*ModelSession, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}

	start := time.Now()
	defer func() {
		p.metrics.mu.Lock()
		p.metrics.waitTime += time.Since(start)
		p.metrics.mu.Unlock()
	}()

	timer := time.NewTimer(AcquireTimeout)
	defer timer.Stop()

	select {
	case session, ok := <-p.sessions:
		if !ok {
			return nil, ErrPoolClosed
		}
		p.metrics.mu.Lock()
		p.metrics.inUse++
		p.metrics.totalAcquired++
		p.metrics.mu.Unlock()
		return session, nil
	case <-timer.C:
		p.metrics.mu.Lock()
		p.metrics.acquireFailures++
		p.metrics.mu.Unlock()
		return nil, fmt.Errorf("timeout waiting for available session")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *ModelSessionPool) Release(session *ModelSession) {
	p.metrics.mu.Lock()
	p.metrics.inUse--
	p.metrics.totalReleased++
	p.metrics.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		session.Destroy()
		return
	}
	p.put(session)
}

// put returns a session to the pool, dropping it when the pool is already
// full. Callers hold p.mu.
func (p *ModelSessionPool) put(session *ModelSession) {
	select {
	case p.sessions <- session:
	default:
		session.Destroy()
	}
}

// Infer implements Model. A session is held only for the copy-run-copy.
func (p *ModelSessionPool) Infer(ctx context.Context, input *InputTensor) ([]float32, error) {
	session, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.Release(session)

	copy(session.Input.GetData(), input.Data)
	if err := session.Session.Run(); err != nil {
		p.recordError(err)
		return nil, err
	}

	p.metrics.mu.Lock()
	p.metrics.inferences++
	p.metrics.mu.Unlock()

	out := session.Output.GetData()
	result := make([]float32, len(out))
	copy(result, out)
	return result, nil
}

func (p *ModelSessionPool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.closed = true
	close(p.done)
	close(p.sessions)

	for session := range p.sessions {
		session.Destroy()
	}
}

func (p *ModelSessionPool) healthCheck() {
	ticker := time.NewTicker(HealthCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
		}

		p.metrics.mu.RLock()
		missing := p.size - len(p.sessions) - p.metrics.inUse
		p.metrics.mu.RUnlock()

		if missing > 0 {
			p.replenishSessions(missing)
		}
	}
}

func (p *ModelSessionPool) replenishSessions(count int) {
	for i := 0; i < count; i++ {
		session, err := NewModelSession(p.modelData, p.cfg)
		if err != nil {
			p.recordError(err)
			continue
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			session.Destroy()
			return
		}
		p.put(session)
		p.mu.Unlock()
	}
}

func (p *ModelSessionPool) recordError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastErrors = append(p.lastErrors, err)
	if len(p.lastErrors) > 10 {
		p.lastErrors = p.lastErrors[1:]
	}
}

func (p *ModelSessionPool) GetMetrics() PoolStats {
	p.metrics.mu.RLock()
	stats := PoolStats{
		Size:            p.size,
		InUse:           p.metrics.inUse,
		TotalAcquired:   p.metrics.totalAcquired,
		TotalReleased:   p.metrics.totalReleased,
		AcquireFailures: p.metrics.acquireFailures,
		Inferences:      p.metrics.inferences,
		WaitTime:        p.metrics.waitTime,
	}
	p.metrics.mu.RUnlock()

	p.mu.Lock()
	for _, err := range p.lastErrors {
		stats.RecentErrors = append(stats.RecentErrors, err.Error())
	}
	p.mu.Unlock()
	return stats
}
