package modelcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/handstand-coach/posture-service/detections"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Builder turns artifact bytes into a runnable model.
type Builder func(data []byte) (detections.Model, error)

const loadKey = "model"

// Loader owns the process-wide model. The first Get loads it (cache, then
// source); concurrent callers wait for that same load. A successful model
// is kept for the life of the Loader, a failed load is retried by the next
// Get.
type Loader struct {
	source Source
	cache  Cache
	build  Builder
	logger *zap.Logger

	group singleflight.Group

	mu    sync.RWMutex
	model detections.Model

	fetches atomic.Int64
}

func NewLoader(source Source, cache Cache, build Builder, logger *zap.Logger) *Loader {
	if cache == nil {
		cache = NopCache{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		source: source,
		cache:  cache,
		build:  build,
		logger: logger.With(zap.String("model", source.Key())),
	}
}

// Get returns the loaded model. Cancelling ctx stops this caller's wait
// but not the shared load.
func (l *Loader) Get(ctx context.Context) (detections.Model, error) {
	if m := l.loaded(); m != nil {
		return m, nil
	}

	ch := l.group.DoChan(loadKey, func() (interface{}, error) {
		if m := l.loaded(); m != nil {
			return m, nil
		}
		m, err := l.load(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		l.model = m
		l.mu.Unlock()
		return m, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(detections.Model), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ready reports whether the model has been loaded.
func (l *Loader) Ready() bool {
	return l.loaded() != nil
}

// Fetches counts downloads from the source.
func (l *Loader) Fetches() int64 {
	return l.fetches.Load()
}

// Model returns the loaded model, or nil.
func (l *Loader) Model() detections.Model {
	return l.loaded()
}

// Close releases the model if it holds runtime resources.
func (l *Loader) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if d, ok := l.model.(interface{ Destroy() }); ok {
		d.Destroy()
	}
	l.model = nil
}

func (l *Loader) loaded() detections.Model {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.model
}

func (l *Loader) load(ctx context.Context) (detections.Model, error) {
	key := l.source.Key()

	data, err := l.cache.Get(ctx, key)
	switch {
	case err == nil:
		m, buildErr := l.build(data)
		if buildErr == nil {
			l.logger.Info("model loaded from cache", zap.Int("bytes", len(data)))
			return m, nil
		}
		l.logger.Warn("cached model failed to build, refetching", zap.Error(buildErr))
	case errors.Is(err, ErrCacheMiss):
		l.logger.Debug("model cache miss")
	default:
		l.logger.Warn("model cache read failed, refetching", zap.Error(err))
	}

	data, err = l.source.Fetch(ctx)
	l.fetches.Add(1)
	if err != nil {
		return nil, &ModelLoadError{Op: "fetch", Source: key, Cause: err}
	}
	if len(data) == 0 {
		return nil, &ModelLoadError{Op: "fetch", Source: key, Cause: ErrEmptyModel}
	}

	m, err := l.build(data)
	if err != nil {
		return nil, &ModelLoadError{Op: "build", Source: key, Cause: err}
	}

	// Only artifacts that build are cached.
	if err := l.cache.Put(ctx, key, data); err != nil {
		l.logger.Warn("model cache write failed", zap.Error(err))
	}
	l.logger.Info("model loaded from source", zap.Int("bytes", len(data)))
	return m, nil
}
