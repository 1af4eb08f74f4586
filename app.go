package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/handstand-coach/posture-service/config"
	"github.com/handstand-coach/posture-service/detections"
	"github.com/handstand-coach/posture-service/history"
	"github.com/handstand-coach/posture-service/modelcache"
	"github.com/handstand-coach/posture-service/timeutil"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ModelService is the model handle the HTTP layer needs: load on demand,
// report readiness.
type ModelService interface {
	detections.ModelProvider
	Ready() bool
}

type AppState struct {
	Config    *config.Config
	Logger    *zap.Logger
	Models    ModelService
	Detector  *detections.Detector
	History   *history.Store
	Artifacts *ArtifactServer
	Clock     timeutil.Clock

	redis    *redis.Client
	loader   *modelcache.Loader
	sessions sync.WaitGroup
	active   atomic.Int64

	// baseCtx is cancelled on shutdown; live sessions derive from it.
	baseCtx context.Context
	cancel  context.CancelFunc
}

func newModelSource(cfg *config.Config) (modelcache.Source, error) {
	switch cfg.ModelSource {
	case config.SourceFile:
		return &modelcache.FileSource{Path: cfg.ModelPath}, nil
	case config.SourceDirect:
		return &modelcache.DirectSource{URL: cfg.ModelURL}, nil
	case config.SourceSigned:
		return &modelcache.SignedURLSource{Endpoint: cfg.ModelURL, ID: cfg.ModelID}, nil
	default:
		return nil, fmt.Errorf("unknown model source %q", cfg.ModelSource)
	}
}

func newModelCache(cfg *config.Config, logger *zap.Logger) (modelcache.Cache, *redis.Client, error) {
	switch cfg.ModelCache {
	case config.CacheNone, "":
		return modelcache.NopCache{}, nil, nil
	case config.CacheFile:
		c, err := modelcache.NewFileCache(cfg.ModelCacheDir)
		if err != nil {
			return nil, nil, err
		}
		return c, nil, nil
	case config.CacheRedis:
		client := redis.NewClient(&redis.Options{
			Addr:        cfg.RedisAddr,
			Password:    cfg.RedisPassword,
			DB:          cfg.RedisDB,
			DialTimeout: 20 * time.Second,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			// The cache is best effort; misses fall through to the source.
			logger.Warn("redis unreachable, model cache will miss", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		} else {
			logger.Info("connected to redis", zap.String("addr", cfg.RedisAddr))
		}
		return modelcache.NewRedisCache(client, modelcache.DefaultRedisPrefix, 0), client, nil
	default:
		return nil, nil, fmt.Errorf("unknown model cache %q", cfg.ModelCache)
	}
}

// newApp wires the model loader, detector, history store and artifact
// server from cfg. The ONNX Runtime environment must already be
// initialized.
func newApp(cfg *config.Config, logger *zap.Logger) (*AppState, error) {
	source, err := newModelSource(cfg)
	if err != nil {
		return nil, err
	}
	cache, redisClient, err := newModelCache(cfg, logger)
	if err != nil {
		return nil, err
	}

	build := detections.NewPoolBuilder(cfg.PoolSize, detections.SessionConfig{
		OutputSize: int64(cfg.OutputSize),
	})
	loader := modelcache.NewLoader(source, cache, build, logger)

	publicBase, err := cfg.PublicBase()
	if err != nil {
		if redisClient != nil {
			redisClient.Close()
		}
		return nil, err
	}

	store, err := history.Open(cfg.DBPath, logger.Named("history"))
	if err != nil {
		if redisClient != nil {
			redisClient.Close()
		}
		return nil, fmt.Errorf("open history database: %w", err)
	}

	artifacts := NewArtifactServer(cfg.ModelPath, cfg.ModelID, cfg.SigningKey, cfg.SignedURLTTL, nil)
	artifacts.SetPublicBase(publicBase)

	app := &AppState{
		Config:    cfg,
		Logger:    logger,
		Models:    loader,
		Detector:  detections.NewDetector(loader, logger),
		History:   store,
		Artifacts: artifacts,
		Clock:     timeutil.RealClock{},
		redis:     redisClient,
		loader:    loader,
	}
	app.baseCtx, app.cancel = context.WithCancel(context.Background())
	return app, nil
}

// Warm starts the model load in the background so the first request does
// not pay for it.
func (s *AppState) Warm() {
	go func() {
		start := time.Now()
		if _, err := s.Models.Get(s.baseCtx); err != nil {
			s.Logger.Warn("model warm-up failed, will retry on first use", zap.Error(err))
			return
		}
		s.Logger.Info("model ready", zap.Duration("elapsed", time.Since(start)))
	}()
}

// poolStats reports the session pool once the model is loaded.
func (s *AppState) poolStats() (detections.PoolStats, bool) {
	if s.loader == nil {
		return detections.PoolStats{}, false
	}
	pool, ok := s.loader.Model().(*detections.ModelSessionPool)
	if !ok || pool == nil {
		return detections.PoolStats{}, false
	}
	return pool.GetMetrics(), true
}

// Shutdown ends live sessions (they flush and save) and waits for them up
// to ctx's deadline.
func (s *AppState) Shutdown(ctx context.Context) {
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.Logger.Warn("timed out waiting for live sessions", zap.Int64("active", s.active.Load()))
	}
}

func (s *AppState) Close() {
	if s.loader != nil {
		s.loader.Close()
	}
	if s.History != nil {
		if err := s.History.Close(); err != nil {
			s.Logger.Warn("close history database", zap.Error(err))
		}
	}
	if s.redis != nil {
		s.redis.Close()
	}
}
