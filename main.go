package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/handstand-coach/posture-service/config"
	"github.com/handstand-coach/posture-service/detections"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func main() {
	envErr := config.LoadDotEnv()
	cfg, cfgErr := config.FromEnv()

	logger, err := newLogger(cfgErr == nil && cfg.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	if envErr != nil {
		logger.Warn("Error loading .env file", zap.Error(envErr))
	}
	if cfgErr != nil {
		logger.Fatal("Invalid configuration", zap.Error(cfgErr))
	}

	libPath, err := detections.RuntimeLibraryPath(cfg.RuntimeLibDir, cfg.RuntimeLibPath)
	if err != nil {
		logger.Fatal("Failed to locate ONNX Runtime", zap.Error(err))
	}
	if err := detections.InitRuntime(libPath); err != nil {
		logger.Fatal("Failed to initialize ONNX environment", zap.Error(err))
	}
	defer detections.DestroyRuntime()

	app, err := newApp(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize service", zap.Error(err))
	}
	defer app.Close()
	app.Warm()

	srv := &http.Server{
		Handler:      app.routes(),
		Addr:         cfg.Addr,
		WriteTimeout: 60 * time.Second,
		ReadTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting server",
			zap.String("addr", srv.Addr),
			zap.String("model_source", string(cfg.ModelSource)),
			zap.String("model_cache", string(cfg.ModelCache)),
			zap.Any("cpu_features", detections.CPUFeatures()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err := <-serverErr:
		if err != nil {
			logger.Error("Server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown", zap.Error(err))
	}
	app.Shutdown(shutdownCtx)
}
