package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"image/color"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/handstand-coach/posture-service/config"
	"github.com/handstand-coach/posture-service/detections"
	"github.com/handstand-coach/posture-service/history"
	"github.com/handstand-coach/posture-service/timeutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubModel struct {
	raw float32
}

func (m stubModel) Infer(context.Context, *detections.InputTensor) ([]float32, error) {
	return []float32{m.raw}, nil
}

type stubModels struct {
	model detections.Model
	err   error
}

func (s *stubModels) Get(context.Context) (detections.Model, error) {
	return s.model, s.err
}

func (s *stubModels) Ready() bool {
	return s.model != nil && s.err == nil
}

const testModelBytes = "onnx-model-bytes"

func newTestApp(t *testing.T, models ModelService) *AppState {
	t.Helper()

	dir := t.TempDir()
	modelPath := filepath.Join(dir, "detector.onnx")
	require.NoError(t, os.WriteFile(modelPath, []byte(testModelBytes), 0o644))

	store, err := history.Open(filepath.Join(dir, "history.db"), nil)
	require.NoError(t, err)

	cfg := config.NewDefaultConfig()
	cfg.ModelPath = modelPath
	cfg.SampleInterval = 20 * time.Millisecond
	cfg.SigningKey = "test-signing-key"

	app := &AppState{
		Config:    cfg,
		Logger:    zap.NewNop(),
		Models:    models,
		Detector:  detections.NewDetector(models, nil),
		History:   store,
		Artifacts: NewArtifactServer(modelPath, "detector.onnx", cfg.SigningKey, cfg.SignedURLTTL, nil),
		Clock:     timeutil.RealClock{},
	}
	app.baseCtx, app.cancel = context.WithCancel(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		app.Shutdown(ctx)
		app.Close()
	})
	return app
}

// positiveModels always reports a handstand with probability 0.8.
func positiveModels() *stubModels {
	return &stubModels{model: stubModel{raw: 0.2}}
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := imaging.New(w, h, color.NRGBA{R: 120, G: 80, B: 40, A: 255})
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, imaging.PNG))
	return buf.Bytes()
}

func dataURL(data []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(data)
}
