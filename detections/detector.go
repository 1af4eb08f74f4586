package detections

import (
	"context"
	"image"
	"time"

	"github.com/handstand-coach/posture-service/models"
	"go.uber.org/zap"
)

// ModelProvider hands out the shared model, loading it on first use.
type ModelProvider interface {
	Get(ctx context.Context) (Model, error)
}

// Detector runs the full frame → tensor → result pipeline. Both live
// sessions and one-off uploads go through it.
type Detector struct {
	models       ModelProvider
	preprocessor *Preprocessor
	logger       *zap.Logger
}

func NewDetector(provider ModelProvider, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		models:       provider,
		preprocessor: NewPreprocessor(),
		logger:       logger,
	}
}

// Detect classifies one frame. Model load failures are returned unchanged;
// anything else past loading is an *InferenceError or ErrInvalidFrame.
func (d *Detector) Detect(ctx context.Context, frame RawFrame, timings *models.ProcessingTimings) (models.DetectionResult, error) {
	if timings == nil {
		timings = &models.ProcessingTimings{}
	}

	loadStart := time.Now()
	model, err := d.models.Get(ctx)
	timings.ModelLoad = time.Since(loadStart)
	if err != nil {
		return models.DetectionResult{}, err
	}

	prepStart := time.Now()
	tensor, err := d.preprocessor.Process(frame)
	timings.Preprocess = time.Since(prepStart)
	if err != nil {
		return models.DetectionResult{}, err
	}

	inferStart := time.Now()
	result, err := Run(ctx, model, tensor)
	timings.Inference = time.Since(inferStart)
	if err != nil {
		return models.DetectionResult{}, err
	}
	return result, nil
}

// DetectImage is Detect for an already decoded image.
func (d *Detector) DetectImage(ctx context.Context, img image.Image, timings *models.ProcessingTimings) (models.DetectionResult, error) {
	return d.Detect(ctx, FrameFromImage(img), timings)
}

func (d *Detector) LogTimings(t *models.ProcessingTimings) {
	d.logger.Debug("processing times",
		zap.String("request_id", t.RequestID),
		zap.Duration("image_decode", t.ImageDecode),
		zap.Duration("model_load", t.ModelLoad),
		zap.Duration("preprocess", t.Preprocess),
		zap.Duration("inference", t.Inference),
		zap.Duration("total", t.Total),
	)
}
