package detections

import (
	"context"
	"fmt"
	"math"

	"github.com/handstand-coach/posture-service/models"
)

// Model is a loaded network that maps an input tensor to its raw output.
// Implementations must be safe for concurrent use.
type Model interface {
	Infer(ctx context.Context, input *InputTensor) ([]float32, error)
}

type InferenceError struct {
	Message string
	Cause   error
}

func (e *InferenceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *InferenceError) Unwrap() error {
	return e.Cause
}

// Run executes a single forward pass and converts the raw score into a
// DetectionResult.
func Run(ctx context.Context, model Model, tensor *InputTensor) (models.DetectionResult, error) {
	if model == nil {
		return models.DetectionResult{}, &InferenceError{Message: "model not loaded"}
	}
	if tensor == nil || len(tensor.Data) != TensorSize {
		got := 0
		if tensor != nil {
			got = len(tensor.Data)
		}
		return models.DetectionResult{}, &InferenceError{
			Message: fmt.Sprintf("unexpected input length: got %d, want %d", got, TensorSize),
		}
	}

	output, err := model.Infer(ctx, tensor)
	if err != nil {
		return models.DetectionResult{}, &InferenceError{Message: "model inference", Cause: err}
	}
	if len(output) == 0 {
		return models.DetectionResult{}, &InferenceError{Message: "model produced no output"}
	}

	raw := float64(output[0])
	if math.IsNaN(raw) || math.IsInf(raw, 0) {
		return models.DetectionResult{}, &InferenceError{Message: fmt.Sprintf("unusable model output %v", raw)}
	}
	return ScoreToResult(raw), nil
}

// ScoreToResult applies the output polarity of the trained model: the raw
// score is the probability of "no handstand".
func ScoreToResult(raw float64) models.DetectionResult {
	probability := math.Min(1, math.Max(0, 1-raw))
	return models.DetectionResult{
		IsHandstand: probability >= HandstandThreshold,
		Probability: probability,
	}
}
