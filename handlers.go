package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/handstand-coach/posture-service/detections"
	"github.com/handstand-coach/posture-service/modelcache"
	"github.com/handstand-coach/posture-service/models"
	"go.uber.org/zap"
)

const maxUploadSize = 10 << 20

var errEmptyImage = errors.New("no image in request")

type DetectionResponse struct {
	IsHandstand bool    `json:"is_handstand"`
	Probability float64 `json:"probability"`
	Message     string  `json:"message"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (s *AppState) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/detect-handstand", s.handleDetectHandstand).Methods("POST")
	r.HandleFunc("/ws/session", s.handleLiveSession).Methods("GET")

	r.HandleFunc("/model", s.Artifacts.handleModel).Methods("GET")
	r.HandleFunc("/model-url", s.Artifacts.handleModelURL).Methods("GET")
	r.HandleFunc("/model/signed", s.Artifacts.handleSignedModel).Methods("GET")

	s.addHistoryRoutes(r)
	s.addMonitoringRoutes(r)
	return r
}

func (s *AppState) addMonitoringRoutes(r *mux.Router) {
	r.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
}

func (s *AppState) handleDetectHandstand(w http.ResponseWriter, r *http.Request) {
	startTotal := time.Now()
	timings := &models.ProcessingTimings{RequestID: uuid.New().String()}
	logger := s.Logger.With(zap.String("request_id", timings.RequestID))

	imgBytes, err := readImagePayload(r)
	if err != nil {
		sendErrorResponse(w, "invalid_request", err.Error(), http.StatusBadRequest)
		return
	}

	decodeStart := time.Now()
	img, err := decodeImage(imgBytes)
	timings.ImageDecode = time.Since(decodeStart)
	if err != nil {
		sendErrorResponse(w, "invalid_image", "Failed to decode image", http.StatusBadRequest)
		return
	}

	result, err := s.Detector.DetectImage(r.Context(), img, timings)
	if err != nil {
		code, status := classifyDetectError(err)
		logger.Warn("detection failed", zap.String("code", code), zap.Error(err))
		sendErrorResponse(w, code, err.Error(), status)
		return
	}

	timings.Total = time.Since(startTotal)
	s.Detector.LogTimings(timings)

	writeJSON(w, http.StatusOK, DetectionResponse{
		IsHandstand: result.IsHandstand,
		Probability: result.Probability,
		Message:     detectionMessage(result.IsHandstand),
	})
}

func classifyDetectError(err error) (string, int) {
	var loadErr *modelcache.ModelLoadError
	switch {
	case errors.As(err, &loadErr):
		return "model_unavailable", http.StatusServiceUnavailable
	case errors.Is(err, detections.ErrInvalidFrame):
		return "invalid_image", http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "request_cancelled", http.StatusServiceUnavailable
	default:
		return "processing_error", http.StatusInternalServerError
	}
}

func (s *AppState) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	response := map[string]interface{}{
		"model_ready":     s.Models.Ready(),
		"live_sessions":   s.active.Load(),
		"cpu_features":    detections.CPUFeatures(),
		"sample_interval": s.Config.SampleInterval.String(),
		"cooldown":        s.Config.Cooldown.String(),
	}
	if stats, ok := s.poolStats(); ok {
		response["pool"] = stats
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *AppState) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"model_ready": s.Models.Ready(),
	})
}

// readImagePayload accepts a JSON body {"image": data-url or base64}, a
// multipart upload in field "file", or the raw image bytes.
func readImagePayload(r *http.Request) ([]byte, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	var (
		data []byte
		err  error
	)
	switch mediaType {
	case "application/json":
		data, err = handleJSONRequest(r)
	case "multipart/form-data":
		data, err = handleMultipartRequest(r)
	default:
		data, err = handleRawRequest(r)
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errEmptyImage
	}
	return data, nil
}

func handleJSONRequest(r *http.Request) ([]byte, error) {
	var req struct {
		Image string `json:"image"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxUploadSize)).Decode(&req); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	if req.Image == "" {
		return nil, errEmptyImage
	}
	return decodeDataURL(req.Image)
}

func handleMultipartRequest(r *http.Request) ([]byte, error) {
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		return nil, err
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return io.ReadAll(io.LimitReader(file, maxUploadSize))
}

func handleRawRequest(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, maxUploadSize))
}

// decodeDataURL accepts "data:image/jpeg;base64,..." or bare base64.
func decodeDataURL(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		comma := strings.IndexByte(s, ',')
		if comma < 0 {
			return nil, errors.New("malformed data url")
		}
		if !strings.HasSuffix(s[:comma], ";base64") {
			return nil, errors.New("data url is not base64 encoded")
		}
		s = s[comma+1:]
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode base64 image: %w", err)
	}
	return data, nil
}

func decodeImage(data []byte) (image.Image, error) {
	return imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func sendErrorResponse(w http.ResponseWriter, code, message string, status int) {
	writeJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
	})
}
