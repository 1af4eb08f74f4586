// Command detect runs the handstand detector on image files, or replays a
// directory of frames through the session tracker.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/disintegration/imaging"
	"github.com/handstand-coach/posture-service/config"
	"github.com/handstand-coach/posture-service/detections"
	"github.com/handstand-coach/posture-service/modelcache"
	"github.com/handstand-coach/posture-service/models"
	"github.com/handstand-coach/posture-service/tracker"
	"go.uber.org/zap"
)

var (
	modelPath  = flag.String("model", "", "path to the ONNX model (default: MODEL_PATH)")
	libPath    = flag.String("ortlib", "", "path to the ONNX Runtime shared library (default: ORT_LIB_PATH / ORT_LIB_DIR)")
	sessionDir = flag.String("session", "", "replay the images in this directory as one session")
	interval   = flag.Duration("interval", tracker.DefaultSampleInterval, "time between replayed frames")
	cooldown   = flag.Duration("cooldown", tracker.DefaultCooldown, "miss tolerance before an interval ends")
	jsonOut    = flag.Bool("json", false, "print results as JSON lines")
	verbose    = flag.Bool("v", false, "log timings")
)

type frameReport struct {
	File        string  `json:"file,omitempty"`
	Frame       int     `json:"frame,omitempty"`
	OffsetMs    int64   `json:"offset_ms,omitempty"`
	IsHandstand bool    `json:"is_handstand"`
	Probability float64 `json:"probability"`
	Phase       string  `json:"phase,omitempty"`
	Error       string  `json:"error,omitempty"`
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] image...\n       %s [flags] -session dir\n", os.Args[0], os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "detect:", err)
		os.Exit(1)
	}
}

func run() error {
	if *sessionDir == "" && flag.NArg() == 0 {
		flag.Usage()
		return errors.New("no input")
	}

	_ = config.LoadDotEnv()
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	if *modelPath != "" {
		cfg.ModelPath = *modelPath
	}

	logger := zap.NewNop()
	if *verbose {
		if logger, err = zap.NewDevelopment(); err != nil {
			return err
		}
	}
	defer logger.Sync()

	lib, err := detections.RuntimeLibraryPath(cfg.RuntimeLibDir, firstNonEmpty(*libPath, cfg.RuntimeLibPath))
	if err != nil {
		return err
	}
	if err := detections.InitRuntime(lib); err != nil {
		return err
	}
	defer detections.DestroyRuntime()

	loader := modelcache.NewLoader(
		&modelcache.FileSource{Path: cfg.ModelPath},
		modelcache.NopCache{},
		detections.NewPoolBuilder(1, detections.SessionConfig{OutputSize: int64(cfg.OutputSize)}),
		logger,
	)
	defer loader.Close()
	detector := detections.NewDetector(loader, logger)

	ctx := context.Background()
	out := json.NewEncoder(os.Stdout)

	if *sessionDir != "" {
		return replay(ctx, detector, out)
	}
	for _, path := range flag.Args() {
		report := detectFile(ctx, detector, path)
		emit(out, report)
	}
	return nil
}

func detectFile(ctx context.Context, detector *detections.Detector, path string) frameReport {
	report := frameReport{File: path}

	start := time.Now()
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		report.Error = err.Error()
		return report
	}
	timings := &models.ProcessingTimings{RequestID: filepath.Base(path), ImageDecode: time.Since(start)}

	result, err := detector.DetectImage(ctx, img, timings)
	timings.Total = time.Since(start)
	detector.LogTimings(timings)
	if err != nil {
		report.Error = err.Error()
		return report
	}
	report.IsHandstand = result.IsHandstand
	report.Probability = result.Probability
	return report
}

// replay feeds every image in the directory to a Tracker as if it had been
// sampled at a fixed interval.
func replay(ctx context.Context, detector *detections.Detector, out *json.Encoder) error {
	src, err := tracker.NewFileSequenceSource(*sessionDir)
	if err != nil {
		return err
	}

	tr := tracker.NewTracker(*cooldown)
	start := time.Unix(0, 0)
	for i := 0; ; i++ {
		frame, err := src.Capture(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		at := start.Add(time.Duration(i) * *interval)
		report := frameReport{Frame: i + 1, OffsetMs: at.Sub(start).Milliseconds()}

		positive := false
		if err == nil {
			var result models.DetectionResult
			result, err = detector.Detect(ctx, frame, nil)
			if err == nil {
				positive = result.IsHandstand
				report.IsHandstand = result.IsHandstand
				report.Probability = result.Probability
			}
		}
		if err != nil {
			report.Error = err.Error()
		}

		tr.Observe(at, positive)
		report.Phase = tr.Phase().String()
		emit(out, report)
	}

	total := tr.Finish()
	if *jsonOut {
		return out.Encode(map[string]interface{}{"frames": src.Len(), "total_seconds": total.Seconds()})
	}
	fmt.Printf("frames: %d  handstand time: %.1fs\n", src.Len(), total.Seconds())
	return nil
}

func emit(out *json.Encoder, r frameReport) {
	if *jsonOut {
		out.Encode(r)
		return
	}
	name := r.File
	if name == "" {
		name = fmt.Sprintf("frame %d (+%dms)", r.Frame, r.OffsetMs)
	}
	switch {
	case r.Error != "":
		fmt.Printf("%s: error: %s\n", name, r.Error)
	case r.Phase != "":
		fmt.Printf("%s: handstand=%t probability=%.3f phase=%s\n", name, r.IsHandstand, r.Probability, r.Phase)
	default:
		fmt.Printf("%s: handstand=%t probability=%.3f\n", name, r.IsHandstand, r.Probability)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
