package detections

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	ort "github.com/yalue/onnxruntime_go"
)

// RuntimeLibraryName is the ONNX Runtime shared library file name for the
// current OS.
func RuntimeLibraryName() string {
	switch runtime.GOOS {
	case "darwin":
		return "libonnxruntime.dylib"
	case "windows":
		return "onnxruntime.dll"
	default:
		return "libonnxruntime.so"
	}
}

// RuntimeLibraryPath resolves the shared library location. An explicit
// path wins; otherwise the OS-specific library name is looked up in dir.
func RuntimeLibraryPath(dir, explicit string) (string, error) {
	path := explicit
	if path == "" {
		if dir == "" {
			return "", fmt.Errorf("no onnxruntime library configured")
		}
		path = filepath.Join(dir, RuntimeLibraryName())
	}

	path = filepath.Clean(path)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("onnxruntime library not found: %w", err)
	}
	return path, nil
}

// InitRuntime loads the shared library and initializes the ONNX Runtime
// environment. Call DestroyRuntime on shutdown.
func InitRuntime(libPath string) error {
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnxruntime environment: %w", err)
	}
	return nil
}

func DestroyRuntime() error {
	return ort.DestroyEnvironment()
}
