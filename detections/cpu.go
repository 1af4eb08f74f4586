package detections

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// CPUFeatures reports the SIMD extensions available to ONNX Runtime
// kernels on this host.
func CPUFeatures() map[string]bool {
	return map[string]bool{
		"avx512f": cpu.X86.HasAVX512F,
		"avx2":    cpu.X86.HasAVX2,
		"sse41":   cpu.X86.HasSSE41,
		"fma":     cpu.X86.HasFMA,
		"asimd":   cpu.ARM64.HasASIMD,
	}
}

// workerCount bounds the preprocessing fan-out by GOMAXPROCS and the
// number of rows to split.
func workerCount(rows int) int {
	n := runtime.GOMAXPROCS(0)
	if n > rows {
		n = rows
	}
	if n < 1 {
		n = 1
	}
	return n
}

// sessionThreads splits the available cores across pooled sessions.
func sessionThreads(poolSize int) int {
	if poolSize < 1 {
		poolSize = 1
	}
	n := runtime.NumCPU() / poolSize
	if n < 1 {
		n = 1
	}
	return n
}
