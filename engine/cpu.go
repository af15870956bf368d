package engine

import (
	goruntime "runtime"

	"golang.org/x/sys/cpu"

	"github.com/wippyai/wasm-vm/errors"
)

// CheckCPUFeatures verifies the host can run code produced by kind. The
// amd64 compiler emits SSE4.1 instructions; the interpreter runs anywhere.
func CheckCPUFeatures(kind Kind) error {
	if kind != KindCompiler {
		return nil
	}
	switch goruntime.GOARCH {
	case "amd64":
		if !cpu.X86.HasSSE41 {
			return errors.CPUFeature("sse4.1")
		}
	case "arm64":
	default:
		return errors.CPUFeature("compiler for " + goruntime.GOARCH)
	}
	return nil
}
