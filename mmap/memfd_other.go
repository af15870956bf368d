//go:build unix && !linux

package mmap

import "github.com/wippyai/wasm-vm/errors"

const supportsDuplication = false

func createBackingFD(int) (int, error) {
	return -1, errors.Unsupported(errors.PhaseMemory, "shareable backing descriptors")
}
