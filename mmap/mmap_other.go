//go:build !unix

package mmap

import (
	"unsafe"

	"github.com/wippyai/wasm-vm/errors"
)

const supportsDuplication = false

var errNoMmap = errors.Unsupported(errors.PhaseMemory, "virtual memory reservation")

func createBackingFD(int) (int, error) { return -1, errNoMmap }

func mapAnon(int) (unsafe.Pointer, error) { return nil, errNoMmap }

func mapFile(int, unsafe.Pointer, int, bool) (unsafe.Pointer, error) { return nil, errNoMmap }

func protectRW(unsafe.Pointer, int, int) error { return errNoMmap }

func unmap(unsafe.Pointer, int) error { return errNoMmap }

func closeFD(int) error { return nil }

func writeAt(int, []byte, int64) error { return errNoMmap }
