package mmap

import (
	"golang.org/x/sys/unix"

	"github.com/wippyai/wasm-vm/errors"
)

const supportsDuplication = true

func createBackingFD(size int) (int, error) {
	fd, err := unix.MemfdCreate("wasm-vm-zygote", unix.MFD_CLOEXEC)
	if err != nil {
		return -1, errors.Mapping("memfd_create", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Close(fd)
		return -1, errors.Mapping("size backing descriptor", err)
	}
	return fd, nil
}
