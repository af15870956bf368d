//go:build unix

package mmap

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

func mapAnon(length int) (unsafe.Pointer, error) {
	return unix.MmapPtr(-1, 0, nil, uintptr(length), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
}

// mapFile maps fd with no access rights. A non-nil addr replaces the
// existing mapping there.
func mapFile(fd int, addr unsafe.Pointer, length int, shared bool) (unsafe.Pointer, error) {
	flags := unix.MAP_PRIVATE
	if shared {
		flags = unix.MAP_SHARED
	}
	if addr != nil {
		flags |= unix.MAP_FIXED
	}
	return unix.MmapPtr(fd, 0, addr, uintptr(length), unix.PROT_NONE, flags)
}

func protectRW(base unsafe.Pointer, offset, length int) error {
	b := unsafe.Slice((*byte)(unsafe.Add(base, offset)), length)
	return unix.Mprotect(b, unix.PROT_READ|unix.PROT_WRITE)
}

func unmap(ptr unsafe.Pointer, length int) error {
	return unix.MunmapPtr(ptr, uintptr(length))
}

func closeFD(fd int) error {
	return unix.Close(fd)
}

func writeAt(fd int, p []byte, off int64) error {
	for len(p) > 0 {
		n, err := unix.Pwrite(fd, p, off)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		p = p[n:]
		off += int64(n)
	}
	return nil
}
