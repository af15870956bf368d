package mmap

import "unsafe"

func unsafePointer(r *Region) unsafe.Pointer { return r.ptr }
