// Package mmap manages the virtual-memory regions that back WebAssembly
// linear memory.
//
// A Region reserves its full mapping up front as inaccessible address space
// and commits pages read-write on demand, so the base address never moves
// while memory grows. Regions reserved with a shareable backing descriptor
// are zygotes: Duplicate maps the same descriptor copy-on-write, making the
// cost of a duplicate independent of the region's size.
//
// On Linux the backing descriptor is a memfd. Other unix systems support
// reservation but report duplication as unsupported; callers fall back to
// copying the committed bytes.
package mmap
