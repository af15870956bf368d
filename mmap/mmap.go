package mmap

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/wippyai/wasm-vm/errors"
)

// PageSize returns the host page size.
func PageSize() int {
	return os.Getpagesize()
}

// RoundUpToPageSize rounds size up to the next multiple of pageSize, which
// must be a power of two.
func RoundUpToPageSize(size, pageSize int) int {
	return (size + (pageSize - 1)) &^ (pageSize - 1)
}

// SupportsDuplication reports whether regions reserved as shareable on this
// platform can be duplicated copy-on-write.
func SupportsDuplication() bool {
	return supportsDuplication
}

// Backing is a shareable descriptor regions can be mapped over. It is
// reference counted: each region mapped over it holds a reference, and the
// descriptor is closed once the last one is released.
type Backing struct {
	fd   int
	size int
	refs atomic.Int32
}

// NewBacking creates a shareable descriptor of size bytes. The caller owns
// one reference and must Close it.
func NewBacking(size int) (*Backing, error) {
	fd, err := createBackingFD(size)
	if err != nil {
		return nil, err
	}
	b := &Backing{fd: fd, size: size}
	b.refs.Store(1)
	return b, nil
}

// Size returns the descriptor size in bytes.
func (b *Backing) Size() int {
	return b.size
}

// Close drops the caller's reference.
func (b *Backing) Close() error {
	return b.release()
}

func (b *Backing) retain() *Backing {
	b.refs.Add(1)
	return b
}

func (b *Backing) release() error {
	if n := b.refs.Add(-1); n > 0 {
		return nil
	} else if n < 0 {
		panic("mmap: backing released more often than retained")
	}
	if err := closeFD(b.fd); err != nil {
		return errors.Mapping("close backing descriptor", err)
	}
	return nil
}

// Region is a reserved range of virtual memory with a committed,
// read-write prefix. The base address is stable for the region's lifetime.
//
// Bytes and Committed hand out raw views; bounds are the caller's concern.
// The remaining methods are safe for concurrent use.
type Region struct {
	mu        sync.Mutex
	ptr       unsafe.Pointer
	committed int
	reserved  int
	backing   *Backing

	// zygote regions may be duplicated. sealed zygotes have a private view
	// and their siblings observe the contents at the time of sealing.
	zygote bool
	sealed bool
	closed bool
}

// Reserve reserves mapping bytes of address space and commits the first
// accessible bytes read-write. Both sizes must be page aligned and
// accessible must not exceed mapping.
//
// When shareable is set and the platform supports it, the region is backed
// by a fresh shareable descriptor and can later be duplicated. Otherwise the
// region is anonymous and Duplicate fails.
func Reserve(accessible, mapping int, shareable bool) (*Region, error) {
	checkSizes(accessible, mapping)
	if mapping == 0 {
		return &Region{}, nil
	}

	if !shareable || !supportsDuplication {
		ptr, err := mapAnon(mapping)
		if err != nil {
			return nil, errors.Mapping("reserve anonymous mapping", err)
		}
		r := &Region{ptr: ptr, reserved: mapping}
		if err := r.commit(0, accessible); err != nil {
			_ = unmap(ptr, mapping)
			return nil, err
		}
		return r, nil
	}

	b, err := NewBacking(mapping)
	if err != nil {
		return nil, err
	}
	defer b.Close()
	return ReserveWithBacking(accessible, mapping, b)
}

// ReserveWithBacking reserves a zygote region over an existing descriptor.
// The region takes its own reference; the caller keeps theirs.
func ReserveWithBacking(accessible, mapping int, b *Backing) (*Region, error) {
	checkSizes(accessible, mapping)
	if mapping > b.size {
		panic(fmt.Sprintf("mmap: mapping size %d exceeds backing size %d", mapping, b.size))
	}
	if mapping == 0 {
		return &Region{}, nil
	}

	ptr, err := mapFile(b.fd, nil, mapping, true)
	if err != nil {
		return nil, errors.Mapping("reserve shared mapping", err)
	}
	r := &Region{ptr: ptr, reserved: mapping, backing: b.retain(), zygote: true}
	if err := r.commit(0, accessible); err != nil {
		_ = unmap(ptr, mapping)
		_ = b.release()
		return nil, err
	}
	return r, nil
}

func checkSizes(accessible, mapping int) {
	page := PageSize()
	if accessible < 0 || mapping < 0 {
		panic(fmt.Sprintf("mmap: negative size (accessible %d, mapping %d)", accessible, mapping))
	}
	if accessible%page != 0 || mapping%page != 0 {
		panic(fmt.Sprintf("mmap: sizes must be multiples of the page size %d (accessible %d, mapping %d)", page, accessible, mapping))
	}
	if accessible > mapping {
		panic(fmt.Sprintf("mmap: accessible size %d exceeds mapping size %d", accessible, mapping))
	}
}

// MakeAccessible commits [offset, offset+length) read-write. The range must
// be page aligned and lie within the reservation. Memory never shrinks.
func (r *Region) MakeAccessible(offset, length int) error {
	page := PageSize()
	if offset%page != 0 || length%page != 0 {
		panic(fmt.Sprintf("mmap: unaligned range [%d, +%d)", offset, length))
	}
	if offset < 0 || length < 0 || offset+length > r.reserved {
		panic(fmt.Sprintf("mmap: range [%d, +%d) outside reservation of %d bytes", offset, length, r.reserved))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.Closed(errors.PhaseMemory, "region")
	}
	return r.commit(offset, length)
}

func (r *Region) commit(offset, length int) error {
	if length == 0 {
		return nil
	}
	if err := protectRW(r.ptr, offset, length); err != nil {
		return errors.Mapping("commit pages", err)
	}
	if end := offset + length; end > r.committed {
		r.committed = end
	}
	return nil
}

// Duplicate returns a private copy-on-write view of a zygote region. Pages
// stay shared until either side writes them, so the cost does not depend on
// the region's size. The result is not itself duplicable until Share is
// called on it.
//
// The first duplication seals the zygote: its own view becomes private as
// well, so later writes to it stay invisible to every duplicate.
func (r *Region) Duplicate() (*Region, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.Closed(errors.PhaseMemory, "region")
	}
	if !r.zygote || r.backing == nil {
		return nil, errors.NotDuplicable()
	}

	if !r.sealed {
		if err := r.remap(r.backing, false); err != nil {
			return nil, err
		}
		r.sealed = true
		debugf("sealed zygote region %p (%d bytes committed)", r.ptr, r.committed)
	}

	ptr, err := mapFile(r.backing.fd, nil, r.reserved, false)
	if err != nil {
		return nil, errors.Mapping("map duplicate", err)
	}
	dup := &Region{ptr: ptr, reserved: r.reserved, backing: r.backing.retain()}
	if err := dup.commit(0, r.committed); err != nil {
		_ = unmap(ptr, r.reserved)
		_ = dup.backing.release()
		return nil, err
	}
	return dup, nil
}

// Share copies the committed contents into a fresh shareable descriptor and
// remaps the region over it in place, making it an unsealed zygote again.
// It is the explicit way to make a duplicate duplicable, and the way to
// refresh a sealed zygote whose contents moved on since sealing.
func (r *Region) Share() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.Closed(errors.PhaseMemory, "region")
	}
	if r.reserved == 0 {
		return nil
	}
	if !supportsDuplication {
		return errors.Unsupported(errors.PhaseMemory, "shareable backing descriptors")
	}

	b, err := NewBacking(r.reserved)
	if err != nil {
		return err
	}
	if err := writeAt(b.fd, unsafe.Slice((*byte)(r.ptr), r.committed), 0); err != nil {
		_ = b.release()
		return errors.Mapping("copy region into backing", err)
	}
	if err := r.remap(b, true); err != nil {
		_ = b.release()
		return err
	}

	old := r.backing
	r.backing = b
	r.zygote = true
	r.sealed = false
	debugf("re-shared region %p (%d bytes committed)", r.ptr, r.committed)
	if old != nil {
		return old.release()
	}
	return nil
}

// remap replaces the view at the region's base address with a mapping of b,
// keeping the committed prefix accessible.
func (r *Region) remap(b *Backing, shared bool) error {
	ptr, err := mapFile(b.fd, r.ptr, r.reserved, shared)
	if err != nil {
		return errors.Mapping("remap region", err)
	}
	if ptr != r.ptr {
		panic("mmap: fixed remap moved the region")
	}
	if r.committed > 0 {
		if err := protectRW(r.ptr, 0, r.committed); err != nil {
			return errors.Mapping("commit pages", err)
		}
	}
	return nil
}

// IsZygote reports whether the region can be duplicated.
func (r *Region) IsZygote() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.zygote && r.backing != nil
}

// IsSealed reports whether the zygote already handed out duplicates and
// switched its own view to private.
func (r *Region) IsSealed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sealed
}

// Len returns the reserved length in bytes.
func (r *Region) Len() int {
	return r.reserved
}

// CommittedLen returns the accessible length in bytes.
func (r *Region) CommittedLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.committed
}

// Bytes returns the whole reservation. Touching bytes past the committed
// prefix faults.
func (r *Region) Bytes() []byte {
	if r.ptr == nil {
		return nil
	}
	return unsafe.Slice((*byte)(r.ptr), r.reserved)
}

// Committed returns the accessible prefix.
func (r *Region) Committed() []byte {
	if r.ptr == nil {
		return nil
	}
	r.mu.Lock()
	n := r.committed
	r.mu.Unlock()
	return unsafe.Slice((*byte)(r.ptr), n)
}

// Contains reports whether addr lies inside the reservation.
func (r *Region) Contains(addr uintptr) bool {
	base := uintptr(r.ptr)
	return r.ptr != nil && addr >= base && addr < base+uintptr(r.reserved)
}

// Close unmaps the region and releases its reference on the backing
// descriptor. It is safe to call more than once.
func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.ptr == nil {
		return nil
	}

	var err error
	if uerr := unmap(r.ptr, r.reserved); uerr != nil {
		err = errors.Mapping("unmap region", uerr)
	}
	r.ptr = nil
	if r.backing != nil {
		if berr := r.backing.release(); berr != nil && err == nil {
			err = berr
		}
		r.backing = nil
	}
	return err
}
