package runtime

import (
	"encoding/binary"
	goerrors "errors"
	"math"
	"reflect"
	"slices"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"go.uber.org/zap"

	wasmvm "github.com/wippyai/wasm-vm"
	"github.com/wippyai/wasm-vm/errors"
	"github.com/wippyai/wasm-vm/metrics"
	"github.com/wippyai/wasm-vm/mmap"
)

var (
	_ wasmvm.Memory      = (*Memory)(nil)
	_ wasmvm.MemorySizer = (*Memory)(nil)
)

// Memory is a bounds-checked view of an instance's linear memory. Writes
// through it mark the instance as changed since its last snapshot.
type Memory struct {
	mem  api.Memory
	inst *Instance
}

func (m *Memory) ExternKind() ExternKind {
	return ExternMemory
}

// Size returns the memory size in bytes.
func (m *Memory) Size() uint32 {
	return m.mem.Size()
}

// Pages returns the memory size in wasm pages.
func (m *Memory) Pages() uint32 {
	return uint32(uint64(m.mem.Size()) / wasmPageSize)
}

// Grow adds delta pages and returns the previous page count.
func (m *Memory) Grow(delta uint32) (uint32, bool) {
	m.inst.diverged.Store(true)
	return m.mem.Grow(delta)
}

// Bytes returns the memory contents without copying. The view is
// invalidated by Grow. Once a view was handed out, the instance can be
// written behind its back at any time, so every later duplicate re-shares
// the memory first.
func (m *Memory) Bytes() []byte {
	m.inst.exposed.Store(true)
	buf, _ := m.mem.Read(0, m.mem.Size())
	return buf
}

// Read returns a copy of length bytes at offset.
func (m *Memory) Read(offset, length uint32) ([]byte, error) {
	buf, ok := m.mem.Read(offset, length)
	if !ok {
		return nil, outOfBounds("read", offset, uint64(length))
	}
	return slices.Clone(buf), nil
}

func (m *Memory) Write(offset uint32, data []byte) error {
	m.inst.diverged.Store(true)
	if !m.mem.Write(offset, data) {
		return outOfBounds("write", offset, uint64(len(data)))
	}
	return nil
}

func (m *Memory) ReadU8(offset uint32) (uint8, error) {
	v, ok := m.mem.ReadByte(offset)
	if !ok {
		return 0, outOfBounds("read", offset, 1)
	}
	return v, nil
}

func (m *Memory) ReadU16(offset uint32) (uint16, error) {
	v, ok := m.mem.ReadUint16Le(offset)
	if !ok {
		return 0, outOfBounds("read", offset, 2)
	}
	return v, nil
}

func (m *Memory) ReadU32(offset uint32) (uint32, error) {
	v, ok := m.mem.ReadUint32Le(offset)
	if !ok {
		return 0, outOfBounds("read", offset, 4)
	}
	return v, nil
}

func (m *Memory) ReadU64(offset uint32) (uint64, error) {
	v, ok := m.mem.ReadUint64Le(offset)
	if !ok {
		return 0, outOfBounds("read", offset, 8)
	}
	return v, nil
}

func (m *Memory) WriteU8(offset uint32, value uint8) error {
	m.inst.diverged.Store(true)
	if !m.mem.WriteByte(offset, value) {
		return outOfBounds("write", offset, 1)
	}
	return nil
}

func (m *Memory) WriteU16(offset uint32, value uint16) error {
	m.inst.diverged.Store(true)
	if !m.mem.WriteUint16Le(offset, value) {
		return outOfBounds("write", offset, 2)
	}
	return nil
}

func (m *Memory) WriteU32(offset uint32, value uint32) error {
	m.inst.diverged.Store(true)
	if !m.mem.WriteUint32Le(offset, value) {
		return outOfBounds("write", offset, 4)
	}
	return nil
}

func (m *Memory) WriteU64(offset uint32, value uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	return m.Write(offset, buf[:])
}

func outOfBounds(op string, offset uint32, length uint64) error {
	return errors.New(errors.PhaseRuntime, errors.KindInvalidInput).
		Detail("%s out of bounds: offset=%d, length=%d", op, offset, length).
		Build()
}

const wasmPageSize = 65536

// isValidMemory checks if a memory interface is non-nil and not a typed nil.
func isValidMemory(mem api.Memory) bool {
	if mem == nil {
		return false
	}
	return !reflect.ValueOf(mem).IsNil()
}

// regionMemory is a wazero linear memory living in an mmap region. The
// region is reserved up front; growing commits more of it.
type regionMemory struct {
	region *mmap.Region
	limit  uint64

	// floor is the size the first Reallocate returns at least, so a
	// sibling starts with its source's memory size.
	floor int
}

func (m *regionMemory) Reallocate(size uint64) []byte {
	if size > m.limit || size > uint64(m.region.Len()) {
		return nil
	}
	n := max(int(size), m.floor)
	m.floor = 0

	committed := m.region.CommittedLen()
	if need := mmap.RoundUpToPageSize(n, mmap.PageSize()); need > committed {
		if err := m.region.MakeAccessible(committed, need-committed); err != nil {
			Logger().Warn("commit linear memory", zap.Int("size", n), zap.Error(err))
			return nil
		}
	}
	return m.region.Bytes()[:n]
}

func (m *regionMemory) Free() {
	if err := m.region.Close(); err != nil {
		Logger().Warn("free linear memory", zap.Error(err))
	}
}

// heapMemory backs linear memory with the Go heap where regions cannot be
// reserved.
type heapMemory struct {
	buf   []byte
	limit uint64
	floor int
}

func (m *heapMemory) Reallocate(size uint64) []byte {
	if size > m.limit {
		return nil
	}
	n := max(int(size), m.floor)
	m.floor = 0
	if n > len(m.buf) {
		m.buf = slices.Grow(m.buf, n-len(m.buf))
	}
	m.buf = m.buf[:n]
	return m.buf
}

func (m *heapMemory) Free() {
	m.buf = nil
}

// memorySnapshot is the memory a sibling is instantiated over: either a
// copy-on-write region or a plain copy of the source bytes.
type memorySnapshot struct {
	region *mmap.Region
	bytes  []byte
	size   int
	mode   string
	taken  bool
}

// release closes a region the sibling never took over.
func (s *memorySnapshot) release() {
	if s == nil || s.taken || s.region == nil {
		return
	}
	if err := s.region.Close(); err != nil {
		Logger().Warn("release memory snapshot", zap.Error(err))
	}
}

// memoryAllocator builds the allocator an instance's memory is created by.
func (inst *Instance) memoryAllocator(snap *memorySnapshot) experimental.MemoryAllocator {
	return experimental.MemoryAllocatorFunc(func(capacity, maxBytes uint64) experimental.LinearMemory {
		lm := inst.allocate(capacity, maxBytes, snap)
		inst.linear = lm
		return lm
	})
}

func (inst *Instance) allocate(capacity, maxBytes uint64, snap *memorySnapshot) experimental.LinearMemory {
	var floor int
	if mt := inst.memType; mt != nil {
		floor = int(mt.Min) * wasmPageSize
		if mt.Max != nil {
			maxBytes = min(maxBytes, uint64(*mt.Max)*wasmPageSize)
		}
	}

	if snap != nil && snap.region != nil {
		snap.taken = true
		inst.regions = append(inst.regions, snap.region)
		return &regionMemory{region: snap.region, limit: maxBytes, floor: max(floor, snap.size)}
	}

	var contents []byte
	if snap != nil {
		floor, contents = max(floor, snap.size), snap.bytes
	}

	reserve := min(maxBytes, inst.module.staticBound)
	reserve = min(max(reserve, capacity, uint64(floor)), math.MaxInt)
	mapping := mmap.RoundUpToPageSize(int(reserve), mmap.PageSize())

	region, err := mmap.Reserve(0, mapping, inst.module.zygote)
	if err != nil {
		if !goerrors.Is(err, errors.ErrUnsupported) {
			inst.allocErr = err
		} else {
			debugf("instance %s: linear memory on the heap: %v", inst.name, err)
		}
		return &heapMemory{buf: slices.Clone(contents), limit: maxBytes, floor: floor}
	}
	inst.regions = append(inst.regions, region)

	if len(contents) > 0 {
		n := mmap.RoundUpToPageSize(len(contents), mmap.PageSize())
		if err := region.MakeAccessible(0, n); err != nil {
			inst.allocErr = err
		} else {
			copy(region.Bytes(), contents)
		}
	}
	return &regionMemory{region: region, limit: maxBytes, floor: floor}
}

// snapshotMemory captures the instance's memory for a sibling. The caller
// holds the exclusive lock.
func (inst *Instance) snapshotMemory() (*memorySnapshot, error) {
	mem := inst.mod.Memory()
	if !isValidMemory(mem) {
		return nil, nil
	}
	size := int(mem.Size())

	if rm, ok := inst.linear.(*regionMemory); ok && inst.module.zygote && mmap.SupportsDuplication() {
		r := rm.region
		stale := inst.diverged.Load() || inst.exposed.Load()
		if !r.IsZygote() || (r.IsSealed() && stale) {
			if err := r.Share(); err != nil {
				return nil, err
			}
		}
		dup, err := r.Duplicate()
		if err != nil {
			return nil, err
		}
		inst.diverged.Store(false)
		return &memorySnapshot{region: dup, size: size, mode: metrics.ModeCOW}, nil
	}

	buf, _ := mem.Read(0, uint32(size))
	return &memorySnapshot{bytes: slices.Clone(buf), size: size, mode: metrics.ModeCopy}, nil
}
