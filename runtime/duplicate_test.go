package runtime

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/api"
	"golang.org/x/sync/errgroup"

	"github.com/wippyai/wasm-vm/errors"
	"github.com/wippyai/wasm-vm/internal/wasmtest"
	"github.com/wippyai/wasm-vm/mmap"
	"github.com/wippyai/wasm-vm/trap"
)

func duplicate(t *testing.T, inst *Instance, imports Resolver) *Instance {
	t.Helper()
	sib, err := inst.Duplicate(context.Background(), imports)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sib.Close(context.Background()) })
	return sib
}

func store(t *testing.T, inst *Instance, addr, v uint64) {
	t.Helper()
	_, err := inst.Call(context.Background(), "store", addr, v)
	require.NoError(t, err)
}

func TestDuplicate_IndependentImports(t *testing.T) {
	rt := newTestRuntime(t)
	m := compile(t, rt, "fwd", wasmtest.Forwarder())

	first := create(t, m, constImports(42))
	second := duplicate(t, first, constImports(1337))

	assert.Equal(t, uint32(42), callI32(t, first, "run"))
	assert.Equal(t, uint32(1337), callI32(t, second, "run"))
	assert.Equal(t, uint32(42), callI32(t, first, "run"))
	assert.NotEqual(t, first.Name(), second.Name())
	assert.Same(t, first.Module(), second.Module())
}

func TestDuplicate_PassiveInit(t *testing.T) {
	rt := newTestRuntime(t)
	m := compile(t, rt, "passive", wasmtest.PassiveInit())

	var (
		mu   sync.Mutex
		logs []string
	)
	imports := func(ret uint64) Imports {
		return Imports{}.
			Define("", "log", NewHostFunction(func(ctx context.Context, env *Env, stack []uint64) {
				b, err := env.Memory().Read(uint32(stack[0]), uint32(stack[1]))
				if err != nil {
					trap.RaiseUserTrap(ctx, err)
				}
				mu.Lock()
				logs = append(logs, string(b))
				mu.Unlock()
			}, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, nil)).
			Define("", "host_function", NewHostFunction(func(_ context.Context, _ *Env, stack []uint64) {
				stack[0] = ret
			}, nil, i32))
	}

	inst := create(t, m, imports(0))
	assert.Equal(t, uint32(0), callI32(t, inst, "my_func"))

	dup := duplicate(t, inst, imports(42))
	assert.Equal(t, uint32(42), callI32(t, dup, "my_func"))
	assert.Equal(t, uint32(0), callI32(t, inst, "my_func"))

	assert.Equal(t, []string{"Hi", "Goodbye", "Hi"}, logs)
}

func TestDuplicate_MemoryIsolation(t *testing.T) {
	for _, zygote := range []bool{true, false} {
		t.Run(fmt.Sprintf("zygote=%v", zygote), func(t *testing.T) {
			tun := testTunables()
			tun.Zygote = zygote
			rt := newTestRuntime(t, WithTunables(tun))
			m := compile(t, rt, "fwd", wasmtest.Forwarder())

			src := create(t, m, constImports(0))
			store(t, src, 100, 7)

			dup := duplicate(t, src, constImports(0))
			assert.Equal(t, uint32(7), callI32(t, dup, "load", 100))

			store(t, dup, 100, 9)
			store(t, src, 200, 5)
			assert.Equal(t, uint32(7), callI32(t, src, "load", 100))
			assert.Equal(t, uint32(9), callI32(t, dup, "load", 100))
			assert.Equal(t, uint32(0), callI32(t, dup, "load", 200))

			// A later sibling sees the source as it is now.
			store(t, src, 100, 11)
			later := duplicate(t, src, constImports(0))
			assert.Equal(t, uint32(11), callI32(t, later, "load", 100))
			assert.Equal(t, uint32(5), callI32(t, later, "load", 200))
			assert.Equal(t, uint32(9), callI32(t, dup, "load", 100))

			// Siblings are duplicable themselves.
			grandchild := duplicate(t, dup, constImports(0))
			assert.Equal(t, uint32(9), callI32(t, grandchild, "load", 100))
			store(t, grandchild, 100, 13)
			assert.Equal(t, uint32(9), callI32(t, dup, "load", 100))
		})
	}
}

func TestDuplicate_ZygoteSealsSource(t *testing.T) {
	if !mmap.SupportsDuplication() {
		t.Skip("no shareable memory on this platform")
	}
	rt := newTestRuntime(t)
	src := create(t, compile(t, rt, "fwd", wasmtest.Forwarder()), constImports(0))

	rm, ok := src.linear.(*regionMemory)
	require.True(t, ok)
	assert.True(t, rm.region.IsZygote())
	assert.False(t, rm.region.IsSealed())

	dup := duplicate(t, src, constImports(0))
	assert.True(t, rm.region.IsSealed())

	drm, ok := dup.linear.(*regionMemory)
	require.True(t, ok)
	assert.False(t, drm.region.IsZygote())
}

func TestDuplicate_MemoryViewWritesReshare(t *testing.T) {
	rt := newTestRuntime(t)
	src := create(t, compile(t, rt, "fwd", wasmtest.Forwarder()), constImports(0))
	_ = duplicate(t, src, constImports(0))

	mem, err := src.Memory("memory")
	require.NoError(t, err)
	require.NoError(t, mem.WriteU32(300, 77))

	dup := duplicate(t, src, constImports(0))
	assert.Equal(t, uint32(77), callI32(t, dup, "load", 300))
}

func TestDuplicate_HeldBytesViewReshares(t *testing.T) {
	rt := newTestRuntime(t)
	src := create(t, compile(t, rt, "fwd", wasmtest.Forwarder()), constImports(0))

	mem, err := src.Memory("memory")
	require.NoError(t, err)
	raw := mem.Bytes()
	early := duplicate(t, src, constImports(0))

	binary.LittleEndian.PutUint32(raw[300:], 77)
	late := duplicate(t, src, constImports(0))

	assert.Equal(t, uint32(77), callI32(t, late, "load", 300))
	assert.Equal(t, uint32(0), callI32(t, early, "load", 300))
}

func TestDuplicate_KeepsGrownMemory(t *testing.T) {
	rt := newTestRuntime(t)
	src := create(t, compile(t, rt, "fwd", wasmtest.Forwarder()), constImports(0))

	mem, err := src.Memory("memory")
	require.NoError(t, err)
	_, ok := mem.Grow(2)
	require.True(t, ok)
	store(t, src, 3*65536-4, 21)

	dup := duplicate(t, src, constImports(0))
	dmem, err := dup.Memory("memory")
	require.NoError(t, err)
	assert.Equal(t, uint32(3), dmem.Pages())
	assert.Equal(t, uint32(21), callI32(t, dup, "load", 3*65536-4))
}

func TestDuplicate_ReappliesDataSegments(t *testing.T) {
	rt := newTestRuntime(t)
	src := create(t, compile(t, rt, "data", wasmtest.ActiveData()), nil)

	zygo := binary.LittleEndian.Uint32([]byte("zygo"))
	assert.Equal(t, zygo, callI32(t, src, "load", 0))

	store(t, src, 0, 0x41414141)
	store(t, src, 100, 5)

	dup := duplicate(t, src, nil)
	assert.Equal(t, zygo, callI32(t, dup, "load", 0))
	assert.Equal(t, uint32(5), callI32(t, dup, "load", 100))
	assert.Equal(t, uint32(0x41414141), callI32(t, src, "load", 0))
}

func TestDuplicate_RerunsStart(t *testing.T) {
	rt := newTestRuntime(t)
	src := create(t, compile(t, rt, "start", wasmtest.StartCounter()), nil)

	starts, err := src.Exports().Global("starts")
	require.NoError(t, err)
	require.NoError(t, starts.Set(10))

	dup := duplicate(t, src, nil)
	dstarts, err := dup.Exports().Global("starts")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), dstarts.Get())
	assert.Equal(t, uint64(10), starts.Get())
	assert.Equal(t, uint32(1), callI32(t, dup, "load", 0))
}

func TestDuplicate_LinkError(t *testing.T) {
	rt := newTestRuntime(t)
	src := create(t, compile(t, rt, "fwd", wasmtest.Forwarder()), constImports(1))
	before := LiveInstances()

	_, err := src.Duplicate(context.Background(), Imports{})
	require.ErrorIs(t, err, errors.ErrLink)

	var e *errors.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errors.PhaseDuplicate, e.Phase)
	assert.Equal(t, before, LiveInstances())
	assert.Equal(t, uint32(1), callI32(t, src, "run"))
}

func TestDuplicate_RejectedFromOwnCall(t *testing.T) {
	rt := newTestRuntime(t)
	m := compile(t, rt, "fwd", wasmtest.Forwarder())

	var dupErr error
	inst := create(t, m, Imports{}.Define("env", "get", NewHostFunction(func(ctx context.Context, env *Env, stack []uint64) {
		_, dupErr = env.Instance().Duplicate(ctx, constImports(0))
		stack[0] = 1
	}, nil, i32)))

	assert.Equal(t, uint32(1), callI32(t, inst, "run"))
	assert.ErrorIs(t, dupErr, errors.ErrDuplicate)
}

func TestDuplicate_Closed(t *testing.T) {
	rt := newTestRuntime(t)
	inst, err := Create(context.Background(), compile(t, rt, "fwd", wasmtest.Forwarder()), constImports(1))
	require.NoError(t, err)
	require.NoError(t, inst.Close(context.Background()))

	_, err = inst.Duplicate(context.Background(), constImports(2))
	assert.ErrorIs(t, err, errors.ErrClosed)
}

func TestDuplicate_Concurrent(t *testing.T) {
	rt := newTestRuntime(t)
	src := create(t, compile(t, rt, "fwd", wasmtest.Forwarder()), constImports(0))
	store(t, src, 64, 99)

	const n = 8
	siblings := make([]*Instance, n)
	var g errgroup.Group
	for i := range n {
		g.Go(func() error {
			sib, err := src.Duplicate(context.Background(), constImports(uint64(i)))
			if err != nil {
				return err
			}
			siblings[i] = sib
			if _, err := sib.Call(context.Background(), "store", 128, uint64(i)); err != nil {
				return err
			}
			_, err = src.Call(context.Background(), "ok")
			return err
		})
	}
	require.NoError(t, g.Wait())

	for i, sib := range siblings {
		assert.Equal(t, uint32(i), callI32(t, sib, "run"))
		assert.Equal(t, uint32(99), callI32(t, sib, "load", 64))
		assert.Equal(t, uint32(i), callI32(t, sib, "load", 128))
		require.NoError(t, sib.Close(context.Background()))
	}
	assert.Equal(t, uint32(0), callI32(t, src, "load", 128))
}

func TestEnv_StatePerInstance(t *testing.T) {
	rt := newTestRuntime(t)
	m := compile(t, rt, "fwd", wasmtest.Forwarder())

	type counter struct{ n uint64 }
	imports := Imports{}.Define("env", "get", NewHostFunction(func(_ context.Context, env *Env, stack []uint64) {
		c := env.State().(*counter)
		c.n++
		stack[0] = c.n
	}, nil, i32, WithState(func() any { return &counter{} })))

	src := create(t, m, imports)
	assert.Equal(t, uint32(1), callI32(t, src, "run"))
	assert.Equal(t, uint32(2), callI32(t, src, "run"))

	dup := duplicate(t, src, imports)
	assert.Equal(t, uint32(1), callI32(t, dup, "run"))
	assert.Equal(t, uint32(3), callI32(t, src, "run"))
}
