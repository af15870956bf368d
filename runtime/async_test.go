package runtime

import (
	"context"
	goerrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/wasm-vm/async"
	"github.com/wippyai/wasm-vm/internal/wasmtest"
	"github.com/wippyai/wasm-vm/trap"
)

// yieldingImports binds env.my_async_fn to a function that suspends for a
// value and returns a times that value.
func yieldingImports() Imports {
	return Imports{}.Define("env", "my_async_fn", NewHostFunction(func(ctx context.Context, env *Env, stack []uint64) {
		y, ok := env.Yielder(ctx)
		if !ok {
			trap.RaiseUserTrap(ctx, goerrors.New("no yielder"))
		}
		v, err := y.Await(func(context.Context) (uint64, error) { return 52, nil })
		if err != nil {
			trap.RaiseUserTrap(ctx, err)
		}
		stack[0] = uint64(uint32(stack[0]) * uint32(v))
	}, i32, i32))
}

// passThroughImports binds env.my_async_fn to a function that suspends and
// returns whatever it is resumed with.
func passThroughImports() Imports {
	return Imports{}.Define("env", "my_async_fn", NewHostFunction(func(ctx context.Context, env *Env, stack []uint64) {
		y, ok := env.Yielder(ctx)
		if !ok {
			trap.RaiseUserTrap(ctx, goerrors.New("no yielder"))
		}
		v, err := y.Suspend(async.PendingFunc(func(context.Context) (uint64, error) { return 0, nil }))
		if err != nil {
			trap.RaiseUserTrap(ctx, err)
		}
		stack[0] = v
	}, i32, i32))
}

func readU32(t *testing.T, inst *Instance, offset uint32) uint32 {
	t.Helper()
	mem, err := inst.Memory("memory")
	require.NoError(t, err)
	v, err := mem.ReadU32(offset)
	require.NoError(t, err)
	return v
}

func TestCallWithStack(t *testing.T) {
	rt := newTestRuntime(t)
	inst := create(t, compile(t, rt, "async", wasmtest.AsyncCaller()), yieldingImports())
	ctx := context.Background()

	stack, err := rt.Stacks().Acquire(ctx)
	require.NoError(t, err)

	res, stack, err := inst.CallWithStack(ctx, "call_func", stack)
	require.NoError(t, err)
	assert.Equal(t, []uint64{156}, res)

	res, stack, err = inst.CallWithStack(ctx, "twice", stack, 3)
	require.NoError(t, err)
	assert.Equal(t, []uint64{312}, res)

	rt.Stacks().Release(stack)
	assert.Equal(t, 1, rt.Stacks().Idle())
}

func TestCallWithStack_ReturnsStackOnTrap(t *testing.T) {
	rt := newTestRuntime(t)
	inst := create(t, compile(t, rt, "trapping", wasmtest.Trapping()), nil)

	stack := async.NewStack()
	t.Cleanup(func() { _ = stack.Close() })

	_, got, err := inst.CallWithStack(context.Background(), "unreachable", stack)
	code, ok := trap.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, trap.UnreachableReached, code)
	assert.Same(t, stack, got)
	assert.False(t, got.Busy())

	res, _, err := inst.CallWithStack(context.Background(), "ok", got)
	require.NoError(t, err)
	assert.Equal(t, []uint64{7}, res)
}

func TestTask_StepDriver(t *testing.T) {
	rt := newTestRuntime(t)
	inst := create(t, compile(t, rt, "async", wasmtest.AsyncCaller()), yieldingImports())
	ctx := context.Background()

	stack := async.NewStack()
	t.Cleanup(func() { _ = stack.Close() })

	task := inst.NewTask("call_with", stack, 4)
	sr, err := task.Step(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, async.StepContinue, sr.Status)
	require.NotNil(t, sr.PendingOp)

	sr, err = task.Step(ctx, &async.YieldResult{Value: 10})
	require.NoError(t, err)
	assert.Equal(t, async.StepDone, sr.Status)
	assert.Equal(t, []uint64{40}, sr.Results)
	assert.Equal(t, 1, task.Suspensions())
	assert.Zero(t, task.TrapStack().Depth())
}

func TestTask_ResumeWithError(t *testing.T) {
	rt := newTestRuntime(t)
	inst := create(t, compile(t, rt, "async", wasmtest.AsyncCaller()), yieldingImports())
	ctx := context.Background()

	stack := async.NewStack()
	t.Cleanup(func() { _ = stack.Close() })

	task := inst.NewTask("call_func", stack)
	_, err := task.Step(ctx, nil)
	require.NoError(t, err)

	refused := goerrors.New("refused")
	sr, err := task.Step(ctx, &async.YieldResult{Error: refused})
	require.Error(t, err)
	assert.Equal(t, async.StepDone, sr.Status)
	assert.Equal(t, async.KindTrap, sr.ErrorKind)
	assert.ErrorIs(t, err, refused)
	assert.True(t, task.Done())
}

func TestTask_DuplicateWhileSuspended(t *testing.T) {
	rt := newTestRuntime(t)
	m := compile(t, rt, "async", wasmtest.AsyncCaller())
	inst := create(t, m, yieldingImports())
	ctx := context.Background()

	stack := async.NewStack()
	t.Cleanup(func() { _ = stack.Close() })

	task := inst.NewTask("call_func", stack)
	sr, err := task.Step(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, async.StepContinue, sr.Status)

	done := make(chan error, 1)
	go func() {
		sib, err := inst.Duplicate(ctx, yieldingImports())
		if err == nil {
			err = sib.Close(ctx)
		}
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("duplicate blocked by a suspended call")
	}

	sr, err = task.Step(ctx, &async.YieldResult{Value: 52})
	require.NoError(t, err)
	assert.Equal(t, []uint64{156}, sr.Results)
}

func TestCallWithStack_ContextCanceledWhileParked(t *testing.T) {
	rt := newTestRuntime(t)
	release := make(chan struct{})
	imports := Imports{}.Define("env", "my_async_fn", NewHostFunction(AsyncHostFunc(
		func(ctx context.Context, _ *Env, stack []uint64) async.PendingOp {
			return async.PendingFunc(func(ctx context.Context) (uint64, error) {
				select {
				case <-release:
					return 1, nil
				case <-ctx.Done():
					return 0, ctx.Err()
				}
			})
		}), i32, i32))
	inst := create(t, compile(t, rt, "async", wasmtest.AsyncCaller()), imports)

	stack := async.NewStack()
	t.Cleanup(func() { _ = stack.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, got, err := inst.CallWithStack(ctx, "call_func", stack)
	require.Error(t, err)
	assert.Same(t, stack, got)

	close(release)
	assert.Eventually(t, func() bool { return !got.Busy() }, 5*time.Second, 10*time.Millisecond)
}

func TestAsyncHostFunc(t *testing.T) {
	rt := newTestRuntime(t)
	triple := Imports{}.Define("env", "my_async_fn", NewHostFunction(AsyncHostFunc(
		func(_ context.Context, _ *Env, stack []uint64) async.PendingOp {
			a := stack[0]
			return async.PendingFunc(func(context.Context) (uint64, error) { return a * 52, nil })
		}), i32, i32))
	inst := create(t, compile(t, rt, "async", wasmtest.AsyncCaller()), triple)

	t.Run("inline", func(t *testing.T) {
		assert.Equal(t, uint32(156), callI32(t, inst, "call_func"))
	})

	t.Run("on stack", func(t *testing.T) {
		stack := async.NewStack()
		defer stack.Close()

		task := inst.NewTask("twice", stack, 3)
		res, err := task.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []uint64{312}, res)
		assert.Equal(t, 2, task.Suspensions())
	})

	t.Run("failed operation traps", func(t *testing.T) {
		failing := Imports{}.Define("env", "my_async_fn", NewHostFunction(AsyncHostFunc(
			func(context.Context, *Env, []uint64) async.PendingOp {
				return async.PendingFunc(func(context.Context) (uint64, error) { return 0, goerrors.New("offline") })
			}), i32, i32))
		inst := create(t, compile(t, rt, "async-failing", wasmtest.AsyncCaller()), failing)

		_, err := inst.Call(context.Background(), "call_func")
		code, ok := trap.CodeOf(err)
		require.True(t, ok)
		assert.Equal(t, trap.User, code)
	})
}

func TestTask_WritesAfterResumeReachNextDuplicate(t *testing.T) {
	rt := newTestRuntime(t)
	inst := create(t, compile(t, rt, "async", wasmtest.AsyncCaller()), passThroughImports())
	ctx := context.Background()

	stack := async.NewStack()
	t.Cleanup(func() { _ = stack.Close() })

	task := inst.NewTask("store_at", stack, 0)
	sr, err := task.Step(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, async.StepContinue, sr.Status)

	early, err := inst.Duplicate(ctx, passThroughImports())
	require.NoError(t, err)
	t.Cleanup(func() { _ = early.Close(ctx) })

	sr, err = task.Step(ctx, &async.YieldResult{Value: 99})
	require.NoError(t, err)
	require.Equal(t, async.StepDone, sr.Status)
	require.Equal(t, uint32(99), readU32(t, inst, 0))

	late, err := inst.Duplicate(ctx, passThroughImports())
	require.NoError(t, err)
	t.Cleanup(func() { _ = late.Close(ctx) })

	assert.Equal(t, uint32(99), readU32(t, late, 0))
	assert.Equal(t, uint32(0), readU32(t, early, 0))
}
