package trap

import (
	"context"
	"errors"
	"fmt"
	rdebug "runtime/debug"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatchTraps_Returns(t *testing.T) {
	ctx := context.Background()
	got, err := CatchTraps(ctx, func(ctx context.Context) (int, error) {
		assert.True(t, Installed(ctx))
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, got)
}

func TestCatchTraps_UserTrap(t *testing.T) {
	ctx := WithStack(context.Background(), NewStack())
	cause := errors.New("quota exceeded")

	_, err := CatchTraps(ctx, func(ctx context.Context) (int, error) {
		RaiseUserTrap(ctx, cause)
		return 0, nil
	})

	var tr *Trap
	require.ErrorAs(t, err, &tr)
	assert.Equal(t, User, tr.Code)
	assert.Equal(t, "quota exceeded", tr.Message)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 0, StackFrom(ctx).Depth())
}

func TestCatchTraps_LibTrap(t *testing.T) {
	ctx := context.Background()
	_, err := CatchTraps(ctx, func(ctx context.Context) (struct{}, error) {
		RaiseLibTrap(ctx, OutOfBoundsTableAccess)
		return struct{}{}, nil
	})

	code, ok := CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, OutOfBoundsTableAccess, code)
	assert.ErrorIs(t, err, New(OutOfBoundsTableAccess))
	assert.NotErrorIs(t, err, New(OutOfBoundsMemoryAccess))
}

func TestCatchTraps_ClassifiesEngineErrors(t *testing.T) {
	ctx := context.Background()
	engineErr := errors.New("wasm error: integer divide by zero\nwasm stack trace:\n\tguest.div(i32,i32) i32\n\tguest.run() i32")

	_, err := CatchTraps(ctx, func(ctx context.Context) (uint64, error) {
		return 0, engineErr
	})

	var tr *Trap
	require.ErrorAs(t, err, &tr)
	assert.Equal(t, IntegerDivisionByZero, tr.Code)
	assert.Equal(t, []string{"guest.div(i32,i32) i32", "guest.run() i32"}, tr.Backtrace)
	assert.ErrorIs(t, err, engineErr)
}

func TestCatchTraps_PassesThroughOtherErrors(t *testing.T) {
	ctx := context.Background()
	_, err := CatchTraps(ctx, func(ctx context.Context) (int, error) {
		return 0, context.Canceled
	})
	assert.Same(t, context.Canceled, err)
}

func TestCatchTraps_NonTrapPanicPropagates(t *testing.T) {
	ctx := WithStack(context.Background(), NewStack())
	assert.PanicsWithValue(t, "boom", func() {
		_, _ = CatchTraps(ctx, func(ctx context.Context) (int, error) {
			panic("boom")
		})
	})
	assert.Equal(t, 0, StackFrom(ctx).Depth(), "stack unwound even when the panic escapes")
}

func TestCatchTraps_IntegerDivideFault(t *testing.T) {
	zero := 0
	_, err := CatchTraps(context.Background(), func(ctx context.Context) (int, error) {
		return 10 / zero, nil
	})
	code, ok := CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, IntegerDivisionByZero, code)
}

func TestCatchTraps_Nested(t *testing.T) {
	s := NewStack()
	ctx := WithStack(context.Background(), s)

	out, err := CatchNamed(ctx, "outer", func(ctx context.Context) (string, error) {
		_, innerErr := CatchNamed(ctx, "inner", func(ctx context.Context) (int, error) {
			frames := StackFrom(ctx).Frames()
			require.Len(t, frames, 2)
			assert.Equal(t, "inner", frames[1].Name)
			RaiseLibTrap(ctx, UnreachableReached)
			return 0, nil
		})
		code, _ := CodeOf(innerErr)
		assert.Equal(t, 1, StackFrom(ctx).Depth())
		return code.String(), nil
	})

	require.NoError(t, err)
	assert.Equal(t, "UnreachableReached", out)
	assert.Equal(t, 0, s.Depth())
}

func TestCatchTraps_RetryAfterTrap(t *testing.T) {
	s := NewStack()
	ctx := WithStack(context.Background(), s)

	for i := 0; i < 3; i++ {
		_, err := CatchTraps(ctx, func(ctx context.Context) (int, error) {
			RaiseLibTrap(ctx, StackOverflow)
			return 0, nil
		})
		require.Error(t, err)
		require.Equal(t, 0, s.Depth())
	}

	got, err := CatchTraps(ctx, func(ctx context.Context) (int, error) { return 1, nil })
	require.NoError(t, err)
	assert.Equal(t, 1, got)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		msg  string
		code Code
		ok   bool
	}{
		{"wasm error: out of bounds memory access", OutOfBoundsMemoryAccess, true},
		{"wasm error: invalid table access\nwasm stack trace:\n\tm.f()", OutOfBoundsTableAccess, true},
		{"wasm error: indirect call type mismatch", IndirectCallTypeMismatch, true},
		{"wasm error: integer overflow", IntegerOverflow, true},
		{"wasm error: unreachable", UnreachableReached, true},
		{"wasm error: stack overflow", StackOverflow, true},
		{"wasm error: invalid conversion to integer", BadConversionToInteger, true},
		{"wasm error: unaligned atomic", UnalignedAtomic, true},
		{"start function[0] failed: wasm error: unreachable", UnreachableReached, true},
		{"data[0]: out of bounds memory access", OutOfBoundsMemoryAccess, true},
		{"module[env] not instantiated", 0, false},
		{"wasm error: something new", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			code, ok := CodeOf(errors.New(tt.msg))
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.code, code)
			}
		})
	}
}

func TestClassify_WrappedHostTrap(t *testing.T) {
	raised := NewUser("denied")
	wrapped := fmt.Errorf("%w (recovered by wazero)\nwasm stack trace:\n\tenv.check()\n\tguest.run()", raised)

	tr, ok := Classify(wrapped)
	require.True(t, ok)
	assert.Equal(t, User, tr.Code)
	assert.Equal(t, "denied", tr.Message)
	assert.Equal(t, []string{"env.check()", "guest.run()"}, tr.Backtrace)
	assert.Nil(t, raised.Backtrace, "classification does not mutate the raised trap")
}

func TestTrap_Error(t *testing.T) {
	assert.Equal(t, "wasm trap: out of bounds memory access", New(OutOfBoundsMemoryAccess).Error())
	assert.Equal(t, "wasm trap: nope", NewUser("nope").Error())

	tr := &Trap{Code: UnreachableReached, Backtrace: []string{"m.f()"}}
	assert.Equal(t, "wasm trap: unreachable\n\tat m.f()", tr.Error())
	assert.Equal(t, "Code(99)", Code(99).String())
}

func TestStack_SnapshotRestore(t *testing.T) {
	s := NewStack()
	ctx := WithStack(context.Background(), s)

	var snap Snapshot
	_, err := CatchNamed(ctx, "suspended", func(ctx context.Context) (int, error) {
		snap = s.Snapshot()
		assert.Equal(t, 0, s.Depth())
		assert.False(t, Installed(ctx))
		assert.Equal(t, 1, snap.Depth())

		s.Restore(snap)
		assert.Equal(t, "suspended", s.Frames()[0].Name)
		RaiseLibTrap(ctx, IntegerOverflow)
		return 0, nil
	})

	code, ok := CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, IntegerOverflow, code)
	assert.Equal(t, 0, s.Depth())
}

func TestStack_RestoreContract(t *testing.T) {
	s := NewStack()
	assert.Panics(t, func() { s.Restore(Snapshot{}) })

	s.push(Frame{Name: "a"})
	snap := s.Snapshot()
	s.push(Frame{Name: "b"})
	assert.Panics(t, func() { s.Restore(snap) })
}

func TestCatchTraps_RestoresPanicOnFault(t *testing.T) {
	prev := rdebug.SetPanicOnFault(false)
	defer rdebug.SetPanicOnFault(prev)

	enabled, err := CatchTraps(context.Background(), func(ctx context.Context) (bool, error) {
		return rdebug.SetPanicOnFault(true), nil
	})
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.False(t, rdebug.SetPanicOnFault(false))
	assert.False(t, debug)
}
