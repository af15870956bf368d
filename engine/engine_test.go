package engine

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-vm/errors"
	"github.com/wippyai/wasm-vm/internal/wasmtest"
)

type recordingDispatcher struct {
	caller atomic.Value
	slot   atomic.Int64
	value  uint64
}

func (d *recordingDispatcher) Dispatch(_ context.Context, caller api.Module, slot int, stack []uint64) {
	d.caller.Store(caller.Name())
	d.slot.Store(int64(slot))
	if len(stack) > 0 {
		stack[0] = d.value
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(&Config{Kind: KindInterpreter})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"auto", KindAuto, false},
		{"compiler", KindCompiler, false},
		{"interpreter", KindInterpreter, false},
		{"jit", KindAuto, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseKind(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, &errors.Error{Phase: errors.PhaseConfig, Kind: errors.KindInvalidInput})
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.in, got.String())
		})
	}
	assert.Equal(t, "Kind(9)", Kind(9).String())
}

func TestNew_ResolvesAuto(t *testing.T) {
	e, err := New(nil)
	require.NoError(t, err)
	defer e.Close(context.Background())

	assert.NotEqual(t, KindAuto, e.Kind())
	assert.Equal(t, uint32(65536), e.MemoryLimitPages())
	assert.NoError(t, CheckCPUFeatures(e.Kind()))
}

func TestNew_CacheDir(t *testing.T) {
	dir := t.TempDir()
	e, err := New(&Config{Kind: KindInterpreter, CompilationCacheDir: dir, MemoryLimitPages: 16})
	require.NoError(t, err)
	assert.Equal(t, uint32(16), e.MemoryLimitPages())
	assert.Equal(t, dir, e.Config().CompilationCacheDir)
	require.NoError(t, e.Close(context.Background()))
	require.NoError(t, e.Close(context.Background()))
}

func TestCheckCPUFeatures_Interpreter(t *testing.T) {
	assert.NoError(t, CheckCPUFeatures(KindInterpreter))
}

func TestCompile_TrampolineDispatch(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	d := &recordingDispatcher{value: 42}

	m, err := e.Compile(ctx, "fwd", wasmtest.Forwarder(), d)
	require.NoError(t, err)
	defer m.Close(ctx)

	require.Len(t, m.FuncImports(), 1)
	assert.Equal(t, "fwd", m.Name())
	assert.NotNil(t, m.Runtime().Module("env"))

	def, ok := m.ExportedFunction("run")
	require.True(t, ok)
	assert.Equal(t, []api.ValueType{api.ValueTypeI32}, def.ResultTypes())

	inst, err := m.Runtime().InstantiateModule(ctx, m.Compiled(), wazero.NewModuleConfig().WithName("fwd#1"))
	require.NoError(t, err)

	res, err := inst.ExportedFunction("run").Call(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint64{42}, res)
	assert.Equal(t, "fwd#1", d.caller.Load())
	assert.Equal(t, int64(0), d.slot.Load())
}

func TestCompile_EmptyNamespace(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	m, err := e.Compile(ctx, "passive", wasmtest.PassiveInit(), &recordingDispatcher{})
	require.NoError(t, err)
	defer m.Close(ctx)

	assert.NotNil(t, m.Runtime().Module(EmptyModuleName))
	assert.Equal(t, "", m.FuncImports()[0].Module)
	assert.Equal(t, 2, m.Info().DataSegments)
}

func TestCompile_Invalid(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	_, err := e.Compile(ctx, "bad", []byte("not wasm"), &recordingDispatcher{})
	assert.ErrorIs(t, err, &errors.Error{Phase: errors.PhaseCompile, Kind: errors.KindInvalidData})
}

func TestCompile_AfterClose(t *testing.T) {
	ctx := context.Background()
	e, err := New(&Config{Kind: KindInterpreter})
	require.NoError(t, err)
	require.NoError(t, e.Close(ctx))

	_, err = e.Compile(ctx, "x", wasmtest.Forwarder(), &recordingDispatcher{})
	assert.ErrorIs(t, err, errors.ErrClosed)
}

func TestModule_CloseIdempotent(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	m, err := e.Compile(ctx, "x", wasmtest.Trapping(), &recordingDispatcher{})
	require.NoError(t, err)
	assert.False(t, m.Closed())
	require.NoError(t, m.Close(ctx))
	require.NoError(t, m.Close(ctx))
	assert.True(t, m.Closed())
}

func TestHostModuleName(t *testing.T) {
	assert.Equal(t, EmptyModuleName, HostModuleName(""))
	assert.Equal(t, "env", HostModuleName("env"))
}

func TestCompile_LocalizesMemoryImport(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	m, err := e.Compile(ctx, "mem", wasmtest.MemoryImport(), &recordingDispatcher{})
	require.NoError(t, err)
	defer m.Close(ctx)

	assert.Empty(t, m.Compiled().ImportedMemories())
	assert.Len(t, m.Compiled().ExportedMemories(), 1)
	assert.Len(t, m.Info().Imports, 1)
}

func TestCompile_GlobalImportsRouteToProvider(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	m, err := e.Compile(ctx, "globals", wasmtest.GlobalImport(), &recordingDispatcher{})
	require.NoError(t, err)
	defer m.Close(ctx)

	require.Len(t, m.GlobalImports(), 2)
	assert.Equal(t, "base", m.GlobalImports()[0].Name)
	assert.Empty(t, m.FuncImports())
	assert.Nil(t, m.Runtime().Module(HostModuleName("env")))
}

func TestProviderModuleName(t *testing.T) {
	assert.Equal(t, "$globals:env", ProviderModuleName("env"))
	assert.Equal(t, "$globals:", ProviderModuleName(""))
	assert.NotEqual(t, HostModuleName("env"), ProviderModuleName("env"))
}
