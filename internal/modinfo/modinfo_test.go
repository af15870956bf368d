package modinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-vm/internal/wasmtest"
)

func TestParse_Forwarder(t *testing.T) {
	info, err := Parse(wasmtest.Forwarder())
	require.NoError(t, err)

	require.Len(t, info.Imports, 1)
	imp := info.Imports[0]
	assert.Equal(t, "env", imp.Module)
	assert.Equal(t, "get", imp.Name)
	assert.Equal(t, KindFunc, imp.Kind)
	require.NotNil(t, imp.Func)
	assert.Empty(t, imp.Func.Params)
	assert.Equal(t, []api.ValueType{api.ValueTypeI32}, imp.Func.Results)

	assert.Equal(t, 4, info.Functions)
	assert.Len(t, info.Exports, 5)
	assert.Equal(t, Export{Name: "memory", Kind: KindMemory, Index: 0}, info.Exports[4])

	lim, ok := info.Memory()
	require.True(t, ok)
	assert.Equal(t, uint64(1), lim.Min)
	assert.Nil(t, lim.Max)
	assert.Nil(t, info.Start)
}

func TestParse_StartAndGlobals(t *testing.T) {
	info, err := Parse(wasmtest.StartCounter())
	require.NoError(t, err)
	require.NotNil(t, info.Start)
	assert.Equal(t, uint32(0), *info.Start)
	assert.Equal(t, 1, info.Globals)
}

func TestParse_Data(t *testing.T) {
	info, err := Parse(wasmtest.PassiveInit())
	require.NoError(t, err)
	assert.Equal(t, 2, info.DataSegments)
	assert.Len(t, info.ImportsOf(KindFunc), 2)
	assert.Empty(t, info.ImportsOf(KindMemory))
}

func TestParse_MemoryImport(t *testing.T) {
	info, err := Parse(wasmtest.MemoryImport())
	require.NoError(t, err)
	mems := info.ImportsOf(KindMemory)
	require.Len(t, mems, 1)
	assert.Equal(t, uint64(1), mems[0].Memory.Min)

	lim, ok := info.Memory()
	require.True(t, ok)
	assert.Equal(t, uint64(1), lim.Min)
}

func TestParse_MaxPages(t *testing.T) {
	info, err := Parse(wasmtest.Trapping())
	require.NoError(t, err)
	lim, ok := info.Memory()
	require.True(t, ok)
	require.NotNil(t, lim.Max)
	assert.Equal(t, uint64(1), *lim.Max)
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse([]byte("nope"))
	assert.ErrorIs(t, err, ErrNotModule)

	_, err = Parse(nil)
	assert.ErrorIs(t, err, ErrNotModule)

	_, err = Parse([]byte{0x00, 0x61, 0x73, 0x6d, 0x02, 0x00, 0x00, 0x00})
	assert.Error(t, err)

	bin := wasmtest.Forwarder()
	_, err = Parse(bin[:len(bin)-3])
	assert.Error(t, err)
}

func TestExternKind_String(t *testing.T) {
	assert.Equal(t, "func", KindFunc.String())
	assert.Equal(t, "memory", KindMemory.String())
	assert.Equal(t, "kind(0x9)", ExternKind(9).String())
}

func TestRenameImportModules(t *testing.T) {
	bin := wasmtest.PassiveInit()
	out, err := RenameImportModules(bin, func(m string, kind ExternKind) string {
		assert.Equal(t, KindFunc, kind)
		if m == "" {
			return "$"
		}
		return m
	})
	require.NoError(t, err)

	info, err := Parse(out)
	require.NoError(t, err)
	require.Len(t, info.Imports, 2)
	for _, imp := range info.Imports {
		assert.Equal(t, "$", imp.Module)
	}
	assert.Equal(t, "host_function", info.Imports[1].Name)
	assert.Equal(t, 2, info.DataSegments)
}

func TestRenameImportModules_Unchanged(t *testing.T) {
	bin := wasmtest.Forwarder()
	keep := func(m string, _ ExternKind) string { return m }
	out, err := RenameImportModules(bin, keep)
	require.NoError(t, err)
	assert.Equal(t, bin, out)

	_, err = RenameImportModules([]byte("junk"), keep)
	assert.ErrorIs(t, err, ErrNotModule)
}

func TestRenameImportModules_ByKind(t *testing.T) {
	out, err := RenameImportModules(wasmtest.GlobalImport(), func(m string, kind ExternKind) string {
		if kind == KindGlobal {
			return "globals:" + m
		}
		return m
	})
	require.NoError(t, err)

	info, err := Parse(out)
	require.NoError(t, err)
	globals := info.ImportsOf(KindGlobal)
	require.Len(t, globals, 2)
	assert.Equal(t, "globals:env", globals[0].Module)
	assert.Equal(t, "counter", globals[1].Name)
	assert.True(t, globals[1].Global.Mutable)
}

func TestParse_TableImport(t *testing.T) {
	info, err := Parse(wasmtest.TableImport())
	require.NoError(t, err)
	tables := info.ImportsOf(KindTable)
	require.Len(t, tables, 1)
	assert.Equal(t, byte(0x70), tables[0].ElemType)
	assert.Equal(t, uint64(2), tables[0].Table.Min)
	assert.Nil(t, tables[0].Table.Max)
}

func TestLocalizeImports(t *testing.T) {
	tests := []struct {
		name     string
		wasm     []byte
		imports  int
		memories int
	}{
		{name: "memory", wasm: wasmtest.MemoryImport(), imports: 0, memories: 1},
		{name: "table", wasm: wasmtest.TableImport(), imports: 1, memories: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before, err := Parse(tt.wasm)
			require.NoError(t, err)

			out, err := LocalizeImports(tt.wasm)
			require.NoError(t, err)
			info, err := Parse(out)
			require.NoError(t, err)

			assert.Len(t, info.Imports, tt.imports)
			assert.Len(t, info.Memories, tt.memories)
			assert.Len(t, info.ImportsOf(KindTable), 0)
			assert.Len(t, info.ImportsOf(KindMemory), 0)
			assert.Equal(t, before.Exports, info.Exports)
			assert.Equal(t, before.DataSegments, info.DataSegments)
			assert.Equal(t, before.Functions, info.Functions)
		})
	}
}

func TestLocalizeImports_TableDefinition(t *testing.T) {
	out, err := LocalizeImports(wasmtest.TableImport())
	require.NoError(t, err)
	info, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, 1, info.Tables)
}

func TestLocalizeImports_Unchanged(t *testing.T) {
	bin := wasmtest.Forwarder()
	out, err := LocalizeImports(bin)
	require.NoError(t, err)
	assert.Equal(t, bin, out)
}
