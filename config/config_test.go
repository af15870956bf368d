package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/wippyai/wasm-vm/errors"
)

func TestDefault_Valid(t *testing.T) {
	d := Default()
	require.NoError(t, d.Validate())
	assert.Equal(t, "auto", d.Engine)
	assert.True(t, d.Zygote)
	assert.Equal(t, 16, d.StackPoolSize)
}

func TestParse_Overrides(t *testing.T) {
	tun, err := Parse([]byte(`
engine: interpreter
memory_limit_pages: 256
static_memory_bound: 16777216
zygote: false
stack_pool_size: 4
close_on_context_done: true
`))
	require.NoError(t, err)
	assert.Equal(t, Tunables{
		Engine:             "interpreter",
		MemoryLimitPages:   256,
		StaticMemoryBound:  16 << 20,
		Zygote:             false,
		StackPoolSize:      4,
		CloseOnContextDone: true,
	}, tun)
}

func TestParse_KeepsDefaults(t *testing.T) {
	tun, err := Parse([]byte("stack_pool_size: 2\n"))
	require.NoError(t, err)

	want := Default()
	want.StackPoolSize = 2
	assert.Equal(t, want, tun)
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse([]byte("engine: jit\nstack_pool_size: 0\nstatic_memory_bound: 1000\n"))
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 3)
	assert.ErrorIs(t, err, &errors.Error{Phase: errors.PhaseConfig, Kind: errors.KindInvalidInput})
}

func TestParse_Malformed(t *testing.T) {
	_, err := Parse([]byte("engine: [unterminated"))
	assert.ErrorIs(t, err, &errors.Error{Phase: errors.PhaseConfig, Kind: errors.KindInvalidData})
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vm.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine: compiler\ncompilation_cache_dir: /tmp/wasm-cache\n"), 0o600))

	tun, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "compiler", tun.Engine)
	assert.Equal(t, "/tmp/wasm-cache", tun.CompilationCacheDir)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
