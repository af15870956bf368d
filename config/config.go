// Package config loads the VM tunables from YAML.
//
//	engine: compiler
//	memory_limit_pages: 1024
//	static_memory_bound: 67108864
//	zygote: true
//	stack_pool_size: 32
package config

import (
	"fmt"
	"math/bits"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"go.uber.org/multierr"

	"github.com/wippyai/wasm-vm/errors"
)

// WasmPageSize is the size of a WebAssembly memory page.
const WasmPageSize = 65536

// Tunables controls engine selection and how instance memory is laid out.
type Tunables struct {
	// Engine is "auto", "compiler" or "interpreter".
	Engine string `koanf:"engine"`

	// CompilationCacheDir keeps compiled code on disk. Empty means in memory.
	CompilationCacheDir string `koanf:"compilation_cache_dir"`

	// StaticMemoryBound is the address space reserved per linear memory, in
	// bytes. Memories cannot grow past it.
	StaticMemoryBound uint64 `koanf:"static_memory_bound"`

	MemoryLimitPages uint32 `koanf:"memory_limit_pages"`
	StackPoolSize    int    `koanf:"stack_pool_size"`

	// Zygote backs memories with shareable descriptors so instances can be
	// duplicated copy-on-write.
	Zygote bool `koanf:"zygote"`

	CloseOnContextDone bool `koanf:"close_on_context_done"`
}

// Default returns the tunables used when nothing is configured.
func Default() Tunables {
	bound := uint64(4 << 30)
	if bits.UintSize == 32 {
		bound = 64 << 20
	}
	return Tunables{
		Engine:            "auto",
		MemoryLimitPages:  65536,
		StaticMemoryBound: bound,
		Zygote:            true,
		StackPoolSize:     16,
	}
}

// Load reads tunables from a YAML file. Keys it omits keep their defaults.
func Load(path string) (Tunables, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return Tunables{}, errors.ParseFailed(errors.PhaseConfig, fmt.Sprintf("tunables file %s", path), err)
	}
	return unmarshal(k)
}

// Parse reads tunables from YAML bytes.
func Parse(data []byte) (Tunables, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return Tunables{}, errors.ParseFailed(errors.PhaseConfig, "tunables", err)
	}
	return unmarshal(k)
}

func unmarshal(k *koanf.Koanf) (Tunables, error) {
	t := Default()
	if err := k.Unmarshal("", &t); err != nil {
		return Tunables{}, errors.ParseFailed(errors.PhaseConfig, "tunables", err)
	}
	if err := t.Validate(); err != nil {
		return Tunables{}, err
	}
	return t, nil
}

// Validate reports every invalid field.
func (t Tunables) Validate() error {
	var err error
	switch t.Engine {
	case "auto", "compiler", "interpreter":
	default:
		err = multierr.Append(err, invalid("engine %q is not one of auto, compiler, interpreter", t.Engine))
	}
	if t.MemoryLimitPages == 0 || t.MemoryLimitPages > 65536 {
		err = multierr.Append(err, invalid("memory_limit_pages %d outside [1, 65536]", t.MemoryLimitPages))
	}
	if t.StaticMemoryBound == 0 || t.StaticMemoryBound%WasmPageSize != 0 {
		err = multierr.Append(err, invalid("static_memory_bound %d is not a positive multiple of %d", t.StaticMemoryBound, WasmPageSize))
	}
	if t.StackPoolSize <= 0 {
		err = multierr.Append(err, invalid("stack_pool_size must be positive, got %d", t.StackPoolSize))
	}
	return err
}

func invalid(format string, args ...any) error {
	return errors.New(errors.PhaseConfig, errors.KindInvalidInput).Detail(format, args...).Build()
}
