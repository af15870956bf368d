package engine

import (
	"context"
	"fmt"
	goruntime "runtime"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-vm/errors"
)

// Kind selects the wazero execution engine.
type Kind uint8

const (
	// KindAuto uses the compiler where the host supports it.
	KindAuto Kind = iota
	KindCompiler
	KindInterpreter
)

var kindNames = [...]string{
	KindAuto:        "auto",
	KindCompiler:    "compiler",
	KindInterpreter: "interpreter",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// ParseKind parses an engine kind name.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return Kind(k), nil
		}
	}
	return KindAuto, errors.InvalidInput(errors.PhaseConfig, fmt.Sprintf("unknown engine kind %q", s))
}

// Config holds configuration for engine creation
type Config struct {
	// CompilationCacheDir persists compiled code across processes.
	// Empty keeps the cache in memory.
	CompilationCacheDir string

	// MemoryLimitPages sets the maximum memory per instance in pages (64KB each).
	// 0 means default (65536 pages = 4GB).
	MemoryLimitPages uint32

	Kind Kind

	// CloseOnContextDone makes calls observe context cancellation.
	CloseOnContextDone bool
}

// Engine produces wazero runtimes sharing one compilation cache. Each
// compiled Module gets its own runtime so that its import trampolines and
// instances live in a private namespace.
type Engine struct {
	cache  wazero.CompilationCache
	cfg    Config
	kind   Kind
	closed atomic.Bool
}

// New creates an engine. A nil cfg uses defaults.
func New(cfg *Config) (*Engine, error) {
	var c Config
	if cfg != nil {
		c = *cfg
	}

	kind := c.Kind
	if kind == KindAuto {
		kind = KindInterpreter
		if compilerSupported() && CheckCPUFeatures(KindCompiler) == nil {
			kind = KindCompiler
		}
	}

	var cache wazero.CompilationCache
	if c.CompilationCacheDir != "" {
		var err error
		cache, err = wazero.NewCompilationCacheWithDir(c.CompilationCacheDir)
		if err != nil {
			return nil, errors.New(errors.PhaseConfig, errors.KindInvalidInput).
				Detail("compilation cache dir %q", c.CompilationCacheDir).
				Cause(err).
				Build()
		}
	} else {
		cache = wazero.NewCompilationCache()
	}

	debugf("engine created: kind=%s cache_dir=%q", kind, c.CompilationCacheDir)
	return &Engine{cache: cache, cfg: c, kind: kind}, nil
}

// Kind returns the resolved engine kind; never KindAuto.
func (e *Engine) Kind() Kind {
	return e.kind
}

// Config returns the configuration the engine was created with.
func (e *Engine) Config() Config {
	return e.cfg
}

// MemoryLimitPages returns the effective per-memory page limit.
func (e *Engine) MemoryLimitPages() uint32 {
	if e.cfg.MemoryLimitPages == 0 {
		return maxPages
	}
	return e.cfg.MemoryLimitPages
}

const maxPages = 65536

func (e *Engine) runtimeConfig() wazero.RuntimeConfig {
	var rc wazero.RuntimeConfig
	if e.kind == KindCompiler {
		rc = wazero.NewRuntimeConfigCompiler()
	} else {
		rc = wazero.NewRuntimeConfigInterpreter()
	}
	rc = rc.WithCompilationCache(e.cache).
		WithCoreFeatures(api.CoreFeaturesV2).
		WithCloseOnContextDone(e.cfg.CloseOnContextDone)
	if e.cfg.MemoryLimitPages > 0 {
		rc = rc.WithMemoryLimitPages(e.cfg.MemoryLimitPages)
	}
	return rc
}

func (e *Engine) newRuntime(ctx context.Context) wazero.Runtime {
	return wazero.NewRuntimeWithConfig(ctx, e.runtimeConfig())
}

// Close releases the compilation cache. Modules compiled by the engine
// must be closed first.
func (e *Engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := e.cache.Close(ctx); err != nil {
		Logger().Warn("close compilation cache", zap.Error(err))
		return err
	}
	return nil
}

func compilerSupported() bool {
	switch goruntime.GOARCH {
	case "amd64", "arm64":
	default:
		return false
	}
	switch goruntime.GOOS {
	case "linux", "darwin", "freebsd", "netbsd", "dragonfly", "solaris", "illumos", "windows":
		return true
	}
	return false
}
