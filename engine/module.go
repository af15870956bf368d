package engine

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-vm/errors"
	"github.com/wippyai/wasm-vm/internal/modinfo"
)

// EmptyModuleName replaces the empty import namespace, which wazero cannot
// register a host module under.
const EmptyModuleName = "$"

// providerPrefix starts the name of the module supplying an instance's
// global imports for one namespace.
const providerPrefix = "$globals:"

// Dispatcher routes a call made through an import trampoline to the
// binding of the calling instance. slot is the index of the function import
// in declaration order.
type Dispatcher interface {
	Dispatch(ctx context.Context, caller api.Module, slot int, stack []uint64)
}

// Module is a compiled artifact: the wazero compiled module, its parsed
// metadata, and one trampoline host module per import namespace. It is
// immutable and shared by every instance created from it.
type Module struct {
	engine   *Engine
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	info     *modinfo.Info
	name     string
	imports  []modinfo.Import
	globals  []modinfo.Import
	closed   atomic.Bool
}

// Compile validates and compiles wasm. Calls from instances into imported
// functions are routed through d.
func (e *Engine) Compile(ctx context.Context, name string, wasm []byte, d Dispatcher) (*Module, error) {
	if e.closed.Load() {
		return nil, errors.Closed(errors.PhaseCompile, "engine")
	}

	info, err := modinfo.Parse(wasm)
	if err != nil {
		return nil, errors.ParseFailed(errors.PhaseCompile, "module", err)
	}
	localized, err := modinfo.LocalizeImports(wasm)
	if err != nil {
		return nil, errors.ParseFailed(errors.PhaseCompile, "imports", err)
	}
	rewritten, err := modinfo.RenameImportModules(localized, importModuleName)
	if err != nil {
		return nil, errors.ParseFailed(errors.PhaseCompile, "imports", err)
	}

	rt := e.newRuntime(ctx)
	compiled, err := rt.CompileModule(ctx, rewritten)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, errors.Wrap(errors.PhaseCompile, errors.KindInvalidData, err, "compile module")
	}

	m := &Module{
		engine:   e,
		runtime:  rt,
		compiled: compiled,
		info:     info,
		name:     name,
		imports:  info.ImportsOf(modinfo.KindFunc),
		globals:  info.ImportsOf(modinfo.KindGlobal),
	}
	if err := m.buildTrampolines(ctx, d); err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}

	debugf("compiled %q: %d imports, %d exports", name, len(info.Imports), len(info.Exports))
	return m, nil
}

// HostModuleName maps an import namespace to the name its trampoline host
// module is registered under.
func HostModuleName(ns string) string {
	if ns == "" {
		return EmptyModuleName
	}
	return ns
}

// ProviderModuleName is the name the module supplying global imports from
// namespace ns is instantiated under.
func ProviderModuleName(ns string) string {
	return providerPrefix + ns
}

// importModuleName routes global imports to their provider and everything
// else to the trampoline host module. Table and memory imports are already
// local by the time this runs.
func importModuleName(ns string, kind modinfo.ExternKind) string {
	if kind == modinfo.KindGlobal {
		return ProviderModuleName(ns)
	}
	return HostModuleName(ns)
}

// buildTrampolines registers a forwarding host function for every function
// import. Imports naming the same function twice share the trampoline of
// the first declaration.
func (m *Module) buildTrampolines(ctx context.Context, d Dispatcher) error {
	type key struct{ module, name string }
	builders := make(map[string]wazero.HostModuleBuilder)
	var order []string
	seen := make(map[key]bool)

	for slot, imp := range m.imports {
		k := key{imp.Module, imp.Name}
		if seen[k] {
			continue
		}
		seen[k] = true

		hostName := HostModuleName(imp.Module)
		b, ok := builders[hostName]
		if !ok {
			b = m.runtime.NewHostModuleBuilder(hostName)
			builders[hostName] = b
			order = append(order, hostName)
		}

		b.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, caller api.Module, stack []uint64) {
				d.Dispatch(ctx, caller, slot, stack)
			}), imp.Func.Params, imp.Func.Results).
			WithName(imp.Module + "." + imp.Name).
			Export(imp.Name)
	}

	for _, hostName := range order {
		if _, err := builders[hostName].Instantiate(ctx); err != nil {
			return errors.Wrap(errors.PhaseCompile, errors.KindInvalidInput, err,
				fmt.Sprintf("instantiate trampolines for %q", hostName))
		}
	}
	return nil
}

// Name returns the name the module was compiled under.
func (m *Module) Name() string {
	return m.name
}

// Engine returns the engine that compiled the module.
func (m *Module) Engine() *Engine {
	return m.engine
}

// Info returns the parsed metadata.
func (m *Module) Info() *modinfo.Info {
	return m.info
}

// FuncImports returns the function imports in slot order.
func (m *Module) FuncImports() []modinfo.Import {
	return m.imports
}

// GlobalImports returns the global imports in declaration order.
func (m *Module) GlobalImports() []modinfo.Import {
	return m.globals
}

// Compiled returns the wazero artifact.
func (m *Module) Compiled() wazero.CompiledModule {
	return m.compiled
}

// Runtime returns the module's private wazero runtime, where its instances
// are instantiated.
func (m *Module) Runtime() wazero.Runtime {
	return m.runtime
}

// ExportedFunction returns the definition of the named function export.
func (m *Module) ExportedFunction(name string) (api.FunctionDefinition, bool) {
	def, ok := m.compiled.ExportedFunctions()[name]
	return def, ok
}

// CheckCPUFeatures verifies the host can run the module's code.
func (m *Module) CheckCPUFeatures() error {
	return CheckCPUFeatures(m.engine.kind)
}

// Closed reports whether Close was called.
func (m *Module) Closed() bool {
	return m.closed.Load()
}

// Close releases the compiled code, the trampolines and every instance
// still alive in the module's runtime.
func (m *Module) Close(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := multierr.Append(m.compiled.Close(ctx), m.runtime.Close(ctx))
	if err != nil {
		Logger().Warn("close module", zap.String("module", m.name), zap.Error(err))
	}
	return err
}
