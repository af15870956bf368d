package runtime

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-vm/engine"
	"github.com/wippyai/wasm-vm/internal/synthmod"
)

// provideGlobals instantiates one provider module per namespace exporting
// globals initialized from globals. The returned func closes the providers
// and must be called once the importing instance is instantiated; the
// instance keeps the globals it imported.
func (m *Module) provideGlobals(ctx context.Context, globals []providedGlobal) (func(), error) {
	if len(globals) == 0 {
		return func() {}, nil
	}

	builders := make(map[string]*synthmod.Builder)
	var order []string
	for _, g := range globals {
		b, ok := builders[g.module]
		if !ok {
			b = synthmod.NewBuilder()
			builders[g.module] = b
			order = append(order, g.module)
		}
		if err := b.AddGlobal(g.name, g.valType, g.mutable, g.bits); err != nil {
			return nil, err
		}
	}

	m.provideMu.Lock()
	rt := m.art.Runtime()
	var (
		compiled []wazero.CompiledModule
		mods     []api.Module
	)
	release := func() {
		for _, mod := range mods {
			if err := mod.Close(ctx); err != nil {
				Logger().Warn("close global provider", zap.String("provider", mod.Name()), zap.Error(err))
			}
		}
		for _, c := range compiled {
			_ = c.Close(ctx)
		}
		m.provideMu.Unlock()
	}

	for _, ns := range order {
		c, err := rt.CompileModule(ctx, builders[ns].Build())
		if err != nil {
			release()
			return nil, err
		}
		compiled = append(compiled, c)

		mod, err := rt.InstantiateModule(ctx, c, wazero.NewModuleConfig().WithName(engine.ProviderModuleName(ns)))
		if err != nil {
			release()
			return nil, err
		}
		mods = append(mods, mod)
	}
	debugf("module %s: %d global providers", m.Name(), len(mods))
	return release, nil
}
