package runtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-vm/errors"
	"github.com/wippyai/wasm-vm/metrics"
	"github.com/wippyai/wasm-vm/mmap"
	"github.com/wippyai/wasm-vm/trap"
)

// Instance is a module bound to its imports, with its own memory, globals
// and host environments.
//
// Instances are reference counted: Retain adds a reference and Close drops
// one. The last Close releases the instance once in-flight calls finish.
type Instance struct {
	mu       sync.RWMutex
	module   *Module
	mod      api.Module
	exports  *Exports
	bindings []binding
	regions  []*mmap.Region
	linear   experimental.LinearMemory
	memType  *MemoryType
	allocErr error
	closeErr error
	name     string
	id       uint64
	refs     atomic.Int32
	inflight atomic.Int32
	closed   atomic.Bool
	diverged atomic.Bool
	exposed  atomic.Bool
	live     bool
	teardown sync.Once
}

// Create instantiates m with imports. It checks the host can run the
// module, resolves every import, instantiates memory and runs the start
// function, extracts the exports, and finally initializes the host
// environments. The error is a Link, Start, CPUFeature or HostEnvInit error.
func Create(ctx context.Context, m *Module, imports Resolver) (*Instance, error) {
	ctx, span := m.rt.tracer.Start(ctx, "wasmvm.instance.create",
		trace.WithAttributes(attribute.String("wasm.module", m.Name())))
	defer span.End()

	res, err := m.prepare(errors.PhaseInstantiate, imports)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	inst, err := instantiate(ctx, m, res, nil, errors.PhaseInstantiate)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("wasm.instance", inst.name))
	m.rt.metrics.InstanceCreated(metrics.OriginCreate)
	return inst, nil
}

func (m *Module) prepare(phase errors.Phase, imports Resolver) (*resolvedImports, error) {
	if m.art.Closed() {
		return nil, errors.Closed(phase, "module")
	}
	if err := m.art.CheckCPUFeatures(); err != nil {
		return nil, err
	}
	return resolveImports(phase, m.art, imports)
}

func instantiate(ctx context.Context, m *Module, res *resolvedImports, snap *memorySnapshot, phase errors.Phase) (*Instance, error) {
	id := instanceCounter.Add(1)
	inst := &Instance{
		module:  m,
		memType: res.memory,
		id:      id,
		name:    instanceName(m.Name(), id),
	}
	self := weak.Make(inst)
	imports := m.art.FuncImports()
	inst.bindings = make([]binding, len(res.funcs))
	for i, fn := range res.funcs {
		env := &Env{inst: self, module: imports[i].Module, name: imports[i].Name}
		if fn.newState != nil {
			env.state = fn.newState()
		}
		inst.bindings[i] = binding{fn: fn, env: env}
	}
	register(inst)

	releaseGlobals, err := m.provideGlobals(ctx, res.globals)
	if err != nil {
		snap.release()
		inst.discard(ctx)
		return nil, errors.Link(phase, err)
	}
	actx := experimental.WithMemoryAllocator(ctx, inst.memoryAllocator(snap))
	cfg := wazero.NewModuleConfig().WithName(inst.name).WithStartFunctions()
	mod, err := trap.CatchNamed(actx, "start", func(ctx context.Context) (api.Module, error) {
		return m.art.Runtime().InstantiateModule(ctx, m.art.Compiled(), cfg)
	})
	releaseGlobals()
	if err != nil {
		snap.release()
		inst.discard(ctx)
		if _, ok := trap.Classify(err); ok {
			return nil, errors.Start(phase, err)
		}
		return nil, errors.Link(phase, err)
	}
	inst.mod = mod
	snap.release()
	if inst.allocErr != nil {
		err := inst.allocErr
		inst.discard(ctx)
		return nil, err
	}

	inst.exports = buildExports(inst)
	if err := inst.initEnvs(ctx, phase); err != nil {
		inst.discard(ctx)
		return nil, err
	}

	inst.refs.Store(1)
	inst.live = true
	debugf("instance %s created (%d function imports, %d global imports, %d exports)",
		inst.name, len(res.funcs), len(res.globals), inst.exports.Len())
	return inst, nil
}

func (inst *Instance) initEnvs(ctx context.Context, phase errors.Phase) error {
	for _, b := range inst.bindings {
		if b.fn.init == nil {
			continue
		}
		if err := b.fn.init(ctx, b.env); err != nil {
			return errors.HostEnvInit(phase, b.env.module, b.env.name, err)
		}
	}
	return nil
}

// discard tears down a partially built instance.
func (inst *Instance) discard(ctx context.Context) {
	inst.closed.Store(true)
	if err := inst.release(ctx); err != nil {
		Logger().Warn("discard instance", zap.String("instance", inst.name), zap.Error(err))
	}
}

// Duplicate creates a sibling bound to imports. The sibling reuses the
// compiled module and starts from a snapshot of this instance's memory:
// copy-on-write when the memory lives in a zygote region, a full copy
// otherwise. Initializers and the start function run again on the sibling,
// followed by its host environment initialization.
//
// Duplicating from inside one of the instance's own calls is rejected.
func (inst *Instance) Duplicate(ctx context.Context, imports Resolver) (*Instance, error) {
	if activeIn(ctx, inst) {
		return nil, errors.New(errors.PhaseDuplicate, errors.KindReentrant).
			Detail("duplicate %s from inside its own call", inst.name).
			Build()
	}
	if err := inst.enter(); err != nil {
		return nil, err
	}
	defer inst.exit(ctx)

	m := inst.module
	ctx, span := m.rt.tracer.Start(ctx, "wasmvm.instance.duplicate",
		trace.WithAttributes(attribute.String("wasm.module", m.Name()), attribute.String("wasm.source", inst.name)))
	defer span.End()

	res, err := m.prepare(errors.PhaseDuplicate, imports)
	if err != nil {
		recordError(span, err)
		return nil, err
	}

	inst.mu.Lock()
	snap, err := inst.snapshotMemory()
	inst.mu.Unlock()
	if err == nil && snap != nil {
		if err = res.checkSnapshot(errors.PhaseDuplicate, snap.size); err != nil {
			snap.release()
		}
	}
	if err != nil {
		recordError(span, err)
		return nil, err
	}

	sibling, err := instantiate(ctx, m, res, snap, errors.PhaseDuplicate)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	if snap != nil {
		span.SetAttributes(attribute.String("wasm.memory.mode", snap.mode))
		m.rt.metrics.MemoryDuplicated(snap.mode)
	}
	span.SetAttributes(attribute.String("wasm.instance", sibling.name))
	m.rt.metrics.InstanceCreated(metrics.OriginDuplicate)
	return sibling, nil
}

// Name returns the unique name of the instance.
func (inst *Instance) Name() string {
	return inst.name
}

// Module returns the module the instance was created from.
func (inst *Instance) Module() *Module {
	return inst.module
}

// Exports returns the exports built when the instance was created.
func (inst *Instance) Exports() *Exports {
	return inst.exports
}

// Memory returns the named memory export.
func (inst *Instance) Memory(name string) (*Memory, error) {
	return inst.exports.Memory(name)
}

// Call invokes the named exported function.
func (inst *Instance) Call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	fn, err := inst.exports.Function(name)
	if err != nil {
		return nil, err
	}
	return fn.Call(ctx, params...)
}

func (inst *Instance) call(ctx context.Context, name string, params []uint64) ([]uint64, error) {
	if err := inst.enter(); err != nil {
		return nil, err
	}
	defer inst.exit(ctx)

	if !activeIn(ctx, inst) {
		inst.mu.RLock()
		held := heldFrom(ctx)
		held.push(inst)
		defer func() {
			held.pop()
			inst.mu.RUnlock()
		}()
		ctx = withActive(ctx, inst)
	}
	inst.markDiverged()
	defer inst.markDiverged()

	rt := inst.module.rt
	ctx, span := rt.tracer.Start(ctx, "wasmvm.call", trace.WithAttributes(
		attribute.String("wasm.module", inst.module.Name()),
		attribute.String("wasm.instance", inst.name),
		attribute.String("wasm.function", name),
	))
	defer span.End()

	start := time.Now()
	results, err := trap.CatchNamed(ctx, name, func(ctx context.Context) ([]uint64, error) {
		return inst.mod.ExportedFunction(name).Call(ctx, params...)
	})

	status := metrics.StatusOK
	if err != nil {
		status = metrics.StatusError
		if code, ok := trap.CodeOf(err); ok {
			status = metrics.StatusTrap
			rt.metrics.Trapped(code.String())
			span.SetAttributes(attribute.String("wasm.trap", code.String()))
		}
		recordError(span, err)
	}
	rt.metrics.ObserveCall(inst.module.Name(), status, time.Since(start))
	return results, err
}

// enter counts an operation in flight, failing once the instance is closed.
func (inst *Instance) enter() error {
	inst.inflight.Add(1)
	if inst.closed.Load() {
		inst.inflight.Add(-1)
		return errors.Closed(errors.PhaseRuntime, "instance "+inst.name)
	}
	return nil
}

func (inst *Instance) exit(ctx context.Context) {
	if inst.inflight.Add(-1) == 0 && inst.closed.Load() {
		if err := inst.release(context.WithoutCancel(ctx)); err != nil {
			Logger().Warn("release instance", zap.String("instance", inst.name), zap.Error(err))
		}
	}
}

// Retain adds a reference. It returns nil if the instance is already
// closed.
func (inst *Instance) Retain() *Instance {
	for {
		n := inst.refs.Load()
		if n <= 0 {
			return nil
		}
		if inst.refs.CompareAndSwap(n, n+1) {
			return inst
		}
	}
}

// Close drops a reference. The last one closes the wazero module and the
// memory regions, immediately or once the last in-flight call returns.
// Closing an already released instance is a no-op.
func (inst *Instance) Close(ctx context.Context) error {
	for {
		n := inst.refs.Load()
		if n <= 0 {
			return nil
		}
		if inst.refs.CompareAndSwap(n, n-1) {
			if n > 1 {
				return nil
			}
			break
		}
	}

	inst.closed.Store(true)
	if inst.inflight.Load() == 0 {
		return inst.release(ctx)
	}
	debugf("instance %s closed with calls in flight", inst.name)
	return nil
}

func (inst *Instance) release(ctx context.Context) error {
	inst.teardown.Do(func() {
		unregister(inst.id)

		var err error
		if inst.mod != nil {
			err = multierr.Append(err, inst.mod.Close(ctx))
		}
		for _, r := range inst.regions {
			err = multierr.Append(err, r.Close())
		}
		inst.closeErr = err

		if inst.live {
			inst.module.rt.metrics.InstanceClosed()
		}
		debugf("instance %s released", inst.name)
	})
	return inst.closeErr
}

// markDiverged records that memory may differ from the last snapshot.
func (inst *Instance) markDiverged() {
	inst.diverged.Store(true)
}

type activeKey struct{}

// activeCall links the instances whose calls are on the current call chain.
type activeCall struct {
	inst   *Instance
	parent *activeCall
}

func activeIn(ctx context.Context, inst *Instance) bool {
	for a, _ := ctx.Value(activeKey{}).(*activeCall); a != nil; a = a.parent {
		if a.inst == inst {
			return true
		}
	}
	return false
}

func withActive(ctx context.Context, inst *Instance) context.Context {
	parent, _ := ctx.Value(activeKey{}).(*activeCall)
	return context.WithValue(ctx, activeKey{}, &activeCall{inst: inst, parent: parent})
}
