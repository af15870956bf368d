package runtime

import (
	"context"
	"sync"

	"github.com/tetratelabs/wazero/api"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"

	"github.com/wippyai/wasm-vm/async"
	"github.com/wippyai/wasm-vm/config"
	"github.com/wippyai/wasm-vm/engine"
	"github.com/wippyai/wasm-vm/errors"
	"github.com/wippyai/wasm-vm/metrics"
)

const tracerName = "github.com/wippyai/wasm-vm/runtime"

// Runtime owns the engine, the stack pool and every module compiled
// through it.
type Runtime struct {
	engine  *engine.Engine
	stacks  *async.StackPool
	tracer  trace.Tracer
	metrics *metrics.Collector
	modules []*Module
	tun     config.Tunables
	mu      sync.Mutex
	closed  bool
}

type options struct {
	tracerProvider trace.TracerProvider
	metrics        *metrics.Collector
	tunables       config.Tunables
}

// Option configures a Runtime.
type Option func(*options)

// WithTunables replaces the default tunables.
func WithTunables(t config.Tunables) Option {
	return func(o *options) {
		o.tunables = t
	}
}

// WithTracerProvider sets where spans go. The global provider is used
// otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracerProvider = tp
	}
}

// WithMetrics reports instance and call metrics to c.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) {
		o.metrics = c
	}
}

// New creates a runtime.
func New(ctx context.Context, opts ...Option) (*Runtime, error) {
	o := options{tunables: config.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.tunables.Validate(); err != nil {
		return nil, err
	}
	kind, err := engine.ParseKind(o.tunables.Engine)
	if err != nil {
		return nil, err
	}

	eng, err := engine.New(&engine.Config{
		CompilationCacheDir: o.tunables.CompilationCacheDir,
		MemoryLimitPages:    o.tunables.MemoryLimitPages,
		Kind:                kind,
		CloseOnContextDone:  o.tunables.CloseOnContextDone,
	})
	if err != nil {
		return nil, err
	}

	tp := o.tracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	rt := &Runtime{
		engine:  eng,
		stacks:  async.NewStackPool(o.tunables.StackPoolSize),
		tracer:  tp.Tracer(tracerName),
		metrics: o.metrics,
		tun:     o.tunables,
	}

	_, span := rt.tracer.Start(ctx, "wasmvm.runtime.new", trace.WithAttributes(
		attribute.String("wasm.engine", eng.Kind().String()),
		attribute.Bool("wasm.zygote", o.tunables.Zygote),
	))
	span.End()
	return rt, nil
}

// Engine returns the runtime's engine.
func (r *Runtime) Engine() *engine.Engine {
	return r.engine
}

// Stacks returns the pool CallWithStack stacks are drawn from.
func (r *Runtime) Stacks() *async.StackPool {
	return r.stacks
}

// Tunables returns the tunables the runtime was created with.
func (r *Runtime) Tunables() config.Tunables {
	return r.tun
}

// Compile validates and compiles a core module.
func (r *Runtime) Compile(ctx context.Context, name string, wasm []byte) (*Module, error) {
	ctx, span := r.tracer.Start(ctx, "wasmvm.compile", trace.WithAttributes(attribute.String("wasm.module", name)))
	defer span.End()

	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		err := errors.Closed(errors.PhaseCompile, "runtime")
		recordError(span, err)
		return nil, err
	}

	art, err := r.engine.Compile(ctx, name, wasm, dispatcher{})
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	m := &Module{
		art:         art,
		rt:          r,
		zygote:      r.tun.Zygote,
		staticBound: r.tun.StaticMemoryBound,
	}

	r.mu.Lock()
	r.modules = append(r.modules, m)
	r.mu.Unlock()
	return m, nil
}

// Close closes every module, the stack pool and the engine.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	modules := r.modules
	r.modules = nil
	r.mu.Unlock()

	var err error
	for _, m := range modules {
		err = multierr.Append(err, m.Close(ctx))
	}
	err = multierr.Append(err, r.stacks.Close())
	return multierr.Append(err, r.engine.Close(ctx))
}

// Module is a compiled module. It is immutable and shared by every instance
// created from it.
type Module struct {
	art         *engine.Module
	rt          *Runtime
	staticBound uint64
	zygote      bool

	// provideMu serializes instantiations that need global providers,
	// whose names are fixed per namespace.
	provideMu sync.Mutex
}

// Name returns the module name.
func (m *Module) Name() string {
	return m.art.Name()
}

// Artifact returns the compiled artifact.
func (m *Module) Artifact() *engine.Module {
	return m.art
}

// ImportDecl is a function import a binding must satisfy.
type ImportDecl struct {
	Module  string
	Name    string
	Params  []api.ValueType
	Results []api.ValueType
}

// Imports lists the module's function imports in declaration order.
func (m *Module) Imports() []ImportDecl {
	imports := m.art.FuncImports()
	decls := make([]ImportDecl, len(imports))
	for i, imp := range imports {
		decls[i] = ImportDecl{Module: imp.Module, Name: imp.Name, Params: imp.Func.Params, Results: imp.Func.Results}
	}
	return decls
}

// ExportNames lists the module's exports in declaration order.
func (m *Module) ExportNames() []string {
	exports := m.art.Info().Exports
	names := make([]string, len(exports))
	for i, e := range exports {
		names[i] = e.Name
	}
	return names
}

// Close releases the compiled code. Instances still alive are released
// with it, including any with calls in flight.
func (m *Module) Close(ctx context.Context) error {
	var err error
	instanceRegistry.Range(func(_, v any) bool {
		if inst := v.(*Instance); inst.module == m {
			inst.closed.Store(true)
			err = multierr.Append(err, inst.release(ctx))
		}
		return true
	})
	return multierr.Append(err, m.art.Close(ctx))
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
