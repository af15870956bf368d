package runtime

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-vm/errors"
	"github.com/wippyai/wasm-vm/internal/modinfo"
)

// Exports is the immutable name → extern map of an instance.
type Exports struct {
	items map[string]Extern
	names []string
}

// Names returns the export names in declaration order.
func (e *Exports) Names() []string {
	return append([]string(nil), e.names...)
}

// Len returns the number of exports.
func (e *Exports) Len() int {
	return len(e.names)
}

// Get returns the named export.
func (e *Exports) Get(name string) (Extern, bool) {
	ext, ok := e.items[name]
	return ext, ok
}

func (e *Exports) Function(name string) (*Function, error) {
	if f, ok := e.items[name].(*Function); ok {
		return f, nil
	}
	return nil, errors.NotFound(errors.PhaseRuntime, "function export", name)
}

func (e *Exports) Memory(name string) (*Memory, error) {
	if m, ok := e.items[name].(*Memory); ok {
		return m, nil
	}
	return nil, errors.NotFound(errors.PhaseRuntime, "memory export", name)
}

func (e *Exports) Global(name string) (*Global, error) {
	if g, ok := e.items[name].(*Global); ok {
		return g, nil
	}
	return nil, errors.NotFound(errors.PhaseRuntime, "global export", name)
}

func (e *Exports) Table(name string) (*Table, error) {
	if t, ok := e.items[name].(*Table); ok {
		return t, nil
	}
	return nil, errors.NotFound(errors.PhaseRuntime, "table export", name)
}

// buildExports extracts every declared export from the instantiated module.
// The declarations come from the same binary, so a missing export means the
// engine and the metadata disagree.
//
// Function handles are looked up once here to check they exist; calls
// resolve a fresh handle each time since wazero's are not safe for
// concurrent use.
func buildExports(inst *Instance) *Exports {
	decls := inst.module.art.Info().Exports
	ex := &Exports{items: make(map[string]Extern, len(decls)), names: make([]string, 0, len(decls))}

	for _, d := range decls {
		var ext Extern
		switch d.Kind {
		case modinfo.KindFunc:
			fn := inst.mod.ExportedFunction(d.Name)
			if fn == nil {
				panic(fmt.Sprintf("runtime: function export %q missing from instance", d.Name))
			}
			ext = &Function{inst: inst, name: d.Name, def: fn.Definition()}
		case modinfo.KindMemory:
			mem := inst.mod.ExportedMemory(d.Name)
			if !isValidMemory(mem) {
				panic(fmt.Sprintf("runtime: memory export %q missing from instance", d.Name))
			}
			ext = &Memory{mem: mem, inst: inst}
		case modinfo.KindGlobal:
			g := inst.mod.ExportedGlobal(d.Name)
			if g == nil {
				panic(fmt.Sprintf("runtime: global export %q missing from instance", d.Name))
			}
			ext = &Global{g: g}
		case modinfo.KindTable:
			ext = &Table{name: d.Name, index: d.Index}
		default:
			continue
		}
		ex.items[d.Name] = ext
		ex.names = append(ex.names, d.Name)
	}
	return ex
}

// Function is an exported function.
type Function struct {
	inst *Instance
	def  api.FunctionDefinition
	name string
}

func (f *Function) ExternKind() ExternKind {
	return ExternFunc
}

func (f *Function) Name() string {
	return f.name
}

func (f *Function) ParamTypes() []api.ValueType {
	return f.def.ParamTypes()
}

func (f *Function) ResultTypes() []api.ValueType {
	return f.def.ResultTypes()
}

// Call invokes the function. Traps come back as *trap.Trap errors.
func (f *Function) Call(ctx context.Context, params ...uint64) ([]uint64, error) {
	return f.inst.call(ctx, f.name, params)
}

// Global is an exported global.
type Global struct {
	g api.Global
}

func (g *Global) ExternKind() ExternKind {
	return ExternGlobal
}

func (g *Global) Type() api.ValueType {
	return g.g.Type()
}

func (g *Global) Get() uint64 {
	return g.g.Get()
}

// Mutable reports whether Set is allowed.
func (g *Global) Mutable() bool {
	_, ok := g.g.(api.MutableGlobal)
	return ok
}

func (g *Global) Set(v uint64) error {
	mg, ok := g.g.(api.MutableGlobal)
	if !ok {
		return errors.InvalidInput(errors.PhaseRuntime, "global is immutable")
	}
	mg.Set(v)
	return nil
}

// Table is an exported table. Only its identity is exposed.
type Table struct {
	name  string
	index uint32
}

func (t *Table) ExternKind() ExternKind {
	return ExternTable
}

func (t *Table) Name() string {
	return t.name
}

func (t *Table) Index() uint32 {
	return t.index
}
