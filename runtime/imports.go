package runtime

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/multierr"

	"github.com/wippyai/wasm-vm/engine"
	"github.com/wippyai/wasm-vm/errors"
	"github.com/wippyai/wasm-vm/internal/modinfo"
)

// ExternKind is the kind of an import or export.
type ExternKind = modinfo.ExternKind

const (
	ExternFunc   = modinfo.KindFunc
	ExternTable  = modinfo.KindTable
	ExternMemory = modinfo.KindMemory
	ExternGlobal = modinfo.KindGlobal
)

// Extern is a value that can be imported or exported.
type Extern interface {
	ExternKind() ExternKind
}

// Resolver supplies the value bound to an import.
type Resolver interface {
	Resolve(module, name string) (Extern, bool)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(module, name string) (Extern, bool)

func (f ResolverFunc) Resolve(module, name string) (Extern, bool) {
	return f(module, name)
}

// Imports is a Resolver backed by a namespace → name → value map.
type Imports map[string]map[string]Extern

// Define binds module.name to ext and returns the receiver for chaining.
// A nil receiver allocates a new map.
func (im Imports) Define(module, name string, ext Extern) Imports {
	if im == nil {
		im = make(Imports)
	}
	ns := im[module]
	if ns == nil {
		ns = make(map[string]Extern)
		im[module] = ns
	}
	ns[name] = ext
	return im
}

func (im Imports) Resolve(module, name string) (Extern, bool) {
	ext, ok := im[module][name]
	return ext, ok
}

// HostFunc implements an imported function. Parameters are read from stack
// and results written back to it, in wazero's stack layout.
type HostFunc func(ctx context.Context, env *Env, stack []uint64)

// HostFunction is a host function with its signature and the setup of the
// environment each instance gets for it.
type HostFunction struct {
	fn       HostFunc
	init     func(ctx context.Context, env *Env) error
	newState func() any
	params   []api.ValueType
	results  []api.ValueType
}

// HostOption configures a HostFunction.
type HostOption func(*HostFunction)

// WithInit runs fn against every environment once its instance exists.
// An error fails the instantiation.
func WithInit(fn func(ctx context.Context, env *Env) error) HostOption {
	return func(h *HostFunction) {
		h.init = fn
	}
}

// WithState gives every environment its own value built by newState.
func WithState(newState func() any) HostOption {
	return func(h *HostFunction) {
		h.newState = newState
	}
}

// NewHostFunction declares a host function with the given signature.
func NewHostFunction(fn HostFunc, params, results []api.ValueType, opts ...HostOption) *HostFunction {
	h := &HostFunction{fn: fn, params: params, results: results}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *HostFunction) ExternKind() ExternKind {
	return ExternFunc
}

func (h *HostFunction) ParamTypes() []api.ValueType {
	return h.params
}

func (h *HostFunction) ResultTypes() []api.ValueType {
	return h.results
}

// GlobalValue binds a global import to an initial value. Every instance
// gets its own global starting from Value, encoded as wazero encodes values
// of Type.
type GlobalValue struct {
	Value   uint64
	Type    api.ValueType
	Mutable bool
}

// NewGlobal declares a global binding.
func NewGlobal(vt api.ValueType, value uint64, mutable bool) *GlobalValue {
	return &GlobalValue{Type: vt, Value: value, Mutable: mutable}
}

func (g *GlobalValue) ExternKind() ExternKind {
	return ExternGlobal
}

// MemoryType binds a memory import. The instance owns its memory: it starts
// at Min pages and never grows past Max.
type MemoryType struct {
	Max *uint32
	Min uint32
}

// NewMemoryType declares a memory binding in pages. max may be nil.
func NewMemoryType(min uint32, max *uint32) *MemoryType {
	return &MemoryType{Min: min, Max: max}
}

func (t *MemoryType) ExternKind() ExternKind {
	return ExternMemory
}

// RefType is the element type of a table.
type RefType byte

const (
	RefFunc   RefType = 0x70
	RefExtern RefType = 0x6f
)

// TableType binds a table import. The binding is checked against the
// import, but the instance's table is created with the limits the module
// declares.
type TableType struct {
	Max  *uint32
	Min  uint32
	Elem RefType
}

// NewTableType declares a table binding. max may be nil.
func NewTableType(elem RefType, min uint32, max *uint32) *TableType {
	return &TableType{Elem: elem, Min: min, Max: max}
}

func (t *TableType) ExternKind() ExternKind {
	return ExternTable
}

// providedGlobal is a global import with the value it starts from.
type providedGlobal struct {
	module  string
	name    string
	bits    uint64
	valType api.ValueType
	mutable bool
}

// resolvedImports holds the bindings of one instantiation.
type resolvedImports struct {
	funcs     []*HostFunction
	globals   []providedGlobal
	memory    *MemoryType
	memImport modinfo.Import
}

// resolveImports binds every import of m in declaration order. Anything
// unresolved is reported together as one Link error.
func resolveImports(phase errors.Phase, m *engine.Module, r Resolver) (*resolvedImports, error) {
	imports := m.Info().Imports

	var (
		missing []errors.MissingImport
		errs    error
		res     = &resolvedImports{funcs: make([]*HostFunction, 0, len(m.FuncImports()))}
	)
	for _, imp := range imports {
		var (
			ext Extern
			ok  bool
		)
		if r != nil {
			ext, ok = r.Resolve(imp.Module, imp.Name)
		}
		if !ok || ext == nil {
			missing = append(missing, errors.MissingImport{Module: imp.Module, Name: imp.Name})
			continue
		}

		var err error
		switch imp.Kind {
		case modinfo.KindFunc:
			err = res.bindFunc(imp, ext)
		case modinfo.KindGlobal:
			err = res.bindGlobal(phase, imp, ext)
		case modinfo.KindMemory:
			err = res.bindMemory(phase, imp, ext)
		case modinfo.KindTable:
			err = bindTable(imp, ext)
		default:
			err = errors.Unsupported(phase, imp.Kind.String()+" import "+imp.Module+"."+imp.Name)
		}
		errs = multierr.Append(errs, err)
	}

	if len(missing) > 0 {
		errs = multierr.Append(&errors.MissingImportsError{Imports: missing}, errs)
	}
	if errs != nil {
		return nil, errors.Link(phase, errs)
	}
	return res, nil
}

func kindMismatch(imp modinfo.Import, ext Extern) error {
	return &errors.ImportTypeMismatch{
		Module:   imp.Module,
		Name:     imp.Name,
		Expected: imp.Kind.String(),
		Actual:   ext.ExternKind().String(),
	}
}

func (res *resolvedImports) bindFunc(imp modinfo.Import, ext Extern) error {
	hf, ok := ext.(*HostFunction)
	if !ok {
		return kindMismatch(imp, ext)
	}
	if !slices.Equal(hf.params, imp.Func.Params) || !slices.Equal(hf.results, imp.Func.Results) {
		return &errors.ImportTypeMismatch{
			Module:   imp.Module,
			Name:     imp.Name,
			Expected: signature(imp.Func.Params, imp.Func.Results),
			Actual:   signature(hf.params, hf.results),
		}
	}
	res.funcs = append(res.funcs, hf)
	return nil
}

func (res *resolvedImports) bindGlobal(phase errors.Phase, imp modinfo.Import, ext Extern) error {
	want := imp.Global
	switch want.ValType {
	case api.ValueTypeI32, api.ValueTypeI64, api.ValueTypeF32, api.ValueTypeF64:
	default:
		return errors.Unsupported(phase, api.ValueTypeName(want.ValType)+" global import "+imp.Module+"."+imp.Name)
	}

	g := providedGlobal{module: imp.Module, name: imp.Name}
	switch v := ext.(type) {
	case *GlobalValue:
		g.valType, g.mutable, g.bits = v.Type, v.Mutable, v.Value
	case *Global:
		// An exported global is copied as it is now.
		g.valType, g.mutable, g.bits = v.Type(), v.Mutable(), v.Get()
	default:
		return kindMismatch(imp, ext)
	}
	if g.valType != want.ValType || g.mutable != want.Mutable {
		return &errors.ImportTypeMismatch{
			Module:   imp.Module,
			Name:     imp.Name,
			Expected: globalType(want.ValType, want.Mutable),
			Actual:   globalType(g.valType, g.mutable),
		}
	}
	res.globals = append(res.globals, g)
	return nil
}

func (res *resolvedImports) bindMemory(phase errors.Phase, imp modinfo.Import, ext Extern) error {
	if imp.Memory.Shared || imp.Memory.Is64 {
		return errors.Unsupported(phase, "shared or 64-bit memory import "+imp.Module+"."+imp.Name)
	}
	mt, ok := ext.(*MemoryType)
	if !ok {
		return kindMismatch(imp, ext)
	}
	if !limitsSatisfy(imp.Memory, mt.Min, mt.Max) {
		return &errors.ImportTypeMismatch{
			Module:   imp.Module,
			Name:     imp.Name,
			Expected: "memory " + limitsString(imp.Memory.Min, imp.Memory.Max),
			Actual:   "memory " + limitsString(uint64(mt.Min), widen(mt.Max)),
		}
	}
	res.memory = mt
	res.memImport = imp
	return nil
}

func bindTable(imp modinfo.Import, ext Extern) error {
	tt, ok := ext.(*TableType)
	if !ok {
		return kindMismatch(imp, ext)
	}
	if byte(tt.Elem) != imp.ElemType || !limitsSatisfy(imp.Table, tt.Min, tt.Max) {
		return &errors.ImportTypeMismatch{
			Module:   imp.Module,
			Name:     imp.Name,
			Expected: refTypeName(RefType(imp.ElemType)) + " table " + limitsString(imp.Table.Min, imp.Table.Max),
			Actual:   refTypeName(tt.Elem) + " table " + limitsString(uint64(tt.Min), widen(tt.Max)),
		}
	}
	return nil
}

// checkSnapshot rejects a memory binding too small for the memory a
// sibling inherits.
func (res *resolvedImports) checkSnapshot(phase errors.Phase, size int) error {
	mt := res.memory
	if mt == nil || mt.Max == nil || uint64(size) <= uint64(*mt.Max)*wasmPageSize {
		return nil
	}
	return errors.Link(phase, &errors.ImportTypeMismatch{
		Module:   res.memImport.Module,
		Name:     res.memImport.Name,
		Expected: fmt.Sprintf("memory with max >= %d pages", size/wasmPageSize),
		Actual:   "memory " + limitsString(uint64(mt.Min), widen(mt.Max)),
	})
}

// limitsSatisfy reports whether min and max fit where want is expected.
func limitsSatisfy(want *modinfo.Limits, min uint32, max *uint32) bool {
	if uint64(min) < want.Min {
		return false
	}
	if max != nil && *max < min {
		return false
	}
	if want.Max != nil && (max == nil || uint64(*max) > *want.Max) {
		return false
	}
	return true
}

func widen(v *uint32) *uint64 {
	if v == nil {
		return nil
	}
	w := uint64(*v)
	return &w
}

func limitsString(min uint64, max *uint64) string {
	if max == nil {
		return fmt.Sprintf("{min %d}", min)
	}
	return fmt.Sprintf("{min %d, max %d}", min, *max)
}

func globalType(vt api.ValueType, mutable bool) string {
	if mutable {
		return "mut " + api.ValueTypeName(vt)
	}
	return api.ValueTypeName(vt)
}

func refTypeName(t RefType) string {
	switch t {
	case RefFunc:
		return "funcref"
	case RefExtern:
		return "externref"
	}
	return fmt.Sprintf("reftype(%#x)", byte(t))
}

// signature formats a function type as "(i32, i32) -> (i32)".
func signature(params, results []api.ValueType) string {
	var b strings.Builder
	writeTypes(&b, params)
	b.WriteString(" -> ")
	writeTypes(&b, results)
	return b.String()
}

func writeTypes(b *strings.Builder, types []api.ValueType) {
	b.WriteByte('(')
	for i, t := range types {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(api.ValueTypeName(t))
	}
	b.WriteByte(')')
}
