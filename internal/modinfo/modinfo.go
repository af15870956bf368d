// Package modinfo extracts the layout metadata of a compiled module that the
// engine does not expose: every import and export with its kind, declared
// memories, and the counts of tables, globals, and initializer segments.
//
// It assumes the binary already passed validation and only walks the
// sections it needs, skipping the rest by their declared size.
package modinfo

import (
	"errors"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-vm/internal/binary"
)

const (
	magic   = 0x6d736100 // \0asm
	version = 1
)

// Section ids.
const (
	SectionCustom    byte = 0
	SectionType      byte = 1
	SectionImport    byte = 2
	SectionFunction  byte = 3
	SectionTable     byte = 4
	SectionMemory    byte = 5
	SectionGlobal    byte = 6
	SectionExport    byte = 7
	SectionStart     byte = 8
	SectionElement   byte = 9
	SectionCode      byte = 10
	SectionData      byte = 11
	SectionDataCount byte = 12
)

// ExternKind is the kind of an import or export.
type ExternKind byte

const (
	KindFunc   ExternKind = 0x00
	KindTable  ExternKind = 0x01
	KindMemory ExternKind = 0x02
	KindGlobal ExternKind = 0x03
	KindTag    ExternKind = 0x04
)

func (k ExternKind) String() string {
	switch k {
	case KindFunc:
		return "func"
	case KindTable:
		return "table"
	case KindMemory:
		return "memory"
	case KindGlobal:
		return "global"
	case KindTag:
		return "tag"
	}
	return fmt.Sprintf("kind(%#x)", byte(k))
}

// FuncType is a function signature.
type FuncType struct {
	Params  []api.ValueType
	Results []api.ValueType
}

// Limits are the page or element bounds of a memory or table.
type Limits struct {
	Max    *uint64
	Min    uint64
	Shared bool
	Is64   bool
}

// GlobalType describes a global.
type GlobalType struct {
	ValType api.ValueType
	Mutable bool
}

// Import is one import declaration. ElemType is the reference type of a
// table import.
type Import struct {
	Func     *FuncType
	Table    *Limits
	Memory   *Limits
	Global   *GlobalType
	Module   string
	Name     string
	Kind     ExternKind
	ElemType byte
}

// Export is one export declaration.
type Export struct {
	Name  string
	Index uint32
	Kind  ExternKind
}

// Info is the metadata of a module.
type Info struct {
	Start          *uint32
	Types          []FuncType
	Imports        []Import
	Exports        []Export
	Memories       []Limits
	CustomSections []string
	Functions      int
	Tables         int
	Globals        int
	Elements       int
	DataSegments   int
}

// ErrNotModule is returned for input without the module header.
var ErrNotModule = errors.New("modinfo: not a WebAssembly module")

// Parse scans a module binary.
func Parse(data []byte) (*Info, error) {
	r := binary.NewReader(data)
	m, err := r.ReadU32LE()
	if err != nil || m != magic {
		return nil, ErrNotModule
	}
	v, err := r.ReadU32LE()
	if err != nil || v != version {
		return nil, fmt.Errorf("modinfo: unsupported binary version %d", v)
	}

	info := &Info{}
	for r.Len() > 0 {
		id, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		size, err := r.ReadU32()
		if err != nil {
			return nil, fmt.Errorf("section %d size: %w", id, err)
		}
		sec, err := r.Sub(int(size))
		if err != nil {
			return nil, fmt.Errorf("section %d: %w", id, err)
		}
		if err := info.parseSection(id, sec); err != nil {
			return nil, fmt.Errorf("section %d: %w", id, err)
		}
	}
	return info, nil
}

func (info *Info) parseSection(id byte, r *binary.Reader) error {
	var err error
	switch id {
	case SectionCustom:
		var name string
		if name, err = r.ReadName(); err == nil {
			info.CustomSections = append(info.CustomSections, name)
		}
	case SectionType:
		err = info.parseTypes(r)
	case SectionImport:
		err = info.parseImports(r)
	case SectionFunction:
		info.Functions, err = readCount(r)
	case SectionTable:
		info.Tables, err = readCount(r)
	case SectionMemory:
		err = info.parseMemories(r)
	case SectionGlobal:
		info.Globals, err = readCount(r)
	case SectionExport:
		err = info.parseExports(r)
	case SectionStart:
		var idx uint32
		if idx, err = r.ReadU32(); err == nil {
			info.Start = &idx
		}
	case SectionElement:
		info.Elements, err = readCount(r)
	case SectionData:
		info.DataSegments, err = readCount(r)
	}
	return err
}

func readCount(r *binary.Reader) (int, error) {
	n, err := r.ReadU32()
	return int(n), err
}

func (info *Info) parseTypes(r *binary.Reader) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	info.Types = make([]FuncType, 0, count)
	for i := uint32(0); i < count; i++ {
		form, err := r.ReadByte()
		if err != nil {
			return err
		}
		if form != 0x60 {
			return fmt.Errorf("type %d: unsupported type form %#x", i, form)
		}
		var ft FuncType
		if ft.Params, err = readValTypes(r); err != nil {
			return err
		}
		if ft.Results, err = readValTypes(r); err != nil {
			return err
		}
		info.Types = append(info.Types, ft)
	}
	return nil
}

func readValTypes(r *binary.Reader) ([]api.ValueType, error) {
	n, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	vts, err := r.ReadBytes(int(n))
	if err != nil {
		return nil, err
	}
	return append([]api.ValueType(nil), vts...), nil
}

func (info *Info) parseImports(r *binary.Reader) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	info.Imports = make([]Import, 0, count)
	for i := uint32(0); i < count; i++ {
		var imp Import
		if imp.Module, err = r.ReadName(); err != nil {
			return err
		}
		if imp.Name, err = r.ReadName(); err != nil {
			return err
		}
		kind, err := r.ReadByte()
		if err != nil {
			return err
		}
		imp.Kind = ExternKind(kind)

		switch imp.Kind {
		case KindFunc:
			idx, err := r.ReadU32()
			if err != nil {
				return err
			}
			if int(idx) >= len(info.Types) {
				return fmt.Errorf("import %s.%s: type index %d out of range", imp.Module, imp.Name, idx)
			}
			imp.Func = &info.Types[idx]
		case KindTable:
			if imp.ElemType, err = r.ReadByte(); err != nil {
				return err
			}
			lim, err := readLimits(r)
			if err != nil {
				return err
			}
			imp.Table = &lim
		case KindMemory:
			lim, err := readLimits(r)
			if err != nil {
				return err
			}
			imp.Memory = &lim
		case KindGlobal:
			vt, err := r.ReadByte()
			if err != nil {
				return err
			}
			mut, err := r.ReadByte()
			if err != nil {
				return err
			}
			imp.Global = &GlobalType{ValType: vt, Mutable: mut == 1}
		case KindTag:
			if err := r.Skip(1); err != nil {
				return err
			}
			if _, err := r.ReadU32(); err != nil {
				return err
			}
		default:
			return fmt.Errorf("import %s.%s: unknown kind %#x", imp.Module, imp.Name, kind)
		}
		info.Imports = append(info.Imports, imp)
	}
	return nil
}

func readLimits(r *binary.Reader) (Limits, error) {
	flags, err := r.ReadByte()
	if err != nil {
		return Limits{}, err
	}
	lim := Limits{Shared: flags&0x02 != 0, Is64: flags&0x04 != 0}
	if lim.Min, err = r.ReadU64(); err != nil {
		return Limits{}, err
	}
	if flags&0x01 != 0 {
		max, err := r.ReadU64()
		if err != nil {
			return Limits{}, err
		}
		lim.Max = &max
	}
	return lim, nil
}

func (info *Info) parseMemories(r *binary.Reader) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		lim, err := readLimits(r)
		if err != nil {
			return err
		}
		info.Memories = append(info.Memories, lim)
	}
	return nil
}

func (info *Info) parseExports(r *binary.Reader) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	info.Exports = make([]Export, 0, count)
	for i := uint32(0); i < count; i++ {
		var exp Export
		if exp.Name, err = r.ReadName(); err != nil {
			return err
		}
		kind, err := r.ReadByte()
		if err != nil {
			return err
		}
		exp.Kind = ExternKind(kind)
		if exp.Index, err = r.ReadU32(); err != nil {
			return err
		}
		info.Exports = append(info.Exports, exp)
	}
	return nil
}

// ImportsOf returns the imports of the given kind in declaration order.
func (info *Info) ImportsOf(kind ExternKind) []Import {
	var out []Import
	for _, imp := range info.Imports {
		if imp.Kind == kind {
			out = append(out, imp)
		}
	}
	return out
}

// Memory returns the limits of the module's first memory, declared or
// imported, and whether it has one.
func (info *Info) Memory() (Limits, bool) {
	for _, imp := range info.Imports {
		if imp.Kind == KindMemory {
			return *imp.Memory, true
		}
	}
	if len(info.Memories) > 0 {
		return info.Memories[0], true
	}
	return Limits{}, false
}
