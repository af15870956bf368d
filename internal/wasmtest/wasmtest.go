// Package wasmtest builds small WebAssembly binaries for tests and examples.
package wasmtest

import (
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-vm/internal/binary"
)

// Section ids, in the order they must appear.
const (
	secType      byte = 1
	secImport    byte = 2
	secFunction  byte = 3
	secMemory    byte = 5
	secGlobal    byte = 6
	secExport    byte = 7
	secStart     byte = 8
	secDataCount byte = 12
	secCode      byte = 10
	secData      byte = 11
)

const refFunc byte = 0x70

// Extern kinds.
const (
	KindFunc   byte = 0x00
	KindTable  byte = 0x01
	KindMemory byte = 0x02
	KindGlobal byte = 0x03
)

// FuncType is a function signature.
type FuncType struct {
	Params  []api.ValueType
	Results []api.ValueType
}

// Import declares a function import (Kind KindFunc, Type is the type
// index), a memory or funcref table import (Min is the page or element
// count), or a global import of ValType.
type Import struct {
	Module  string
	Name    string
	Type    uint32
	Min     uint32
	Kind    byte
	ValType api.ValueType
	Mutable bool
}

// Func is a defined function. Body must not include the final end opcode.
type Func struct {
	Locals []api.ValueType
	Body   []byte
	Type   uint32
}

// Memory is the module's single memory.
type Memory struct {
	Max *uint32
	Min uint32
}

// Global is an i32 or i64 global with a constant initializer.
type Global struct {
	Init    int64
	Type    api.ValueType
	Mutable bool
}

// Export exposes an item by index.
type Export struct {
	Name  string
	Index uint32
	Kind  byte
}

// Data is a data segment; active segments target memory 0 at Offset.
type Data struct {
	Init    []byte
	Offset  uint32
	Passive bool
}

// Module is an in-memory module description.
type Module struct {
	Memory  *Memory
	Start   *uint32
	Types   []FuncType
	Imports []Import
	Funcs   []Func
	Globals []Global
	Exports []Export
	Data    []Data
}

// Encode serializes the module to the binary format.
func (m *Module) Encode() []byte {
	w := binary.NewWriter()
	w.WriteU32LE(0x6d736100)
	w.WriteU32LE(1)

	if len(m.Types) > 0 {
		sec := binary.NewWriter()
		sec.WriteU32(uint32(len(m.Types)))
		for _, ft := range m.Types {
			sec.Byte(0x60)
			writeValTypes(sec, ft.Params)
			writeValTypes(sec, ft.Results)
		}
		w.WriteSection(secType, sec.Bytes())
	}

	if len(m.Imports) > 0 {
		sec := binary.NewWriter()
		sec.WriteU32(uint32(len(m.Imports)))
		for _, imp := range m.Imports {
			sec.WriteName(imp.Module)
			sec.WriteName(imp.Name)
			sec.Byte(imp.Kind)
			switch imp.Kind {
			case KindFunc:
				sec.WriteU32(imp.Type)
			case KindTable:
				sec.Byte(refFunc)
				sec.Byte(0x00)
				sec.WriteU32(imp.Min)
			case KindMemory:
				sec.Byte(0x00)
				sec.WriteU32(imp.Min)
			case KindGlobal:
				sec.Byte(imp.ValType)
				if imp.Mutable {
					sec.Byte(0x01)
				} else {
					sec.Byte(0x00)
				}
			}
		}
		w.WriteSection(secImport, sec.Bytes())
	}

	if len(m.Funcs) > 0 {
		sec := binary.NewWriter()
		sec.WriteU32(uint32(len(m.Funcs)))
		for _, f := range m.Funcs {
			sec.WriteU32(f.Type)
		}
		w.WriteSection(secFunction, sec.Bytes())
	}

	if m.Memory != nil {
		sec := binary.NewWriter()
		sec.WriteU32(1)
		if m.Memory.Max != nil {
			sec.Byte(0x01)
			sec.WriteU32(m.Memory.Min)
			sec.WriteU32(*m.Memory.Max)
		} else {
			sec.Byte(0x00)
			sec.WriteU32(m.Memory.Min)
		}
		w.WriteSection(secMemory, sec.Bytes())
	}

	if len(m.Globals) > 0 {
		sec := binary.NewWriter()
		sec.WriteU32(uint32(len(m.Globals)))
		for _, g := range m.Globals {
			sec.Byte(g.Type)
			if g.Mutable {
				sec.Byte(0x01)
			} else {
				sec.Byte(0x00)
			}
			if g.Type == api.ValueTypeI64 {
				sec.Byte(opI64Const)
			} else {
				sec.Byte(opI32Const)
			}
			sec.WriteS64(g.Init)
			sec.Byte(opEnd)
		}
		w.WriteSection(secGlobal, sec.Bytes())
	}

	if len(m.Exports) > 0 {
		sec := binary.NewWriter()
		sec.WriteU32(uint32(len(m.Exports)))
		for _, e := range m.Exports {
			sec.WriteName(e.Name)
			sec.Byte(e.Kind)
			sec.WriteU32(e.Index)
		}
		w.WriteSection(secExport, sec.Bytes())
	}

	if m.Start != nil {
		sec := binary.NewWriter()
		sec.WriteU32(*m.Start)
		w.WriteSection(secStart, sec.Bytes())
	}

	if len(m.Data) > 0 {
		sec := binary.NewWriter()
		sec.WriteU32(uint32(len(m.Data)))
		w.WriteSection(secDataCount, sec.Bytes())
	}

	if len(m.Funcs) > 0 {
		sec := binary.NewWriter()
		sec.WriteU32(uint32(len(m.Funcs)))
		for _, f := range m.Funcs {
			body := binary.NewWriter()
			body.WriteU32(uint32(len(f.Locals)))
			for _, l := range f.Locals {
				body.WriteU32(1)
				body.Byte(l)
			}
			body.WriteBytes(f.Body)
			body.Byte(opEnd)
			sec.WriteU32(uint32(body.Len()))
			sec.WriteBytes(body.Bytes())
		}
		w.WriteSection(secCode, sec.Bytes())
	}

	if len(m.Data) > 0 {
		sec := binary.NewWriter()
		sec.WriteU32(uint32(len(m.Data)))
		for _, d := range m.Data {
			if d.Passive {
				sec.Byte(0x01)
			} else {
				sec.Byte(0x00)
				sec.Byte(opI32Const)
				sec.WriteS64(int64(int32(d.Offset)))
				sec.Byte(opEnd)
			}
			sec.WriteU32(uint32(len(d.Init)))
			sec.WriteBytes(d.Init)
		}
		w.WriteSection(secData, sec.Bytes())
	}

	return w.Bytes()
}

func writeValTypes(w *binary.Writer, vts []api.ValueType) {
	w.WriteU32(uint32(len(vts)))
	for _, vt := range vts {
		w.Byte(vt)
	}
}

// Pages returns a pointer to n, for Memory.Max.
func Pages(n uint32) *uint32 { return &n }
