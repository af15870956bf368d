// Package synthmod builds small WebAssembly modules that export constant
// initialized globals. The runtime instantiates one per namespace to supply
// an instance's global imports.
package synthmod

import (
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-vm/internal/binary"
	"github.com/wippyai/wasm-vm/internal/modinfo"
)

const (
	opI32Const byte = 0x41
	opI64Const byte = 0x42
	opF32Const byte = 0x43
	opF64Const byte = 0x44
	opEnd      byte = 0x0b
)

type global struct {
	name    string
	bits    uint64
	valType api.ValueType
	mutable bool
}

// Builder collects globals for a provider module.
type Builder struct {
	index   map[string]int
	globals []global
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{index: make(map[string]int)}
}

// AddGlobal exports a global named name holding bits, encoded the way
// wazero encodes values of valType. Adding a name twice keeps the first.
func (b *Builder) AddGlobal(name string, valType api.ValueType, mutable bool, bits uint64) error {
	switch valType {
	case api.ValueTypeI32, api.ValueTypeI64, api.ValueTypeF32, api.ValueTypeF64:
	default:
		return fmt.Errorf("global %q: unsupported value type %s", name, api.ValueTypeName(valType))
	}
	if _, ok := b.index[name]; ok {
		return nil
	}
	b.index[name] = len(b.globals)
	b.globals = append(b.globals, global{name: name, valType: valType, mutable: mutable, bits: bits})
	return nil
}

// Len returns the number of globals added.
func (b *Builder) Len() int {
	return len(b.globals)
}

// Build encodes the module. An empty builder yields nil.
func (b *Builder) Build() []byte {
	if len(b.globals) == 0 {
		return nil
	}

	out := binary.NewWriter()
	out.WriteBytes([]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00})

	sec := binary.NewWriter()
	sec.WriteU32(uint32(len(b.globals)))
	for _, g := range b.globals {
		sec.Byte(g.valType)
		if g.mutable {
			sec.Byte(1)
		} else {
			sec.Byte(0)
		}
		writeConst(sec, g.valType, g.bits)
	}
	out.WriteSection(modinfo.SectionGlobal, sec.Bytes())

	sec = binary.NewWriter()
	sec.WriteU32(uint32(len(b.globals)))
	for i, g := range b.globals {
		sec.WriteName(g.name)
		sec.Byte(byte(modinfo.KindGlobal))
		sec.WriteU32(uint32(i))
	}
	out.WriteSection(modinfo.SectionExport, sec.Bytes())

	return out.Bytes()
}

func writeConst(w *binary.Writer, vt api.ValueType, bits uint64) {
	switch vt {
	case api.ValueTypeI32:
		w.Byte(opI32Const)
		w.WriteS64(int64(int32(uint32(bits))))
	case api.ValueTypeI64:
		w.Byte(opI64Const)
		w.WriteS64(int64(bits))
	case api.ValueTypeF32:
		w.Byte(opF32Const)
		w.WriteU32LE(uint32(bits))
	case api.ValueTypeF64:
		w.Byte(opF64Const)
		w.WriteU32LE(uint32(bits))
		w.WriteU32LE(uint32(bits >> 32))
	}
	w.Byte(opEnd)
}
