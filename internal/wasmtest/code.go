package wasmtest

import "github.com/wippyai/wasm-vm/internal/binary"

const (
	opUnreachable byte = 0x00
	opIf          byte = 0x04
	opElse        byte = 0x05
	opEnd         byte = 0x0B
	opCall        byte = 0x10
	opDrop        byte = 0x1A
	opLocalGet    byte = 0x20
	opGlobalGet   byte = 0x23
	opGlobalSet   byte = 0x24
	opI32Load     byte = 0x28
	opI32Store    byte = 0x36
	opI32Const    byte = 0x41
	opI64Const    byte = 0x42
	opI32Eq       byte = 0x46
	opI32Add      byte = 0x6A
	opI32Mul      byte = 0x6C
	opI32DivS     byte = 0x6D
	opMisc        byte = 0xFC

	miscMemoryInit uint32 = 0x08
)

// Code assembles a function body.
type Code struct {
	w *binary.Writer
}

// NewCode starts an empty body.
func NewCode() *Code {
	return &Code{w: binary.NewWriter()}
}

// Bytes returns the assembled instructions.
func (c *Code) Bytes() []byte {
	return c.w.Bytes()
}

func (c *Code) op(b byte) *Code {
	c.w.Byte(b)
	return c
}

func (c *Code) Unreachable() *Code { return c.op(opUnreachable) }
func (c *Code) Drop() *Code        { return c.op(opDrop) }
func (c *Code) I32Eq() *Code       { return c.op(opI32Eq) }
func (c *Code) I32Add() *Code      { return c.op(opI32Add) }
func (c *Code) I32Mul() *Code      { return c.op(opI32Mul) }
func (c *Code) I32DivS() *Code     { return c.op(opI32DivS) }
func (c *Code) Else() *Code        { return c.op(opElse) }
func (c *Code) End() *Code         { return c.op(opEnd) }

// If opens a block producing a single value of type vt.
func (c *Code) If(vt byte) *Code {
	c.w.Byte(opIf)
	c.w.Byte(vt)
	return c
}

func (c *Code) I32Const(v int32) *Code {
	c.w.Byte(opI32Const)
	c.w.WriteS64(int64(v))
	return c
}

func (c *Code) LocalGet(idx uint32) *Code {
	c.w.Byte(opLocalGet)
	c.w.WriteU32(idx)
	return c
}

func (c *Code) GlobalGet(idx uint32) *Code {
	c.w.Byte(opGlobalGet)
	c.w.WriteU32(idx)
	return c
}

func (c *Code) GlobalSet(idx uint32) *Code {
	c.w.Byte(opGlobalSet)
	c.w.WriteU32(idx)
	return c
}

func (c *Code) Call(idx uint32) *Code {
	c.w.Byte(opCall)
	c.w.WriteU32(idx)
	return c
}

// I32Load loads with natural alignment and the given static offset.
func (c *Code) I32Load(offset uint32) *Code {
	c.w.Byte(opI32Load)
	c.w.WriteU32(2)
	c.w.WriteU32(offset)
	return c
}

// I32Store stores with natural alignment and the given static offset.
func (c *Code) I32Store(offset uint32) *Code {
	c.w.Byte(opI32Store)
	c.w.WriteU32(2)
	c.w.WriteU32(offset)
	return c
}

// MemoryInit copies from passive segment seg into memory 0.
func (c *Code) MemoryInit(seg uint32) *Code {
	c.w.Byte(opMisc)
	c.w.WriteU32(miscMemoryInit)
	c.w.WriteU32(seg)
	c.w.Byte(0x00)
	return c
}
