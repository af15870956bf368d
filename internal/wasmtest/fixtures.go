package wasmtest

import "github.com/tetratelabs/wazero/api"

var (
	i32 = api.ValueTypeI32

	sigVoid    = FuncType{}
	sigToI32   = FuncType{Results: []api.ValueType{i32}}
	sigI32     = FuncType{Params: []api.ValueType{i32}}
	sigI32I32  = FuncType{Params: []api.ValueType{i32}, Results: []api.ValueType{i32}}
	sigI32x2   = FuncType{Params: []api.ValueType{i32, i32}}
	sigI32x2R  = FuncType{Params: []api.ValueType{i32, i32}, Results: []api.ValueType{i32}}
	singlePage = &Memory{Min: 1, Max: Pages(1)}
)

// Forwarder imports env.get () -> i32 and exports:
//
//	run   () -> i32           returns env.get()
//	ok    () -> i32           returns 7
//	load  (addr) -> i32
//	store (addr, value)
//	memory
func Forwarder() []byte {
	m := &Module{
		Types:   []FuncType{sigToI32, sigI32I32, sigI32x2},
		Imports: []Import{{Module: "env", Name: "get", Type: 0}},
		Funcs: []Func{
			{Type: 0, Body: NewCode().Call(0).Bytes()},
			{Type: 0, Body: NewCode().I32Const(7).Bytes()},
			{Type: 1, Body: NewCode().LocalGet(0).I32Load(0).Bytes()},
			{Type: 2, Body: NewCode().LocalGet(0).LocalGet(1).I32Store(0).Bytes()},
		},
		Memory: &Memory{Min: 1},
		Exports: []Export{
			{Name: "run", Kind: KindFunc, Index: 1},
			{Name: "ok", Kind: KindFunc, Index: 2},
			{Name: "load", Kind: KindFunc, Index: 3},
			{Name: "store", Kind: KindFunc, Index: 4},
			{Name: "memory", Kind: KindMemory, Index: 0},
		},
	}
	return m.Encode()
}

// Trapping has a single fixed page and no imports. It exports:
//
//	load        (addr) -> i32
//	div         (a, b) -> i32     signed division
//	unreachable ()
//	ok          () -> i32         returns 7
//	counter     mutable i32 global, initially 5
//	memory
func Trapping() []byte {
	m := &Module{
		Types: []FuncType{sigI32I32, sigI32x2R, sigVoid, sigToI32},
		Funcs: []Func{
			{Type: 0, Body: NewCode().LocalGet(0).I32Load(0).Bytes()},
			{Type: 1, Body: NewCode().LocalGet(0).LocalGet(1).I32DivS().Bytes()},
			{Type: 2, Body: NewCode().Unreachable().Bytes()},
			{Type: 3, Body: NewCode().I32Const(7).Bytes()},
		},
		Memory:  singlePage,
		Globals: []Global{{Type: i32, Mutable: true, Init: 5}},
		Exports: []Export{
			{Name: "load", Kind: KindFunc, Index: 0},
			{Name: "div", Kind: KindFunc, Index: 1},
			{Name: "unreachable", Kind: KindFunc, Index: 2},
			{Name: "ok", Kind: KindFunc, Index: 3},
			{Name: "counter", Kind: KindGlobal, Index: 0},
			{Name: "memory", Kind: KindMemory, Index: 0},
		},
	}
	return m.Encode()
}

// AsyncCaller imports env.my_async_fn (i32) -> i32 and exports:
//
//	call_func ()  -> i32    returns my_async_fn(3)
//	call_with (a) -> i32    returns my_async_fn(a)
//	twice     (a) -> i32    returns my_async_fn(a) + my_async_fn(a)
//	store_at  (addr)        stores my_async_fn(addr) at addr
//	load      (addr) -> i32
//	memory
func AsyncCaller() []byte {
	m := &Module{
		Types:   []FuncType{sigI32I32, sigToI32, sigI32},
		Imports: []Import{{Module: "env", Name: "my_async_fn", Type: 0}},
		Funcs: []Func{
			{Type: 1, Body: NewCode().I32Const(3).Call(0).Bytes()},
			{Type: 0, Body: NewCode().LocalGet(0).Call(0).Bytes()},
			{Type: 0, Body: NewCode().LocalGet(0).Call(0).LocalGet(0).Call(0).I32Add().Bytes()},
			{Type: 2, Body: NewCode().LocalGet(0).LocalGet(0).Call(0).I32Store(0).Bytes()},
			{Type: 0, Body: NewCode().LocalGet(0).I32Load(0).Bytes()},
		},
		Memory: &Memory{Min: 1},
		Exports: []Export{
			{Name: "call_func", Kind: KindFunc, Index: 1},
			{Name: "call_with", Kind: KindFunc, Index: 2},
			{Name: "twice", Kind: KindFunc, Index: 3},
			{Name: "store_at", Kind: KindFunc, Index: 4},
			{Name: "load", Kind: KindFunc, Index: 5},
			{Name: "memory", Kind: KindMemory, Index: 0},
		},
	}
	return m.Encode()
}

// StartTrap runs a start function that hits unreachable.
func StartTrap() []byte {
	start := uint32(0)
	m := &Module{
		Types: []FuncType{sigVoid},
		Funcs: []Func{{Type: 0, Body: NewCode().Unreachable().Bytes()}},
		Start: &start,
	}
	return m.Encode()
}

// StartCounter runs a start function that stores 1 at address 0 of its
// memory and increments the exported "starts" global.
func StartCounter() []byte {
	start := uint32(0)
	m := &Module{
		Types: []FuncType{sigVoid, sigI32I32},
		Funcs: []Func{
			{Type: 0, Body: NewCode().
				I32Const(0).I32Const(1).I32Store(0).
				GlobalGet(0).I32Const(1).I32Add().GlobalSet(0).Bytes()},
			{Type: 1, Body: NewCode().LocalGet(0).I32Load(0).Bytes()},
		},
		Memory:  &Memory{Min: 1},
		Globals: []Global{{Type: i32, Mutable: true}},
		Exports: []Export{
			{Name: "load", Kind: KindFunc, Index: 1},
			{Name: "starts", Kind: KindGlobal, Index: 0},
			{Name: "memory", Kind: KindMemory, Index: 0},
		},
		Start: &start,
	}
	return m.Encode()
}

// PassiveInit imports "".log (ptr, len) and "".host_function () -> i32, and
// carries two passive segments, "Hi" and "Goodbye". Its my_func export
// copies "Hi" to address 16 when host_function returns 0 and "Goodbye"
// otherwise, logs the copied bytes, then returns host_function().
func PassiveInit() []byte {
	body := NewCode().
		I32Const(16).
		Call(1).I32Const(0).I32Eq().
		If(i32).
		I32Const(16).I32Const(0).I32Const(2).MemoryInit(0).
		I32Const(2).
		Else().
		I32Const(16).I32Const(0).I32Const(7).MemoryInit(1).
		I32Const(7).
		End().
		Call(0).
		Call(1)

	m := &Module{
		Types: []FuncType{sigI32x2, sigToI32},
		Imports: []Import{
			{Module: "", Name: "log", Type: 0},
			{Module: "", Name: "host_function", Type: 1},
		},
		Funcs:  []Func{{Type: 1, Body: body.Bytes()}},
		Memory: &Memory{Min: 1},
		Exports: []Export{
			{Name: "my_func", Kind: KindFunc, Index: 2},
			{Name: "memory", Kind: KindMemory, Index: 0},
		},
		Data: []Data{
			{Passive: true, Init: []byte("Hi")},
			{Passive: true, Init: []byte("Goodbye")},
		},
	}
	return m.Encode()
}

// ActiveData has one page initialized with "zygote" at address 0 and
// exports load, store and memory like Forwarder, without imports.
func ActiveData() []byte {
	m := &Module{
		Types: []FuncType{sigI32I32, sigI32x2},
		Funcs: []Func{
			{Type: 0, Body: NewCode().LocalGet(0).I32Load(0).Bytes()},
			{Type: 1, Body: NewCode().LocalGet(0).LocalGet(1).I32Store(0).Bytes()},
		},
		Memory: &Memory{Min: 1},
		Exports: []Export{
			{Name: "load", Kind: KindFunc, Index: 0},
			{Name: "store", Kind: KindFunc, Index: 1},
			{Name: "memory", Kind: KindMemory, Index: 0},
		},
		Data: []Data{{Offset: 0, Init: []byte("zygote")}},
	}
	return m.Encode()
}

// MemoryImport imports env.memory with at least one page, initializes it
// with "zygote" at address 0, and exports load, store and memory like
// Forwarder.
func MemoryImport() []byte {
	m := &Module{
		Types:   []FuncType{sigI32I32, sigI32x2},
		Imports: []Import{{Module: "env", Name: "memory", Kind: KindMemory, Min: 1}},
		Funcs: []Func{
			{Type: 0, Body: NewCode().LocalGet(0).I32Load(0).Bytes()},
			{Type: 1, Body: NewCode().LocalGet(0).LocalGet(1).I32Store(0).Bytes()},
		},
		Exports: []Export{
			{Name: "load", Kind: KindFunc, Index: 0},
			{Name: "store", Kind: KindFunc, Index: 1},
			{Name: "memory", Kind: KindMemory, Index: 0},
		},
		Data: []Data{{Offset: 0, Init: []byte("zygote")}},
	}
	return m.Encode()
}

// GlobalImport imports env.base (immutable i32) and env.counter (mutable
// i32) and exports:
//
//	get_base () -> i32    returns base
//	bump     () -> i32    increments counter and returns it
func GlobalImport() []byte {
	m := &Module{
		Types: []FuncType{sigToI32},
		Imports: []Import{
			{Module: "env", Name: "base", Kind: KindGlobal, ValType: i32},
			{Module: "env", Name: "counter", Kind: KindGlobal, ValType: i32, Mutable: true},
		},
		Funcs: []Func{
			{Type: 0, Body: NewCode().GlobalGet(0).Bytes()},
			{Type: 0, Body: NewCode().GlobalGet(1).I32Const(1).I32Add().GlobalSet(1).GlobalGet(1).Bytes()},
		},
		Exports: []Export{
			{Name: "get_base", Kind: KindFunc, Index: 0},
			{Name: "bump", Kind: KindFunc, Index: 1},
		},
	}
	return m.Encode()
}

// TableImport imports env.table, a funcref table of at least two elements,
// next to env.get () -> i32, and re-exports the table as "table".
func TableImport() []byte {
	m := &Module{
		Types: []FuncType{sigToI32},
		Imports: []Import{
			{Module: "env", Name: "get", Type: 0},
			{Module: "env", Name: "table", Kind: KindTable, Min: 2},
		},
		Funcs: []Func{{Type: 0, Body: NewCode().Call(0).Bytes()}},
		Exports: []Export{
			{Name: "run", Kind: KindFunc, Index: 1},
			{Name: "table", Kind: KindTable, Index: 0},
		},
	}
	return m.Encode()
}
