// Package engine compiles core WebAssembly modules on wazero.
//
// An Engine holds the settings shared by every module: engine kind,
// compilation cache and memory limit. Each compiled Module gets a private
// wazero runtime holding its import trampolines and every instance created
// from it, so instance names never collide across modules.
//
// # Import Trampolines
//
// A Module does not bind imports at compile time. Every function import is
// compiled to a host function that forwards to a Dispatcher with the calling
// module and the import's slot:
//
//	env.get  ──►  trampoline(slot 0)  ──►  Dispatcher.Dispatch(ctx, caller, 0, stack)
//
// The dispatcher picks the binding of the calling instance, which lets
// siblings of one module run against different host functions without
// recompiling.
//
// # Engine Kind
//
//	KindAuto         compiler when the host supports it, interpreter otherwise
//	KindCompiler     ahead-of-time native code, amd64 (SSE4.1) and arm64
//	KindInterpreter  portable
//
// CheckCPUFeatures reports a host that cannot run compiled code.
package engine
