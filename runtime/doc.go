// Package runtime creates, duplicates and runs WebAssembly instances.
//
// # Quick Start
//
//	ctx := context.Background()
//	rt, err := runtime.New(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	mod, err := rt.Compile(ctx, "app", wasmBytes)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	imports := runtime.Imports{}.Define("env", "get", runtime.NewHostFunction(
//	    func(ctx context.Context, env *runtime.Env, stack []uint64) { stack[0] = 42 },
//	    nil, []api.ValueType{api.ValueTypeI32}))
//
//	inst, err := runtime.Create(ctx, mod, imports)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer inst.Close(ctx)
//
//	res, err := inst.Call(ctx, "run")
//
// # Imports
//
// Every function import of a module is compiled to a trampoline that routes
// the call to the binding of the calling instance. Bindings are resolved per
// instance, so siblings created with Duplicate may bind the same module to
// entirely different host functions:
//
//	sibling, err := inst.Duplicate(ctx, otherImports)
//
// Resolution failures are reported together as a Link error:
//
//	if errors.Is(err, errors.ErrLink) {
//	    var missing *errors.MissingImportsError
//	    ...
//	}
//
// # Memory
//
// Linear memory lives in an mmap region reserved up front. With the zygote
// tunable set, the region is backed by a shareable descriptor and Duplicate
// gives the sibling a copy-on-write view of it. Otherwise the memory is
// copied.
//
// # Suspending Calls
//
// CallWithStack runs a call on a dedicated stack. A host function can park
// the call with the yielder found in its context, and the driver resumes it
// once the pending operation completes:
//
//	func fetch(ctx context.Context, env *runtime.Env, stack []uint64) {
//	    y, _ := env.Yielder(ctx)
//	    v, err := y.Await(func(ctx context.Context) (uint64, error) { ... })
//	    ...
//	}
//
// # Thread Safety
//
// Module is immutable and safe for concurrent use. Instance calls take a
// shared lock; Duplicate takes it exclusively while it snapshots memory.
// A call parked in a yielder releases its shared lock until it is resumed.
package runtime
