// Package wasmvm is the instance lifecycle and execution core of a
// WebAssembly virtual machine built on wazero.
//
// # Architecture Overview
//
//	wasmvm/              Root package with the Memory interface
//	├── runtime/         Instances: create, duplicate, call, call on a stack
//	├── engine/          Compiled modules, import trampolines, engine selection
//	├── mmap/            Virtual memory regions with copy-on-write duplication
//	├── trap/            Call boundaries, trap codes, handler stack snapshots
//	├── async/           Dedicated stacks, suspendable tasks, yielders
//	├── config/          Tunables loaded from YAML
//	├── metrics/         Prometheus collectors
//	└── errors/          Structured error types
//
// # Quick Start
//
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
//	imports := runtime.Imports{}.Define("env", "get",
//	    runtime.NewHostFunction(get, nil, []api.ValueType{api.ValueTypeI32}))
//
//	inst, err := runtime.Create(ctx, mod, imports)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer inst.Close(ctx)
//
//	res, err := inst.Call(ctx, "run")
//
// # Duplication
//
// An instance whose memory lives in a zygote region can be duplicated into
// a sibling bound to different imports. Both share physical pages until
// either writes, after which the kernel gives each a private copy:
//
//	sibling, err := inst.Duplicate(ctx, otherImports)
//
// # Suspending Calls
//
// A call made with CallWithStack runs on a dedicated stack. Host functions
// reach the call's yielder through their environment and may park the call
// until the driver resumes it:
//
//	y, _ := env.Yielder(ctx)
//	v, err := y.Await(fetch)
package wasmvm
