package runtime

import (
	"context"
	"weak"

	"github.com/wippyai/wasm-vm/async"
)

// Env is the environment of one host function import in one instance.
// Siblings created by Duplicate get fresh environments.
type Env struct {
	inst   weak.Pointer[Instance]
	state  any
	module string
	name   string
}

// binding pairs a resolved host function with its environment.
type binding struct {
	fn  *HostFunction
	env *Env
}

// Instance returns the owning instance, or nil once it was collected.
func (e *Env) Instance() *Instance {
	return e.inst.Value()
}

// State returns the value built by the function's WithState option.
func (e *Env) State() any {
	return e.state
}

// Module returns the import namespace.
func (e *Env) Module() string {
	return e.module
}

// Name returns the import name.
func (e *Env) Name() string {
	return e.name
}

// Memory returns the instance's linear memory. It is nil while the start
// function runs and for modules without memory.
func (e *Env) Memory() *Memory {
	inst := e.Instance()
	if inst == nil || inst.mod == nil {
		return nil
	}
	mem := inst.mod.Memory()
	if !isValidMemory(mem) {
		return nil
	}
	return &Memory{mem: mem, inst: inst}
}

// Yielder returns the yielder of the call ctx belongs to. It is only
// present for calls running on a dedicated stack.
func (e *Env) Yielder(ctx context.Context) (*async.Yielder, bool) {
	return async.YielderFrom(ctx)
}
