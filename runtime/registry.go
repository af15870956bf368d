package runtime

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-vm/trap"
)

var instanceCounter atomic.Uint64
var instanceRegistry sync.Map // map[uint64]*Instance

// instanceName is the wazero module name of an instance. The id suffix lets
// trampolines find the instance from the calling module.
func instanceName(base string, id uint64) string {
	return fmt.Sprintf("%s#%d", base, id)
}

// extractInstanceID parses the instance ID suffix from a module name.
func extractInstanceID(moduleName string) (uint64, bool) {
	for i := len(moduleName) - 1; i >= 0; i-- {
		if moduleName[i] == '#' {
			id, err := strconv.ParseUint(moduleName[i+1:], 10, 64)
			return id, err == nil
		}
	}
	return 0, false
}

// lookupInstanceFromCaller finds the Instance owning the caller module.
func lookupInstanceFromCaller(caller api.Module) *Instance {
	if caller == nil {
		return nil
	}
	id, ok := extractInstanceID(caller.Name())
	if !ok {
		return nil
	}
	if inst, ok := instanceRegistry.Load(id); ok {
		return inst.(*Instance)
	}
	return nil
}

func register(inst *Instance) {
	instanceRegistry.Store(inst.id, inst)
}

func unregister(id uint64) {
	instanceRegistry.Delete(id)
}

// LiveInstances returns the number of registered instances, including
// instances still being created.
func LiveInstances() int {
	n := 0
	instanceRegistry.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// dispatcher routes trampoline calls to the binding of the calling instance.
type dispatcher struct{}

func (dispatcher) Dispatch(ctx context.Context, caller api.Module, slot int, stack []uint64) {
	inst := lookupInstanceFromCaller(caller)
	if inst == nil {
		trap.RaiseUserTrap(ctx, fmt.Errorf("no instance registered for import slot %d", slot))
	}
	b := inst.bindings[slot]
	b.fn.fn(ctx, b.env, stack)
}
