package runtime

import (
	"context"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-vm/async"
	"github.com/wippyai/wasm-vm/trap"
)

// heldLocks records the instances whose shared lock a task holds, so a
// suspension can release them and a resume take them back. It is only
// touched from the task's own stack.
type heldLocks struct {
	insts []*Instance
}

type heldKey struct{}

func heldFrom(ctx context.Context) *heldLocks {
	h, _ := ctx.Value(heldKey{}).(*heldLocks)
	return h
}

func (h *heldLocks) push(inst *Instance) {
	if h != nil {
		h.insts = append(h.insts, inst)
	}
}

func (h *heldLocks) pop() {
	if h != nil && len(h.insts) > 0 {
		h.insts = h.insts[:len(h.insts)-1]
	}
}

func (h *heldLocks) release() {
	for i := len(h.insts) - 1; i >= 0; i-- {
		h.insts[i].mu.RUnlock()
	}
}

// reacquire takes the locks back. A duplicate may have snapshotted the
// instances meanwhile, and the resumed call writes past that snapshot.
func (h *heldLocks) reacquire() {
	for _, inst := range h.insts {
		inst.mu.RLock()
		inst.markDiverged()
	}
}

// NewTask prepares a call of the named export on stack. The call may
// suspend through the yielder its host functions find in their context;
// while suspended it holds no instance lock. A duplicate taken while it is
// parked does not see what the call writes after resuming, but the next
// one does.
func (inst *Instance) NewTask(name string, stack *async.Stack, params ...uint64) *async.Task {
	held := &heldLocks{}
	return async.NewTask(stack, func(ctx context.Context) ([]uint64, error) {
		return inst.call(context.WithValue(ctx, heldKey{}, held), name, params)
	},
		async.Hook{Suspend: held.release, Resume: held.reacquire},
		async.Hook{Suspend: inst.module.rt.metrics.Suspended},
	)
}

// CallWithStack runs the named export on stack, executing every operation
// the call suspends on, and returns the stack for reuse whatever the
// outcome. If ctx ends while the call is parked, the call is abandoned in
// the background and the stack stays busy until it unwinds.
func (inst *Instance) CallWithStack(ctx context.Context, name string, stack *async.Stack, params ...uint64) ([]uint64, *async.Stack, error) {
	task := inst.NewTask(name, stack, params...)
	results, err := task.Run(ctx)
	if err != nil && !task.Done() {
		go func() {
			if aerr := task.Abandon(context.WithoutCancel(ctx)); aerr != nil {
				Logger().Debug("abandoned call", zap.String("instance", inst.name),
					zap.String("function", name), zap.Error(aerr))
			}
		}()
	}
	return results, stack, err
}

// AsyncHostFunc adapts an operation factory to a host function. The call
// suspends on the operation when it runs on a dedicated stack and executes
// it inline otherwise; the value lands in stack[0]. A failed operation
// traps the call.
func AsyncHostFunc(createOp func(ctx context.Context, env *Env, stack []uint64) async.PendingOp) HostFunc {
	return func(ctx context.Context, env *Env, stack []uint64) {
		op := createOp(ctx, env, stack)
		if op == nil {
			return
		}

		var (
			v   uint64
			err error
		)
		if y, ok := env.Yielder(ctx); ok {
			v, err = y.Suspend(op)
		} else {
			v, err = op.Execute(ctx)
		}
		if err != nil {
			trap.RaiseUserTrap(ctx, err)
		}
		if len(stack) > 0 {
			stack[0] = v
		}
	}
}
