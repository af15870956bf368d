// Package trap turns faults and explicit aborts raised during a call into
// exported WebAssembly code into typed *Trap errors.
//
// Every call boundary pushes a frame on a handler Stack carried by the call's
// context. CatchTraps installs the boundary, recovers faults raised beneath
// it, classifies engine errors, and pops the frame on every exit path so the
// stack stays consistent for the next call:
//
//	n, err := trap.CatchTraps(ctx, func(ctx context.Context) (uint64, error) {
//		return call(ctx)
//	})
//	var t *trap.Trap
//	if errors.As(err, &t) && t.Code == trap.OutOfBoundsMemoryAccess { ... }
//
// Host functions abort the running call with RaiseUserTrap or RaiseLibTrap.
// Stack.Snapshot and Stack.Restore detach and reinstate the frames so a
// suspended call can be resumed later with its boundary intact.
package trap
