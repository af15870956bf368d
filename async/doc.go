// Package async lets host functions suspend an in-flight call and resume it
// later without blocking the goroutine that drives it.
//
// A call runs as a Task on a dedicated Stack, a reusable worker goroutine.
// Before the call starts, the task installs a Yielder in the call's context;
// host functions reach it with YielderFrom and park the call by handing a
// PendingOp to Suspend. The driver advances the task with Step, in the same
// shape as a step-based scheduler:
//
//	task := async.NewTask(stack, call)
//	res, err := task.Step(ctx, nil)
//	for err == nil && res.Status == async.StepContinue {
//		v, opErr := res.PendingOp.Execute(ctx)
//		res, err = task.Step(ctx, &async.YieldResult{Value: v, Error: opErr})
//	}
//
// The task's trap handler stack is detached while the call is parked and
// reinstated when it resumes, together with any Hook the caller registered.
package async
