package async

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-vm/trap"
)

// PendingOp is the value a suspended call hands to its driver. The driver
// either executes it or resolves it some other way, then resumes the task
// with the outcome.
type PendingOp interface {
	Execute(ctx context.Context) (uint64, error)
}

// PendingFunc adapts a function to PendingOp.
type PendingFunc func(ctx context.Context) (uint64, error)

func (f PendingFunc) Execute(ctx context.Context) (uint64, error) {
	return f(ctx)
}

type StepStatus int

const (
	StepContinue StepStatus = iota // yielded an operation, expects resume
	StepDone                       // execution complete
)

type StepResult struct {
	PendingOp PendingOp
	Error     error
	ErrorKind ErrorKind
	Results   []uint64
	Status    StepStatus
}

type YieldResult struct {
	Error error
	Value uint64
}

// Func is the body of a task. It runs on the task's stack with a context
// carrying the task's Yielder and trap handler stack.
type Func func(ctx context.Context) ([]uint64, error)

// Hook brackets every suspension of a task. Suspend runs on the task's
// stack right before it parks, Resume right after it is resumed. Hooks run
// in registration order on suspend and in reverse order on resume.
type Hook struct {
	Suspend func()
	Resume  func()
}

type taskState int

const (
	taskCreated taskState = iota
	taskRunning
	taskSuspended
	taskDone
)

type event struct {
	pending PendingOp
	err     error
	results []uint64
	done    bool
}

// Task is one call executing on a dedicated stack.
type Task struct {
	pending PendingOp
	err     error
	stack   *Stack
	fn      Func
	yielder *Yielder
	traps   *trap.Stack
	events  chan event
	resume  chan YieldResult
	hooks   []Hook
	results []uint64
	cycles  int
	mu      sync.Mutex
	state   taskState
}

// NewTask prepares fn to run on stack. Nothing runs until the first Step.
func NewTask(stack *Stack, fn Func, hooks ...Hook) *Task {
	t := &Task{
		stack:  stack,
		fn:     fn,
		hooks:  hooks,
		traps:  trap.NewStack(),
		events: make(chan event, 1),
		resume: make(chan YieldResult, 1),
	}
	t.yielder = &Yielder{task: t}
	return t
}

// Stack returns the stack the task runs on.
func (t *Task) Stack() *Stack {
	return t.stack
}

// TrapStack returns the task's handler stack. It is empty while the task is
// parked.
func (t *Task) TrapStack() *trap.Stack {
	return t.traps
}

// Suspensions returns how many times the task has parked.
func (t *Task) Suspensions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cycles
}

// Done reports whether the task completed.
func (t *Task) Done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == taskDone
}

// Step advances the task. Pass nil to start it, or the outcome of the
// pending operation to resume it. The context of the first Step is the
// context of the call; later contexts only bound the wait.
//
// If ctx ends while the task is running, Step returns ctx.Err() and the task
// keeps running; call Step with a nil result to keep waiting.
func (t *Task) Step(ctx context.Context, yr *YieldResult) (StepResult, error) {
	if err := ctx.Err(); err != nil {
		return StepResult{Error: err, ErrorKind: ClassifyError(err)}, err
	}

	t.mu.Lock()
	switch t.state {
	case taskCreated:
		if yr != nil {
			t.mu.Unlock()
			return invalid(ErrNotSuspended)
		}
		t.state = taskRunning
		t.mu.Unlock()
		if err := t.stack.submit(func() { t.run(ctx) }); err != nil {
			t.mu.Lock()
			t.state = taskCreated
			t.mu.Unlock()
			return invalid(err)
		}
	case taskSuspended:
		if yr == nil {
			t.mu.Unlock()
			return invalid(fmt.Errorf("%w: resume needs a yield result", ErrNotSuspended))
		}
		t.state = taskRunning
		t.pending = nil
		t.mu.Unlock()
		t.resume <- *yr
	case taskRunning:
		t.mu.Unlock()
		if yr != nil {
			return invalid(ErrNotSuspended)
		}
	default:
		t.mu.Unlock()
		return invalid(ErrTaskDone)
	}

	select {
	case ev := <-t.events:
		return t.handle(ev)
	case <-ctx.Done():
		err := ctx.Err()
		return StepResult{Error: err, ErrorKind: ClassifyError(err)}, err
	}
}

func invalid(err error) (StepResult, error) {
	return StepResult{Error: err, ErrorKind: KindInvalid}, err
}

func (t *Task) handle(ev event) (StepResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !ev.done {
		t.state = taskSuspended
		t.pending = ev.pending
		return StepResult{Status: StepContinue, PendingOp: ev.pending}, nil
	}

	t.state = taskDone
	t.results, t.err = ev.results, ev.err
	if ev.err != nil {
		return StepResult{Status: StepDone, Error: ev.err, ErrorKind: ClassifyError(ev.err)}, ev.err
	}
	return StepResult{Status: StepDone, Results: ev.results}, nil
}

// Run drives the task to completion, executing each pending operation
// itself.
func (t *Task) Run(ctx context.Context) ([]uint64, error) {
	var yr *YieldResult
	for {
		sr, err := t.Step(ctx, yr)
		if err != nil {
			return nil, err
		}

		switch sr.Status {
		case StepDone:
			return sr.Results, nil
		case StepContinue:
			val, opErr := sr.PendingOp.Execute(ctx)
			yr = &YieldResult{Value: val, Error: opErr}
		}
	}
}

// Abandon resumes a parked task with ErrAbandoned until it completes, so
// its stack is released. It returns the task's final error.
func (t *Task) Abandon(ctx context.Context) error {
	t.mu.Lock()
	var yr *YieldResult
	switch t.state {
	case taskCreated:
		t.state = taskDone
		t.mu.Unlock()
		return nil
	case taskDone:
		t.mu.Unlock()
		return nil
	case taskSuspended:
		yr = &YieldResult{Error: ErrAbandoned}
	}
	t.mu.Unlock()

	for {
		sr, err := t.Step(ctx, yr)
		if sr.Status == StepDone || err != nil {
			return err
		}
		yr = &YieldResult{Error: ErrAbandoned}
	}
}

func (t *Task) run(ctx context.Context) {
	ctx = WithYielder(trap.WithStack(ctx, t.traps), t.yielder)

	var (
		results []uint64
		err     error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("async: task panicked: %v", r)
				Logger().Error("task panicked", zap.Uint64("stack", t.stack.id), zap.Any("panic", r))
			}
		}()
		results, err = t.fn(ctx)
	}()

	t.yielder.expired.Store(true)
	t.stack.idle()
	t.events <- event{done: true, results: results, err: err}
}

// suspend parks the task until the driver resumes it.
func (t *Task) suspend(op PendingOp) (uint64, error) {
	t.mu.Lock()
	running := t.state == taskRunning
	t.mu.Unlock()
	if !running {
		return 0, ErrYielderExpired
	}

	for _, h := range t.hooks {
		if h.Suspend != nil {
			h.Suspend()
		}
	}
	snap := t.traps.Snapshot()

	t.mu.Lock()
	t.cycles++
	t.mu.Unlock()
	t.events <- event{pending: op}
	yr := <-t.resume

	t.traps.Restore(snap)
	for i := len(t.hooks) - 1; i >= 0; i-- {
		if h := t.hooks[i]; h.Resume != nil {
			h.Resume()
		}
	}
	return yr.Value, yr.Error
}

// Yielder is the handle a host function uses to suspend the call it runs
// in. It is valid only on its task's stack while the task runs; afterwards
// Suspend fails with ErrYielderExpired.
type Yielder struct {
	task    *Task
	expired atomic.Bool
}

// Suspend parks the call, handing op to the driver, and returns the value
// or error the driver resumes it with.
func (y *Yielder) Suspend(op PendingOp) (uint64, error) {
	if y == nil || y.expired.Load() {
		return 0, ErrYielderExpired
	}
	return y.task.suspend(op)
}

// Await suspends with fn as the pending operation.
func (y *Yielder) Await(fn func(ctx context.Context) (uint64, error)) (uint64, error) {
	return y.Suspend(PendingFunc(fn))
}

type ctxKeyYielder struct{}

// WithYielder returns a context carrying y.
func WithYielder(ctx context.Context, y *Yielder) context.Context {
	return context.WithValue(ctx, ctxKeyYielder{}, y)
}

// YielderFrom returns the yielder of the task ctx belongs to.
func YielderFrom(ctx context.Context) (*Yielder, bool) {
	y, ok := ctx.Value(ctxKeyYielder{}).(*Yielder)
	return y, ok && y != nil
}
