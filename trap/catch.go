package trap

import (
	"context"
	"errors"
	"runtime"
	rdebug "runtime/debug"
	"strings"

	"go.uber.org/zap"
)

// CatchTraps runs body beneath a new call boundary. Traps raised by body,
// engine trap errors it returns, and memory faults it triggers all come back
// as a *Trap error. Other errors pass through untouched, as do panics that
// are not faults.
//
// If ctx carries no handler stack a fresh one is attached for the duration
// of the call.
func CatchTraps[T any](ctx context.Context, body func(ctx context.Context) (T, error)) (result T, err error) {
	return catch(ctx, Frame{}, body)
}

// CatchNamed is CatchTraps with a frame naming the boundary.
func CatchNamed[T any](ctx context.Context, name string, body func(ctx context.Context) (T, error)) (T, error) {
	return catch(ctx, Frame{Name: name}, body)
}

func catch[T any](ctx context.Context, f Frame, body func(ctx context.Context) (T, error)) (result T, err error) {
	s := StackFrom(ctx)
	if s == nil {
		s = NewStack()
		ctx = WithStack(ctx, s)
	}

	depth := s.push(f)
	prev := rdebug.SetPanicOnFault(true)
	defer func() {
		rdebug.SetPanicOnFault(prev)
		r := recover()
		s.popTo(depth)
		if r == nil {
			return
		}
		t, ok := fromPanic(r)
		if !ok {
			panic(r)
		}
		debugf("call boundary %q caught %s", f.Name, t.Code)
		var zero T
		result, err = zero, t
	}()

	result, err = body(ctx)
	if err != nil {
		if t, ok := Classify(err); ok {
			err = t
		}
	}
	return result, err
}

// RaiseUserTrap aborts the in-progress call with a user trap wrapping err.
// It never returns. Raising with no boundary installed terminates the
// process.
func RaiseUserTrap(ctx context.Context, err error) {
	requireBoundary(ctx)
	panic(&Trap{Code: User, Message: err.Error(), Cause: err})
}

// RaiseLibTrap aborts the in-progress call with a library trap.
func RaiseLibTrap(ctx context.Context, code Code) {
	requireBoundary(ctx)
	panic(New(code))
}

func requireBoundary(ctx context.Context) {
	if !Installed(ctx) {
		Logger().Fatal("trap raised outside of any call boundary", zap.Stack("stack"))
	}
}

func fromPanic(r any) (*Trap, bool) {
	switch v := r.(type) {
	case *Trap:
		return v, true
	case runtime.Error:
		return fromRuntimeError(v, v)
	case error:
		return Classify(v)
	}
	return nil, false
}

// Classify converts err into a *Trap when it describes one: a trap raised
// by a host function, an engine trap, or a memory fault.
func Classify(err error) (*Trap, bool) {
	if err == nil {
		return nil, false
	}
	msg := err.Error()

	var t *Trap
	if errors.As(err, &t) {
		if t.Backtrace != nil {
			return t, true
		}
		cp := *t
		cp.Backtrace = parseBacktrace(msg)
		return &cp, true
	}

	var re runtime.Error
	if errors.As(err, &re) {
		if t, ok := fromRuntimeError(re, err); ok {
			t.Backtrace = parseBacktrace(msg)
			return t, true
		}
		return nil, false
	}

	if code, ok := codeFromMessage(msg); ok {
		return &Trap{Code: code, Backtrace: parseBacktrace(msg), Cause: err}, true
	}
	return nil, false
}

// CodeOf returns the trap code carried by err.
func CodeOf(err error) (Code, bool) {
	t, ok := Classify(err)
	if !ok {
		return 0, false
	}
	return t.Code, true
}

// faultError is implemented by the runtime's memory fault panics.
type faultError interface {
	runtime.Error
	Addr() uintptr
}

func fromRuntimeError(re runtime.Error, cause error) (*Trap, bool) {
	var fe faultError
	if errors.As(re, &fe) {
		return &Trap{Code: OutOfBoundsMemoryAccess, Message: fe.Error(), Cause: cause}, true
	}
	if strings.Contains(re.Error(), "integer divide by zero") {
		return &Trap{Code: IntegerDivisionByZero, Cause: cause}, true
	}
	return nil, false
}

const (
	engineErrorPrefix = "wasm error: "
	stackTraceHeader  = "wasm stack trace:"
)

func codeFromMessage(msg string) (Code, bool) {
	if i := strings.Index(msg, engineErrorPrefix); i >= 0 {
		line := firstLine(msg[i+len(engineErrorPrefix):])
		code, ok := engineMessages[line]
		return code, ok
	}
	// Initialization errors carry the message after a location prefix,
	// e.g. "data[0]: out of bounds memory access".
	line := firstLine(msg)
	if i := strings.LastIndex(line, ": "); i >= 0 {
		line = line[i+2:]
	}
	code, ok := engineMessages[line]
	return code, ok
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func parseBacktrace(msg string) []string {
	i := strings.Index(msg, stackTraceHeader)
	if i < 0 {
		return nil
	}
	var frames []string
	for _, line := range strings.Split(msg[i+len(stackTraceHeader):], "\n") {
		if line == "" {
			if len(frames) > 0 {
				break
			}
			continue
		}
		if !strings.HasPrefix(line, "\t") {
			break
		}
		frames = append(frames, strings.TrimPrefix(line, "\t"))
	}
	return frames
}
