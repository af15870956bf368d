package async

import (
	"context"
	"errors"

	"github.com/wippyai/wasm-vm/trap"
)

var (
	ErrStackBusy      = errors.New("async: stack is running another task")
	ErrStackClosed    = errors.New("async: stack is closed")
	ErrNotSuspended   = errors.New("async: task is not suspended")
	ErrTaskDone       = errors.New("async: task already completed")
	ErrYielderExpired = errors.New("async: yielder used outside its running task")
	ErrAbandoned      = errors.New("async: task abandoned by its driver")
)

// ErrorKind categorizes errors for integration with external error handling.
type ErrorKind string

const (
	KindUnknown  ErrorKind = "Unknown"
	KindCanceled ErrorKind = "Canceled"
	KindTimeout  ErrorKind = "Timeout"
	KindInternal ErrorKind = "Internal"
	KindInvalid  ErrorKind = "Invalid"
	KindTrap     ErrorKind = "Trap"
)

func ClassifyError(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, ErrNotSuspended) || errors.Is(err, ErrTaskDone) || errors.Is(err, ErrStackBusy) || errors.Is(err, ErrStackClosed) {
		return KindInvalid
	}
	if _, ok := trap.CodeOf(err); ok {
		return KindTrap
	}
	return KindUnknown
}
