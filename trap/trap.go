package trap

import (
	"fmt"
	"strings"
)

// Code classifies a trap.
type Code int

const (
	User Code = iota
	OutOfBoundsMemoryAccess
	OutOfBoundsTableAccess
	IndirectCallTypeMismatch
	IntegerOverflow
	IntegerDivisionByZero
	UnreachableReached
	StackOverflow
	UninitializedElement
	BadConversionToInteger
	UnalignedAtomic
)

var codeNames = [...]string{
	User:                     "User",
	OutOfBoundsMemoryAccess:  "OutOfBoundsMemoryAccess",
	OutOfBoundsTableAccess:   "OutOfBoundsTableAccess",
	IndirectCallTypeMismatch: "IndirectCallTypeMismatch",
	IntegerOverflow:          "IntegerOverflow",
	IntegerDivisionByZero:    "IntegerDivisionByZero",
	UnreachableReached:       "UnreachableReached",
	StackOverflow:            "StackOverflow",
	UninitializedElement:     "UninitializedElement",
	BadConversionToInteger:   "BadConversionToInteger",
	UnalignedAtomic:          "UnalignedAtomic",
}

// engineMessages maps the engine's trap messages to codes.
var engineMessages = map[string]Code{
	"out of bounds memory access":   OutOfBoundsMemoryAccess,
	"invalid table access":          OutOfBoundsTableAccess,
	"indirect call type mismatch":   IndirectCallTypeMismatch,
	"integer overflow":              IntegerOverflow,
	"integer divide by zero":        IntegerDivisionByZero,
	"unreachable":                   UnreachableReached,
	"stack overflow":                StackOverflow,
	"uninitialized element":         UninitializedElement,
	"invalid conversion to integer": BadConversionToInteger,
	"unaligned atomic":              UnalignedAtomic,
}

func (c Code) String() string {
	if c >= 0 && int(c) < len(codeNames) {
		return codeNames[c]
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

func (c Code) message() string {
	for msg, code := range engineMessages {
		if code == c {
			return msg
		}
	}
	return c.String()
}

// Trap describes a fault or explicit abort that terminated a call.
type Trap struct {
	Cause     error
	Message   string
	Backtrace []string
	Code      Code
}

// NewUser creates a user trap carrying msg.
func NewUser(msg string) *Trap {
	return &Trap{Code: User, Message: msg}
}

// New creates a trap for a library-defined code.
func New(code Code) *Trap {
	return &Trap{Code: code}
}

func (t *Trap) Error() string {
	var b strings.Builder
	b.WriteString("wasm trap: ")
	if t.Message != "" {
		b.WriteString(t.Message)
	} else {
		b.WriteString(t.Code.message())
	}
	for _, f := range t.Backtrace {
		b.WriteString("\n\tat ")
		b.WriteString(f)
	}
	return b.String()
}

func (t *Trap) Unwrap() error {
	return t.Cause
}

// Is matches another *Trap with the same code.
func (t *Trap) Is(target error) bool {
	o, ok := target.(*Trap)
	return ok && o.Code == t.Code
}
