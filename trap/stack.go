package trap

import (
	"context"
	"sync"
)

// Frame is one installed call boundary.
type Frame struct {
	Name string
}

// Stack is the handler stack of one chain of nested calls. It is carried in
// the call's context and never shared between concurrently running calls.
type Stack struct {
	mu     sync.Mutex
	frames []Frame
}

// NewStack returns an empty handler stack.
func NewStack() *Stack {
	return &Stack{}
}

// Depth returns the number of installed boundaries.
func (s *Stack) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// Frames returns a copy of the installed boundaries, innermost last.
func (s *Stack) Frames() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Frame(nil), s.frames...)
}

func (s *Stack) push(f Frame) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return len(s.frames) - 1
}

// popTo unwinds to depth, discarding any frames a fault skipped over.
func (s *Stack) popTo(depth int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if depth < len(s.frames) {
		clear(s.frames[depth:])
		s.frames = s.frames[:depth]
	}
}

// Snapshot is a detached copy of a handler stack.
type Snapshot struct {
	frames []Frame
	taken  bool
}

// Depth returns the number of boundaries held by the snapshot.
func (s Snapshot) Depth() int {
	return len(s.frames)
}

// Snapshot detaches every frame, leaving the stack empty until Restore.
func (s *Stack) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{frames: s.frames, taken: true}
	s.frames = nil
	return snap
}

// Restore reinstates a snapshot. The stack must be empty: anything else
// means a boundary was installed while the snapshot was detached.
func (s *Stack) Restore(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !snap.taken {
		panic("trap: restore of a snapshot that was never taken")
	}
	if len(s.frames) != 0 {
		panic("trap: restore onto a non-empty handler stack")
	}
	s.frames = snap.frames
}

type ctxKeyStack struct{}

// WithStack returns a context carrying s.
func WithStack(ctx context.Context, s *Stack) context.Context {
	return context.WithValue(ctx, ctxKeyStack{}, s)
}

// StackFrom returns the handler stack carried by ctx, or nil.
func StackFrom(ctx context.Context) *Stack {
	s, _ := ctx.Value(ctxKeyStack{}).(*Stack)
	return s
}

// Installed reports whether ctx is beneath at least one call boundary.
func Installed(ctx context.Context) bool {
	s := StackFrom(ctx)
	return s != nil && s.Depth() > 0
}
