package async

import (
	"sync"
	"sync/atomic"
)

var stackIDs atomic.Uint64

// Stack is a dedicated execution stack: a parked worker goroutine that runs
// one task at a time and can be reused once the task completes.
type Stack struct {
	jobs   chan func()
	done   chan struct{}
	id     uint64
	mu     sync.Mutex
	busy   atomic.Bool
	closed bool
}

// NewStack starts a worker goroutine.
func NewStack() *Stack {
	s := &Stack{
		id:   stackIDs.Add(1),
		jobs: make(chan func()),
		done: make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *Stack) loop() {
	defer close(s.done)
	for job := range s.jobs {
		job()
	}
}

// ID identifies the stack in logs.
func (s *Stack) ID() uint64 {
	return s.id
}

// Busy reports whether a task currently owns the stack, including a task
// parked in Suspend.
func (s *Stack) Busy() bool {
	return s.busy.Load()
}

func (s *Stack) submit(job func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStackClosed
	}
	if !s.busy.CompareAndSwap(false, true) {
		return ErrStackBusy
	}
	s.jobs <- job
	return nil
}

// idle is called by the running job right before it reports completion.
func (s *Stack) idle() {
	s.busy.Store(false)
}

// Close retires the worker. An idle worker exits before Close returns; a
// worker owned by a parked task exits once that task finishes.
func (s *Stack) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStackClosed
	}
	s.closed = true
	close(s.jobs)
	busy := s.busy.Load()
	s.mu.Unlock()

	if !busy {
		<-s.done
	} else {
		debugf("stack %d closed while owned by a task", s.id)
	}
	return nil
}
