package async

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"
)

// StackPool hands out at most size stacks at a time and keeps returned
// stacks parked for reuse.
type StackPool struct {
	sem    *semaphore.Weighted
	idle   []*Stack
	mu     sync.Mutex
	closed bool
}

// NewStackPool creates a pool bounded to size outstanding stacks.
func NewStackPool(size int) *StackPool {
	if size <= 0 {
		size = 1
	}
	return &StackPool{sem: semaphore.NewWeighted(int64(size))}
}

// Acquire blocks until a stack is available or ctx is done.
func (p *StackPool) Acquire(ctx context.Context) (*Stack, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return p.take()
}

// TryAcquire returns a stack if one is available without waiting.
func (p *StackPool) TryAcquire() (*Stack, bool) {
	if !p.sem.TryAcquire(1) {
		return nil, false
	}
	s, err := p.take()
	return s, err == nil
}

func (p *StackPool) take() (*Stack, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.sem.Release(1)
		return nil, ErrStackClosed
	}
	if n := len(p.idle); n > 0 {
		s := p.idle[n-1]
		p.idle = p.idle[:n-1]
		return s, nil
	}
	return NewStack(), nil
}

// Release returns a stack to the pool. A stack still owned by a parked task
// is retired instead of reused.
func (p *StackPool) Release(s *Stack) {
	defer p.sem.Release(1)

	p.mu.Lock()
	if !p.closed && !s.Busy() {
		p.idle = append(p.idle, s)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	_ = s.Close()
}

// Idle returns the number of parked stacks ready for reuse.
func (p *StackPool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Close retires every parked stack. Stacks still checked out are retired as
// they are released.
func (p *StackPool) Close() error {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.closed = true
	p.mu.Unlock()

	var err error
	for _, s := range idle {
		err = multierr.Append(err, s.Close())
	}
	return err
}
