package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// MinSize is the smallest pool New accepts.
const MinSize = 2

var (
	// ErrClosed indicates the pool no longer accepts work.
	ErrClosed = errors.New("worker pool is closed")
	// ErrInvalidSize is returned by New for sizes below MinSize.
	ErrInvalidSize = errors.New("worker pool size is invalid")
)

// Job evaluates one index of a batch.
type Job func(ctx context.Context, index int) error

// PanicError wraps a panic recovered from a job.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("job panic: %v", e.Value)
}

// Stats reports pool counters.
type Stats struct {
	Size      int
	Batches   int64
	Submitted int64
	Completed int64
	Panicked  int64
	InFlight  int64
}

type task struct {
	ctx   context.Context
	index int
	job   Job
	errs  []error
	wg    *sync.WaitGroup
}

// Pool is a fixed set of long-lived workers shared by successive batches.
// It is acquired once and must be closed by its owner.
type Pool struct {
	size   int
	tasks  chan task
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool

	batches   atomic.Int64
	submitted atomic.Int64
	completed atomic.Int64
	panicked  atomic.Int64
	inFlight  atomic.Int64
}

func New(size int) (*Pool, error) {
	if size < MinSize {
		return nil, fmt.Errorf("%w: %d (minimum %d)", ErrInvalidSize, size, MinSize)
	}
	p := &Pool{
		size:  size,
		tasks: make(chan task),
	}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker()
	}
	return p, nil
}

func (p *Pool) Size() int {
	return p.size
}

// Run executes job for every index in [0, n) on the pool workers and blocks
// until all of them have finished. errs[i] is the error of index i; a
// recovered panic surfaces as *PanicError. Indices not started before ctx
// is done get ctx.Err(). The returned error is non-nil only when the pool
// is closed.
func (p *Pool) Run(ctx context.Context, n int, job Job) ([]error, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrClosed
	}
	p.batches.Add(1)

	errs := make([]error, n)
	var batch sync.WaitGroup
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			errs[i] = err
			continue
		}
		batch.Add(1)
		t := task{ctx: ctx, index: i, job: job, errs: errs, wg: &batch}
		select {
		case p.tasks <- t:
			p.submitted.Add(1)
		case <-ctx.Done():
			batch.Done()
			errs[i] = ctx.Err()
		}
	}
	batch.Wait()
	return errs, nil
}

// Close stops the workers after in-flight batches finish. It is safe to
// call more than once.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()
	p.wg.Wait()
	return nil
}

func (p *Pool) Stats() Stats {
	return Stats{
		Size:      p.size,
		Batches:   p.batches.Load(),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Panicked:  p.panicked.Load(),
		InFlight:  p.inFlight.Load(),
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for t := range p.tasks {
		p.inFlight.Add(1)
		t.errs[t.index] = p.execute(t)
		p.inFlight.Add(-1)
		p.completed.Add(1)
		t.wg.Done()
	}
}

func (p *Pool) execute(t task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	if err := t.ctx.Err(); err != nil {
		return err
	}
	return t.job(t.ctx, t.index)
}
