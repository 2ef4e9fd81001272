// Package async provides bounded worker pool utilities.
package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/coachpo/stratum/errs"
)

// Task represents a unit of work executed by the pool workers.
type Task func(context.Context) error

// Pool defines a bounded worker pool enforcing backpressure when saturated.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan job
	wg     sync.WaitGroup
	once   sync.Once

	errMu sync.Mutex
	errs  []error
}

type job struct {
	ctx context.Context
	fn  Task
}

// NewPool creates a worker pool with the given concurrency and queue depth.
func NewPool(workers, queue int) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("workers must be >0"))
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := new(Pool)
	p.ctx = ctx
	p.cancel = cancel
	p.jobs = make(chan job, queue)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p, nil
}

// TrySubmit schedules the task without waiting; it fails when the queue is full.
func (p *Pool) TrySubmit(ctx context.Context, fn Task) error {
	return p.submit(ctx, fn, false)
}

// Submit schedules the task, waiting for queue space until ctx is done.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	return p.submit(ctx, fn, true)
}

func (p *Pool) submit(ctx context.Context, fn Task, wait bool) error {
	if fn == nil {
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if p.ctx.Err() != nil {
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool closed"))
	}
	p.wg.Add(1)
	if !wait {
		select {
		case p.jobs <- job{ctx: ctx, fn: fn}:
			return nil
		default:
			p.wg.Done()
			return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool at capacity"))
		}
	}
	select {
	case <-p.ctx.Done():
		p.wg.Done()
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool closed"))
	case <-ctx.Done():
		p.wg.Done()
		return fmt.Errorf("submit context: %w", ctx.Err())
	case p.jobs <- job{ctx: ctx, fn: fn}:
		return nil
	}
}

// Wait blocks until every submitted task has finished and returns their errors.
func (p *Pool) Wait() []error {
	p.wg.Wait()
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return append([]error(nil), p.errs...)
}

// Close stops workers once queued tasks drain. Tasks submitted after Close are rejected.
func (p *Pool) Close() {
	p.once.Do(func() {
		p.wg.Wait()
		p.cancel()
	})
}

// Shutdown waits for in-flight tasks to complete or until the context expires.
func (p *Pool) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	case <-done:
		return nil
	}
}

func (p *Pool) worker() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case job := <-p.jobs:
			p.run(job)
		}
	}
}

func (p *Pool) run(j job) {
	defer p.wg.Done()
	ctx := j.ctx
	if ctx == nil {
		ctx = p.ctx
	}
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task panic: %v", r)
			}
		}()
		err = j.fn(ctx)
	}()
	if err != nil {
		p.errMu.Lock()
		p.errs = append(p.errs, err)
		p.errMu.Unlock()
	}
}
