package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rendis/nodeflow/pkg/schema"
)

// PoolMetrics tracks dispatch pool operational metrics.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("dispatch pool is shut down")

// Task is one unit of work run by the pool, typically a single node invocation.
type Task func(ctx context.Context) error

// DispatchPool bounds the number of node invocations running at once across
// all executions sharing it.
type DispatchPool struct {
	sem     chan struct{}
	wg      sync.WaitGroup
	metrics PoolMetrics
	mu      sync.Mutex
	done    chan struct{}
	closed  bool
}

// NewDispatchPool creates a pool with the given max concurrency.
func NewDispatchPool(size int) *DispatchPool {
	if size <= 0 {
		size = 1
	}
	return &DispatchPool{
		sem:  make(chan struct{}, size),
		done: make(chan struct{}),
	}
}

// Submit starts task in the pool. It blocks while the pool is at capacity and
// respects context cancellation while waiting. onDone, if non-nil, receives
// the task's error (or a NODE_EXECUTION_ERROR for a panic) once it returns.
func (p *DispatchPool) Submit(ctx context.Context, task Task, onDone func(error)) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// wg.Add must happen under the lock so Shutdown's wg.Wait cannot miss it.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	atomic.AddInt64(&p.metrics.Active, 1)
	p.mu.Unlock()

	go func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.metrics.Panics, 1)
				err = schema.NewErrorf(schema.ErrCodeNodeExecution, "panic: %v", r)
			}
			if err != nil {
				atomic.AddInt64(&p.metrics.Failed, 1)
			} else {
				atomic.AddInt64(&p.metrics.Completed, 1)
			}
			atomic.AddInt64(&p.metrics.Active, -1)
			<-p.sem
			p.wg.Done()
			if onDone != nil {
				onDone(err)
			}
		}()
		err = task(ctx)
	}()

	return nil
}

// RunStage submits every task and blocks until all of them have returned.
// The result holds each task's error at the task's index. A task that could
// not be submitted records the submission error; the barrier still waits for
// every task that did start.
func (p *DispatchPool) RunStage(ctx context.Context, tasks []Task) []error {
	errs := make([]error, len(tasks))
	var barrier sync.WaitGroup
	for i, task := range tasks {
		barrier.Add(1)
		err := p.Submit(ctx, task, func(err error) {
			errs[i] = err
			barrier.Done()
		})
		if err != nil {
			errs[i] = fmt.Errorf("dispatch: %w", err)
			barrier.Done()
		}
	}
	barrier.Wait()
	return errs
}

// Wait blocks until all submitted work completes.
func (p *DispatchPool) Wait() {
	p.wg.Wait()
}

// Shutdown prevents new submissions and waits for all active work to complete.
func (p *DispatchPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the current pool metrics.
func (p *DispatchPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}
