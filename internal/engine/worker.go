package engine

import (
	"context"
	"sync"

	"github.com/taskdeck/workflow/pkg/schema"
)

// WorkerPool bounds the number of concurrently executing step dispatches
// across all runs. Parallel coordinators submit branch work here instead of
// spawning unbounded goroutines.
type WorkerPool struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

// NewWorkerPool creates a pool admitting at most size concurrent tasks.
// Size values below 1 are clamped to 1.
func NewWorkerPool(size int) *WorkerPool {
	if size < 1 {
		size = 1
	}
	return &WorkerPool{sem: make(chan struct{}, size)}
}

// Submit runs fn on a pool slot, blocking until a slot frees up or the
// context is cancelled while waiting. fn runs in its own goroutine.
func (p *WorkerPool) Submit(ctx context.Context, fn func()) error {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return schema.NewError(schema.ErrCodeCancelled, "worker pool admission cancelled").
			WithCause(ctx.Err())
	}

	p.wg.Add(1)
	go func() {
		defer func() {
			<-p.sem
			p.wg.Done()
		}()
		fn()
	}()
	return nil
}

// Wait blocks until every submitted task has finished.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Capacity returns the pool's concurrency bound.
func (p *WorkerPool) Capacity() int {
	return cap(p.sem)
}
