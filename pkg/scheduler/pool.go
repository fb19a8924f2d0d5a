package scheduler

import (
	"context"
	"runtime"
	"sync"
)

// WorkerPool is a CPU-bound work-stealing thread pool: a fixed set of
// goroutines pulling from one shared job channel, submitting results
// back over a buffered channel with capacity 1024 (not unbounded: a
// worker blocks once 1024 results are waiting to be drained). Jobs never
// suspend and are uncancellable once submitted.
type WorkerPool struct {
	jobs    chan job
	results chan Result
	workers int
	wg      sync.WaitGroup
	execute func(ctx context.Context, it Item) error
}

type job struct {
	ctx context.Context
	it  Item
}

// NewWorkerPool builds a pool with workers goroutines (0 defaults to the
// host's logical CPU count) running execute for each item.
func NewWorkerPool(workers int, execute func(ctx context.Context, it Item) error) *WorkerPool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	p := &WorkerPool{
		jobs:    make(chan job, 1024),
		results: make(chan Result, 1024),
		workers: workers,
		execute: execute,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for j := range p.jobs {
		err := p.execute(j.ctx, j.it)
		p.results <- Result{Item: j.it, Err: err}
	}
}

// Submit dispatches batch to the job channel in order. Workers steal from
// the shared channel as they become idle; the batch's relative FIFO order
// is preserved in submission, not necessarily in completion.
func (p *WorkerPool) Submit(ctx context.Context, batch []Item) error {
	for _, it := range batch {
		p.jobs <- job{ctx: ctx, it: it}
	}
	return nil
}

// Completions returns the channel the scheduler drains on each tick.
func (p *WorkerPool) Completions() <-chan Result {
	return p.results
}

// Close stops accepting new jobs and waits for in-flight jobs to drain.
func (p *WorkerPool) Close() {
	close(p.jobs)
	p.wg.Wait()
	close(p.results)
}
