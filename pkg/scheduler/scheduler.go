// Package scheduler implements a priority-ordered, bounded in-flight
// block scheduler that saturates a CPU-bound executor pool, clustering
// blocks of the same runtime version to maximize code-cache hit rate.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parastate/archivist/pkg/log"
	"github.com/parastate/archivist/pkg/metrics"
)

// Item is one unit of schedulable work: a block tagged with the runtime
// spec version it should execute under.
type Item struct {
	PriorityIdent uint32 // spec_version
	BlockNumber   uint32
	Payload       any
}

// Result is what the executor pool reports back for one completed item.
type Result struct {
	Item Item
	Err  error
}

// itemHeap is a max-heap over Item by PriorityIdent.
type itemHeap []Item

func (h itemHeap) Len() int           { return len(h) }
func (h itemHeap) Less(i, j int) bool { return h[i].PriorityIdent > h[j].PriorityIdent }
func (h itemHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)        { *h = append(*h, x.(Item)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func encodedIdentity(it Item) uint64 {
	return uint64(it.PriorityIdent)<<32 | uint64(it.BlockNumber)
}

// Pool is the CPU-bound execution pool the scheduler drives. Submit
// dispatches a FIFO batch; the pool sends completions to the channel
// returned by Completions.
type Pool interface {
	Submit(ctx context.Context, batch []Item) error
	Completions() <-chan Result
}

// Scheduler holds the bounded max-heap of pending work and drives
// check_work ticks against a Pool.
type Scheduler struct {
	mu       sync.Mutex
	heap     itemHeap
	seen     map[uint64]struct{}
	maxSize  int
	added    uint64
	finished uint64

	pool     Pool
	stopCh   chan struct{}
	doneCh   chan struct{}
	onResult func(Result)
}

// New constructs a Scheduler with the given bounded in-flight size.
func New(pool Pool, maxSize int, onResult func(Result)) *Scheduler {
	return &Scheduler{
		heap:     itemHeap{},
		seen:     make(map[uint64]struct{}),
		maxSize:  maxSize,
		pool:     pool,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		onResult: onResult,
	}
}

// Enqueue adds items to the pending heap. Items with an identity already
// seen (by encoded equality of spec_version and block number) are
// dropped, satisfying the dedup-on-ingest invariant.
func (s *Scheduler) Enqueue(items ...Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range items {
		id := encodedIdentity(it)
		if _, dup := s.seen[id]; dup {
			continue
		}
		s.seen[id] = struct{}{}
		heap.Push(&s.heap, it)
	}
	metrics.SchedulerQueueDepth.Set(float64(s.heap.Len()))
}

// Run starts the tick loop until Stop is called.
func (s *Scheduler) Run(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	logger := log.WithComponent("scheduler")
	for {
		select {
		case <-ctx.Done():
			s.drainInFlight()
			close(s.doneCh)
			return
		case <-s.stopCh:
			s.drainInFlight()
			close(s.doneCh)
			return
		case <-ticker.C:
			if err := s.checkWork(ctx); err != nil {
				logger.Error().Err(err).Msg("check_work failed")
			}
		case res, ok := <-s.pool.Completions():
			if !ok {
				continue
			}
			s.onCompletion(res)
		}
	}
}

// Stop signals Run to exit and waits for it to do so.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// drainInFlight receives completions until every submitted item has
// finished, so that added == finished once Run returns.
func (s *Scheduler) drainInFlight() {
	for !s.Drained() {
		res, ok := <-s.pool.Completions()
		if !ok {
			return
		}
		s.onCompletion(res)
	}
}

// checkWork computes delta = added - finished, submits up to maxSize
// when nothing is in flight, tops up when partially filled, and submits
// nothing when saturated.
func (s *Scheduler) checkWork(ctx context.Context) error {
	s.mu.Lock()
	delta := s.added - s.finished
	var toSubmit int
	switch {
	case delta == 0 && s.heap.Len() > 0:
		toSubmit = s.maxSize
	case delta > 0 && delta < uint64(s.maxSize):
		toSubmit = s.maxSize - int(delta)
	default:
		toSubmit = 0
	}
	if toSubmit > s.heap.Len() {
		toSubmit = s.heap.Len()
	}
	batch := make([]Item, 0, toSubmit)
	for i := 0; i < toSubmit; i++ {
		batch = append(batch, heap.Pop(&s.heap).(Item))
	}
	if len(batch) > 0 {
		s.added += uint64(len(batch))
	}
	metrics.SchedulerQueueDepth.Set(float64(s.heap.Len()))
	metrics.SchedulerInFlight.Set(float64(s.added - s.finished))
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	metrics.SchedulerSubmittedTotal.Add(float64(len(batch)))
	batchID := uuid.New().String()
	schedLog := log.WithComponent("scheduler")
	schedLog.Debug().
		Str("batch_id", batchID).
		Int("size", len(batch)).
		Msg("submitting batch")
	return s.pool.Submit(ctx, batch)
}

func (s *Scheduler) onCompletion(res Result) {
	s.mu.Lock()
	s.finished++
	metrics.SchedulerInFlight.Set(float64(s.added - s.finished))
	s.mu.Unlock()
	metrics.SchedulerCompletedTotal.Inc()
	if s.onResult != nil {
		s.onResult(res)
	}
}

// InFlight returns added - finished.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.added - s.finished)
}

// Drained reports whether added == finished, used by Run's stop path to
// wait until every submitted item has completed.
func (s *Scheduler) Drained() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.added == s.finished
}
