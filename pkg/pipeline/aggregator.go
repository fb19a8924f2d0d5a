package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/parastate/archivist/pkg/chain"
	"github.com/parastate/archivist/pkg/log"
	"github.com/parastate/archivist/pkg/metrics"
)

// SendStorage is the self-tick message that triggers a buffer flush.
type SendStorage struct{}

// StorageAggregator buffers per-block storage changes and flushes them
// in batches to the database actor on a periodic tick.
type StorageAggregator struct {
	mu      sync.Mutex
	buffer  []chain.StorageChangeSet
	dbInbox Mailbox
	stopCh  chan struct{}
	doneCh  chan struct{}
	logger  zerolog.Logger
}

// NewStorageAggregator constructs a StorageAggregator forwarding flushed
// batches to dbInbox.
func NewStorageAggregator(dbInbox Mailbox) *StorageAggregator {
	return &StorageAggregator{
		dbInbox: dbInbox,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		logger:  log.WithComponent("storage-aggregator"),
	}
}

// Push appends changes to the aggregator's buffer. Called directly by the
// executor pool's job body on the pool's worker goroutines, not through
// the mailbox; the mutex makes concurrent pushes safe.
func (a *StorageAggregator) Push(changes chain.StorageChangeSet) {
	a.mu.Lock()
	a.buffer = append(a.buffer, changes)
	metrics.StorageAggregatorBufferSize.Set(float64(len(a.buffer)))
	a.mu.Unlock()
}

// Run ticks every second, draining the buffer into a BatchStorage send to
// the database actor, until Stop is called. On shutdown the remaining
// buffer is flushed exactly once; a failure there is logged, not
// retried.
func (a *StorageAggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.flush()
			close(a.doneCh)
			return
		case <-a.stopCh:
			a.flush()
			close(a.doneCh)
			return
		case <-ticker.C:
			a.flush()
		}
	}
}

func (a *StorageAggregator) flush() {
	a.mu.Lock()
	drained := a.buffer
	a.buffer = nil
	metrics.StorageAggregatorBufferSize.Set(0)
	a.mu.Unlock()
	if len(drained) == 0 {
		return
	}
	a.logger.Debug().Int("count", len(drained)).Msg("flushed storage buffer")
	a.dbInbox.Send(BatchStorageMsg{Changes: drained})
}

// Stop signals Run to perform its final flush and exit, then waits for it
// to finish.
func (a *StorageAggregator) Stop() {
	close(a.stopCh)
	<-a.doneCh
}
