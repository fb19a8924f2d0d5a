// Package supervisor wires the indexing pipeline's actors together, drives
// startup in dependency order, and coordinates graceful shutdown. It also
// hosts the ambient health/ready/metrics HTTP server.
package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parastate/archivist/pkg/chain"
	"github.com/parastate/archivist/pkg/config"
	"github.com/parastate/archivist/pkg/executor"
	"github.com/parastate/archivist/pkg/kv"
	"github.com/parastate/archivist/pkg/log"
	"github.com/parastate/archivist/pkg/pipeline"
	"github.com/parastate/archivist/pkg/runtimeversion"
	"github.com/parastate/archivist/pkg/scheduler"
	"github.com/parastate/archivist/pkg/trie"
	"github.com/parastate/archivist/pkg/wasmruntime"
)

const (
	mailboxCapacity = 4096
	schedulerTick   = 50 * time.Millisecond
)

// Supervisor owns the full actor graph and its lifecycle.
type Supervisor struct {
	cfg config.Config

	kvStore *kv.Store
	backend *trie.Backend
	pool    *pgxpool.Pool
	wasm    *wasmruntime.Engine

	versionCache *runtimeversion.Cache
	exec         *executor.Executor
	workerPool   *scheduler.WorkerPool
	sched        *scheduler.Scheduler
	aggregator   *pipeline.StorageAggregator

	dbActor       *pipeline.DatabaseActor
	metadataActor *pipeline.MetadataActor
	blocksIndexer *pipeline.BlocksIndexer

	dbInbox       pipeline.Mailbox
	metadataInbox pipeline.Mailbox
	blocksInbox   pipeline.Mailbox
	schedInbox    pipeline.Mailbox

	httpServer *http.Server

	runCtx    context.Context
	runCancel context.CancelFunc
	done      chan struct{}
}

// New opens every backing resource and wires the actor graph, but does
// not yet start anything.
func New(ctx context.Context, cfg config.Config) (*Supervisor, error) {
	kvStore, err := kv.Open(cfg.ChainDBPath)
	if err != nil {
		return nil, fmt.Errorf("supervisor: open kv: %w", err)
	}
	backend, err := trie.NewBackend(kvStore)
	if err != nil {
		_ = kvStore.Close()
		return nil, fmt.Errorf("supervisor: trie backend: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		_ = kvStore.Close()
		return nil, fmt.Errorf("supervisor: parse database url: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.DatabasePoolSize)
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		_ = kvStore.Close()
		return nil, fmt.Errorf("supervisor: connect database: %w", err)
	}
	if err := pipeline.ApplySchema(ctx, pool); err != nil {
		pool.Close()
		_ = kvStore.Close()
		return nil, fmt.Errorf("supervisor: apply schema: %w", err)
	}

	wasmEngine := wasmruntime.NewEngine(ctx)
	reader := newChainReader(backend)
	versionCache := runtimeversion.New(reader, wasmEngine)
	ex := executor.New(reader, runtimeEngine{engine: wasmEngine})

	dbInbox := pipeline.NewMailbox(mailboxCapacity)
	metadataInbox := pipeline.NewMailbox(mailboxCapacity)
	blocksInbox := pipeline.NewMailbox(mailboxCapacity)
	schedInbox := pipeline.NewMailbox(mailboxCapacity)

	dbActor := pipeline.NewDatabaseActor(pool, dbInbox)
	aggregator := pipeline.NewStorageAggregator(dbInbox)
	fetcher := newMetadataFetcher(reader, wasmEngine)
	metadataActor := pipeline.NewMetadataActor(dbActor, fetcher, metadataInbox, dbInbox, schedInbox)
	blocksIndexer := pipeline.NewBlocksIndexer(backend, dbActor, versionCache, blocksInbox, metadataInbox)

	s := &Supervisor{
		cfg:           cfg,
		kvStore:       kvStore,
		backend:       backend,
		pool:          pool,
		wasm:          wasmEngine,
		versionCache:  versionCache,
		exec:          ex,
		aggregator:    aggregator,
		dbActor:       dbActor,
		metadataActor: metadataActor,
		blocksIndexer: blocksIndexer,
		dbInbox:       dbInbox,
		metadataInbox: metadataInbox,
		blocksInbox:   blocksInbox,
		schedInbox:    schedInbox,
		done:          make(chan struct{}),
	}

	s.workerPool = scheduler.NewWorkerPool(cfg.ExecutorWorkers, s.executeItem)
	s.sched = scheduler.New(s.workerPool, cfg.SchedulerMaxInFlight, s.onSchedulerResult)

	return s, nil
}

// executeItem is the worker-pool job body: execute one block and push its
// resulting storage changes into the aggregator. Errors are logged and
// returned to the pool as the item's Result; a failed block never aborts
// the pool.
func (s *Supervisor) executeItem(ctx context.Context, item scheduler.Item) error {
	block, ok := item.Payload.(chain.Block)
	if !ok {
		return fmt.Errorf("supervisor: unexpected scheduler payload %T", item.Payload)
	}
	changes, err := s.exec.Execute(ctx, block)
	if err != nil {
		blockLog := log.WithBlock(block.Number, block.Hash.String())
		blockLog.Error().Err(err).Msg("block execution failed")
		return err
	}
	s.aggregator.Push(chain.StorageChangeSet{
		BlockHash:   changes.BlockHash,
		BlockNumber: changes.BlockNumber,
		Changes:     changes.Changes,
		Child:       changes.Child,
	})
	return nil
}

func (s *Supervisor) onSchedulerResult(res scheduler.Result) {
	if res.Err != nil {
		schedLog := log.WithComponent("scheduler")
		schedLog.Error().Err(res.Err).Uint32("block_num", res.Item.BlockNumber).Msg("scheduled block failed")
	}
}

// Drive starts every actor in dependency order — database, storage
// aggregator, metadata, blocks indexer, executor pool — and returns
// immediately; it never blocks.
func (s *Supervisor) Drive(ctx context.Context) {
	s.runCtx, s.runCancel = context.WithCancel(ctx)

	go s.dbActor.Run(s.runCtx)
	go s.aggregator.Run(s.runCtx)
	go s.metadataActor.Run(s.runCtx)
	go s.blocksIndexer.Run(s.runCtx)
	go s.runSchedulerFeeder(s.runCtx)
	go s.sched.Run(s.runCtx, schedulerTick)

	s.httpServer = s.newHTTPServer()
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			supLog := log.WithComponent("supervisor")
			supLog.Error().Err(err).Msg("health server stopped")
		}
	}()
}

// runSchedulerFeeder drains BatchBlock messages forwarded by the metadata
// actor and enqueues each block into the scheduler.
func (s *Supervisor) runSchedulerFeeder(ctx context.Context) {
	for msg := range s.schedInbox {
		switch v := msg.(type) {
		case pipeline.Die:
			return
		case pipeline.BatchBlock:
			items := make([]scheduler.Item, len(v.Blocks))
			for i, b := range v.Blocks {
				items[i] = scheduler.Item{PriorityIdent: b.SpecVersion, BlockNumber: b.Number, Payload: b}
			}
			s.sched.Enqueue(items...)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// BlockUntilStopped blocks until ctx is cancelled (typically by an OS
// signal upstream in cmd/archivist).
func (s *Supervisor) BlockUntilStopped(ctx context.Context) {
	<-ctx.Done()
}

// Shutdown stops the actors in reverse-dependency order — executor pool,
// blocks indexer, metadata, storage aggregator, database — waiting for
// the scheduler and pool to drain first, then stops the HTTP server and
// closes the KV handle last.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	if s.runCancel != nil {
		s.runCancel()
	}

	s.sched.Stop()
	s.workerPool.Close()
	s.schedInbox.Send(pipeline.Die{})
	s.blocksInbox.Send(pipeline.Die{})
	s.metadataInbox.Send(pipeline.Die{})
	s.aggregator.Stop()
	s.dbInbox.Send(pipeline.Die{})

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			shutdownLog := log.WithComponent("supervisor")
			shutdownLog.Warn().Err(err).Msg("health server shutdown")
		}
	}

	s.pool.Close()
	if err := s.wasm.Close(ctx); err != nil {
		wasmLog := log.WithComponent("supervisor")
		wasmLog.Warn().Err(err).Msg("wasm engine close")
	}
	if err := s.kvStore.Close(); err != nil {
		return fmt.Errorf("supervisor: close kv: %w", err)
	}
	return nil
}
