package pipeline

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parastate/archivist/pkg/archiveerr"
	"github.com/parastate/archivist/pkg/chain"
	"github.com/parastate/archivist/pkg/codec"
	"github.com/parastate/archivist/pkg/log"
	"github.com/parastate/archivist/pkg/metrics"
)

// spinInterval bounds the retry sleep in the database actor's
// foreign-key spin-wait loops. Deliberately coarse: producers run
// faster than consumers in steady state.
const spinInterval = 25 * time.Millisecond

// blockBatchChunkSize and storageBatchChunkSize bound a single
// pgx.Batch's row count.
const (
	blockBatchChunkSize   = 8000
	storageBatchChunkSize = 12000
)

// DatabaseActor serializes relational writes while preserving the
// foreign-key ordering invariants: metadata-before-block,
// block-before-storage.
type DatabaseActor struct {
	pool  *pgxpool.Pool
	inbox Mailbox
}

// NewDatabaseActor constructs a DatabaseActor over pool.
func NewDatabaseActor(pool *pgxpool.Pool, inbox Mailbox) *DatabaseActor {
	return &DatabaseActor{pool: pool, inbox: inbox}
}

// BlockMsg requests a single idempotent block insert.
type BlockMsg struct{ Block chain.Block }

// BatchBlockMsg requests a batch block insert.
type BatchBlockMsg struct{ Blocks []chain.Block }

// MetadataMsg requests a single idempotent metadata insert.
type MetadataMsg struct{ Metadata chain.Metadata }

// StorageMsg requests a single block's storage insert.
type StorageMsg struct{ Changes chain.StorageChangeSet }

// BatchStorageMsg requests a batch storage insert, as sent by the
// storage aggregator's periodic flush.
type BatchStorageMsg struct{ Changes []chain.StorageChangeSet }

// Run processes inbox messages until Die is received.
func (a *DatabaseActor) Run(ctx context.Context) {
	logger := log.WithComponent("database-actor")
	for msg := range a.inbox {
		switch m := msg.(type) {
		case Die:
			return
		case BlockMsg:
			if err := a.insertBlock(ctx, m.Block); err != nil {
				logger.Error().Err(err).Uint32("block_num", m.Block.Number).Msg("block insert failed")
			}
		case BatchBlockMsg:
			if err := a.insertBlockBatch(ctx, m.Blocks); err != nil {
				logger.Error().Err(err).Int("count", len(m.Blocks)).Msg("batch block insert failed")
			}
		case MetadataMsg:
			if err := a.insertMetadata(ctx, m.Metadata); err != nil {
				logger.Error().Err(err).Uint32("spec_version", m.Metadata.SpecVersion).Msg("metadata insert failed")
			}
		case StorageMsg:
			if err := a.insertStorageBatch(ctx, []chain.StorageChangeSet{m.Changes}); err != nil {
				logger.Error().Err(err).Msg("storage insert failed")
			}
		case BatchStorageMsg:
			if err := a.insertStorageBatch(ctx, m.Changes); err != nil {
				logger.Error().Err(err).Int("count", len(m.Changes)).Msg("batch storage insert failed")
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// insertBlock spins until the block's metadata exists, then performs an
// idempotent insert.
func (a *DatabaseActor) insertBlock(ctx context.Context, b chain.Block) error {
	if err := a.spinUntilMetaExists(ctx, b.SpecVersion); err != nil {
		return err
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.DBInsertDuration, "blocks")
	_, err := a.pool.Exec(ctx, `
		INSERT INTO blocks (parent_hash, hash, block_num, state_root, extrinsics_root, digest, ext, spec)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT DO NOTHING`,
		b.ParentHash[:], b.Hash[:], int32(b.Number), b.StateRoot[:], b.ExtrinsicsRoot[:], b.Digest, codec.EncodeBody(b.Extrinsics), int32(b.SpecVersion),
	)
	if err != nil {
		return archiveerr.Wrap(archiveerr.ErrSQL, "insert block", err)
	}
	metrics.DBRowsInsertedTotal.WithLabelValues("blocks").Inc()
	return nil
}

// insertBlockBatch spins until every distinct spec_version in blocks is
// present in metadata, then inserts in chunks of blockBatchChunkSize.
func (a *DatabaseActor) insertBlockBatch(ctx context.Context, blocks []chain.Block) error {
	versions := distinctSpecVersions(blocks)
	for _, v := range versions {
		if err := a.spinUntilMetaExists(ctx, v); err != nil {
			return err
		}
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.DBInsertDuration, "blocks")

	for start := 0; start < len(blocks); start += blockBatchChunkSize {
		end := start + blockBatchChunkSize
		if end > len(blocks) {
			end = len(blocks)
		}
		batch := &pgx.Batch{}
		for _, b := range blocks[start:end] {
			batch.Queue(`
				INSERT INTO blocks (parent_hash, hash, block_num, state_root, extrinsics_root, digest, ext, spec)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				ON CONFLICT DO NOTHING`,
				b.ParentHash[:], b.Hash[:], int32(b.Number), b.StateRoot[:], b.ExtrinsicsRoot[:], b.Digest, codec.EncodeBody(b.Extrinsics), int32(b.SpecVersion),
			)
		}
		br := a.pool.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return archiveerr.Wrap(archiveerr.ErrSQL, "batch insert blocks", err)
			}
		}
		if err := br.Close(); err != nil {
			return archiveerr.Wrap(archiveerr.ErrSQL, "batch insert blocks close", err)
		}
		metrics.DBRowsInsertedTotal.WithLabelValues("blocks").Add(float64(end - start))
	}
	return nil
}

// insertStorageBatch spins until every referenced block_num is present
// in blocks, then chunk-inserts into storageBatchChunkSize batches run in
// parallel over separate connections, summing affected rows.
func (a *DatabaseActor) insertStorageBatch(ctx context.Context, sets []chain.StorageChangeSet) error {
	nums := distinctBlockNumbers(sets)
	for _, n := range nums {
		if err := a.spinUntilBlockExists(ctx, n); err != nil {
			return err
		}
	}

	type row struct {
		blockNum int32
		hash     []byte
		key      []byte
		value    []byte
	}
	var rows []row
	for _, s := range sets {
		for _, c := range s.Changes {
			rows = append(rows, row{blockNum: int32(s.BlockNumber), hash: s.BlockHash[:], key: c.Key, value: c.Value})
		}
		for _, child := range s.Child {
			for _, c := range child.Changes {
				compositeKey := append(append([]byte(nil), child.ParentKey...), c.Key...)
				rows = append(rows, row{blockNum: int32(s.BlockNumber), hash: s.BlockHash[:], key: compositeKey, value: c.Value})
			}
		}
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.DBInsertDuration, "storage")

	type chunkResult struct {
		affected int64
		err      error
	}
	var chunks [][]row
	for start := 0; start < len(rows); start += storageBatchChunkSize {
		end := start + storageBatchChunkSize
		if end > len(rows) {
			end = len(rows)
		}
		chunks = append(chunks, rows[start:end])
	}

	results := make(chan chunkResult, len(chunks))
	for _, chunk := range chunks {
		go func(chunk []row) {
			batch := &pgx.Batch{}
			for _, r := range chunk {
				batch.Queue(`
					INSERT INTO storage (block_num, hash, is_full, key, storage)
					VALUES ($1, $2, false, $3, $4)
					ON CONFLICT DO NOTHING`,
					r.blockNum, r.hash, r.key, r.value,
				)
			}
			br := a.pool.SendBatch(ctx, batch)
			var affected int64
			for i := 0; i < batch.Len(); i++ {
				tag, err := br.Exec()
				if err != nil {
					br.Close()
					results <- chunkResult{err: archiveerr.Wrap(archiveerr.ErrSQL, "insert storage chunk", err)}
					return
				}
				affected += tag.RowsAffected()
			}
			if err := br.Close(); err != nil {
				results <- chunkResult{err: archiveerr.Wrap(archiveerr.ErrSQL, "insert storage chunk close", err)}
				return
			}
			results <- chunkResult{affected: affected}
		}(chunk)
	}

	var total int64
	for range chunks {
		res := <-results
		if res.err != nil {
			return res.err
		}
		total += res.affected
	}
	metrics.DBRowsInsertedTotal.WithLabelValues("storage").Add(float64(total))
	return nil
}

// insertMetadata is an idempotent single-row insert.
func (a *DatabaseActor) insertMetadata(ctx context.Context, m chain.Metadata) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.DBInsertDuration, "metadata")
	_, err := a.pool.Exec(ctx, `
		INSERT INTO metadata (version, meta) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		int32(m.SpecVersion), m.Bytes,
	)
	if err != nil {
		return archiveerr.Wrap(archiveerr.ErrSQL, "insert metadata", err)
	}
	metrics.DBRowsInsertedTotal.WithLabelValues("metadata").Inc()
	return nil
}

func (a *DatabaseActor) spinUntilMetaExists(ctx context.Context, specVersion uint32) error {
	for {
		exists, err := a.CheckIfMetaExists(ctx, specVersion)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		metrics.DBSpinWaitsTotal.WithLabelValues("block_wait_metadata").Inc()
		if err := sleepOrCancel(ctx, spinInterval); err != nil {
			return err
		}
	}
}

func (a *DatabaseActor) spinUntilBlockExists(ctx context.Context, blockNum uint32) error {
	for {
		exists, err := a.checkIfBlockNumExists(ctx, blockNum)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		metrics.DBSpinWaitsTotal.WithLabelValues("storage_wait_block").Inc()
		if err := sleepOrCancel(ctx, spinInterval); err != nil {
			return err
		}
	}
}

func sleepOrCancel(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func distinctSpecVersions(blocks []chain.Block) []uint32 {
	seen := make(map[uint32]struct{})
	var out []uint32
	for _, b := range blocks {
		if _, ok := seen[b.SpecVersion]; !ok {
			seen[b.SpecVersion] = struct{}{}
			out = append(out, b.SpecVersion)
		}
	}
	return out
}

func distinctBlockNumbers(sets []chain.StorageChangeSet) []uint32 {
	seen := make(map[uint32]struct{})
	var out []uint32
	for _, s := range sets {
		if _, ok := seen[s.BlockNumber]; !ok {
			seen[s.BlockNumber] = struct{}{}
			out = append(out, s.BlockNumber)
		}
	}
	return out
}

func (a *DatabaseActor) checkIfBlockNumExists(ctx context.Context, blockNum uint32) (bool, error) {
	var exists bool
	err := a.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM blocks WHERE block_num=$1)`, int32(blockNum)).Scan(&exists)
	if err != nil {
		return false, archiveerr.Wrap(archiveerr.ErrSQL, "check block num exists", err)
	}
	return exists, nil
}
