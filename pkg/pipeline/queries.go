package pipeline

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/parastate/archivist/pkg/archiveerr"
)

// CheckIfMetaExists checks if a runtime versioned metadata exists in the
// database.
func (a *DatabaseActor) CheckIfMetaExists(ctx context.Context, specVersion uint32) (bool, error) {
	var exists bool
	err := a.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM metadata WHERE version=$1)`, int32(specVersion)).Scan(&exists)
	if err != nil {
		return false, archiveerr.Wrap(archiveerr.ErrSQL, "check meta exists", err)
	}
	return exists, nil
}

// CheckIfBlockExists checks if a block with the given hash exists.
func (a *DatabaseActor) CheckIfBlockExists(ctx context.Context, hash []byte) (bool, error) {
	var exists bool
	err := a.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM blocks WHERE hash=$1)`, hash).Scan(&exists)
	if err != nil {
		return false, archiveerr.Wrap(archiveerr.ErrSQL, "check block exists", err)
	}
	return exists, nil
}

// GetVersions returns every spec_version currently present in metadata.
func (a *DatabaseActor) GetVersions(ctx context.Context) ([]uint32, error) {
	rows, err := a.pool.Query(ctx, `SELECT version FROM metadata`)
	if err != nil {
		return nil, archiveerr.Wrap(archiveerr.ErrSQL, "get versions", err)
	}
	defer rows.Close()
	var out []uint32
	for rows.Next() {
		var v int32
		if err := rows.Scan(&v); err != nil {
			return nil, archiveerr.Wrap(archiveerr.ErrSQL, "scan version", err)
		}
		out = append(out, uint32(v))
	}
	return out, rows.Err()
}

// GetMaxBlockNum returns the block_num and hash of the highest-numbered
// block row.
func (a *DatabaseActor) GetMaxBlockNum(ctx context.Context) (uint32, []byte, bool, error) {
	var num int32
	var hash []byte
	err := a.pool.QueryRow(ctx, `SELECT block_num, hash FROM blocks WHERE block_num = (SELECT MAX(block_num) FROM blocks)`).Scan(&num, &hash)
	if err != nil {
		if isNoRows(err) {
			return 0, nil, false, nil
		}
		return 0, nil, false, archiveerr.Wrap(archiveerr.ErrSQL, "get max block num", err)
	}
	return uint32(num), hash, true, nil
}

// GetMaxStorage returns the block_num and hash of the highest-numbered
// storage row.
func (a *DatabaseActor) GetMaxStorage(ctx context.Context) (uint32, []byte, bool, error) {
	var num int32
	var hash []byte
	err := a.pool.QueryRow(ctx, `SELECT block_num, hash FROM storage WHERE block_num = (SELECT MAX(block_num) FROM storage)`).Scan(&num, &hash)
	if err != nil {
		if isNoRows(err) {
			return 0, nil, false, nil
		}
		return 0, nil, false, archiveerr.Wrap(archiveerr.ErrSQL, "get max storage", err)
	}
	return uint32(num), hash, true, nil
}

// AreBlocksEmpty reports whether the blocks table has no rows.
func (a *DatabaseActor) AreBlocksEmpty(ctx context.Context) (bool, error) {
	var count int64
	err := a.pool.QueryRow(ctx, `SELECT COUNT(*) FROM blocks`).Scan(&count)
	if err != nil {
		return false, archiveerr.Wrap(archiveerr.ErrSQL, "are blocks empty", err)
	}
	return count == 0, nil
}

// MissingBlocksMinMax returns block numbers in [min, max] with no
// corresponding row in blocks.
func (a *DatabaseActor) MissingBlocksMinMax(ctx context.Context, min, max uint32) ([]uint32, error) {
	rows, err := a.pool.Query(ctx, `
		SELECT generate_series
		FROM (SELECT $1::int AS a, $2::int AS z) x, generate_series(a, z)
		WHERE NOT EXISTS (SELECT 1 FROM blocks WHERE block_num = generate_series)`,
		int32(min), int32(max),
	)
	if err != nil {
		return nil, archiveerr.Wrap(archiveerr.ErrSQL, "missing blocks min max", err)
	}
	defer rows.Close()
	var out []uint32
	for rows.Next() {
		var n int32
		if err := rows.Scan(&n); err != nil {
			return nil, archiveerr.Wrap(archiveerr.ErrSQL, "scan missing block", err)
		}
		out = append(out, uint32(n))
	}
	return out, rows.Err()
}

// BlockSummary is one row returned by BlocksStorageIntersection.
type BlockSummary struct {
	ParentHash     []byte
	Hash           []byte
	BlockNum       uint32
	StateRoot      []byte
	ExtrinsicsRoot []byte
	Digest         []byte
	SpecVersion    uint32
}

// BlocksStorageIntersection finds blocks present in `blocks` but absent
// from `storage`, a diagnostic used by the supervisor's readiness
// handler to detect blocks missing their storage rows.
func (a *DatabaseActor) BlocksStorageIntersection(ctx context.Context) ([]BlockSummary, error) {
	rows, err := a.pool.Query(ctx, `
		SELECT a.parent_hash, a.hash, a.block_num, a.state_root, a.extrinsics_root, a.digest, a.spec
		FROM blocks AS a
		LEFT JOIN storage b ON b.block_num = a.block_num
		WHERE b.block_num IS NULL`)
	if err != nil {
		return nil, archiveerr.Wrap(archiveerr.ErrSQL, "blocks storage intersection", err)
	}
	defer rows.Close()
	var out []BlockSummary
	for rows.Next() {
		var s BlockSummary
		var num, spec int32
		if err := rows.Scan(&s.ParentHash, &s.Hash, &num, &s.StateRoot, &s.ExtrinsicsRoot, &s.Digest, &spec); err != nil {
			return nil, archiveerr.Wrap(archiveerr.ErrSQL, "scan blocks storage intersection", err)
		}
		s.BlockNum = uint32(num)
		s.SpecVersion = uint32(spec)
		out = append(out, s)
	}
	return out, rows.Err()
}

// BlocksStorageIntersectionCount is the count-only variant of
// BlocksStorageIntersection, cheaper for a periodic readiness check.
func (a *DatabaseActor) BlocksStorageIntersectionCount(ctx context.Context) (uint64, error) {
	var count int64
	err := a.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM blocks AS a
		LEFT JOIN storage b ON b.block_num = a.block_num
		WHERE b.block_num IS NULL`).Scan(&count)
	if err != nil {
		return 0, archiveerr.Wrap(archiveerr.ErrSQL, "blocks storage intersection count", err)
	}
	return uint64(count), nil
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
