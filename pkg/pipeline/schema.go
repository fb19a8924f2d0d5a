package pipeline

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the four-table relational schema, applied idempotently at
// startup in place of a migration framework.
const Schema = `
CREATE TABLE IF NOT EXISTS metadata (
	version INT PRIMARY KEY,
	meta BYTEA NOT NULL
);

CREATE TABLE IF NOT EXISTS blocks (
	parent_hash BYTEA NOT NULL,
	hash BYTEA PRIMARY KEY,
	block_num INT UNIQUE NOT NULL,
	state_root BYTEA NOT NULL,
	extrinsics_root BYTEA NOT NULL,
	digest BYTEA NOT NULL,
	ext BYTEA,
	spec INT NOT NULL REFERENCES metadata(version)
);

CREATE TABLE IF NOT EXISTS storage (
	block_num INT NOT NULL,
	hash BYTEA NOT NULL REFERENCES blocks(hash),
	is_full BOOL NOT NULL DEFAULT false,
	key BYTEA NOT NULL,
	storage BYTEA
);

CREATE INDEX IF NOT EXISTS storage_block_num_key_idx ON storage (block_num, key);

-- Reserved; not written by the core indexing path.
CREATE TABLE IF NOT EXISTS extrinsics (
	block_num INT NOT NULL,
	hash BYTEA NOT NULL,
	index INT NOT NULL,
	ext BYTEA
);
`

// ApplySchema runs the embedded schema against pool. Safe to call on
// every startup: every statement is idempotent (IF NOT EXISTS).
func ApplySchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("pipeline: apply schema: %w", err)
	}
	return nil
}
