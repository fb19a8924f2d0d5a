package pipeline

import (
	"context"

	"github.com/parastate/archivist/pkg/chain"
	"github.com/parastate/archivist/pkg/log"
)

// MetaChecker is the subset of the database actor's query surface the
// metadata stage needs.
type MetaChecker interface {
	CheckIfMetaExists(ctx context.Context, specVersion uint32) (bool, error)
}

// MetadataFetcher fetches the opaque metadata blob for a spec version at
// a representative block hash, via the runtime-api boundary.
type MetadataFetcher interface {
	Metadata(ctx context.Context, blockHash chain.Hash) ([]byte, error)
}

// MetadataActor ensures metadata for a block's spec_version is persisted
// before forwarding the block onward.
type MetadataActor struct {
	checker MetaChecker
	fetcher MetadataFetcher
	inbox   Mailbox
	dbInbox Mailbox // database actor, for metadata inserts
	next    Mailbox // executor/scheduler stage
}

// NewMetadataActor constructs a MetadataActor.
func NewMetadataActor(checker MetaChecker, fetcher MetadataFetcher, inbox, dbInbox, next Mailbox) *MetadataActor {
	return &MetadataActor{checker: checker, fetcher: fetcher, inbox: inbox, dbInbox: dbInbox, next: next}
}

// Run processes BatchBlock messages until Die arrives.
func (m *MetadataActor) Run(ctx context.Context) {
	logger := log.WithComponent("metadata-actor")
	for msg := range m.inbox {
		switch v := msg.(type) {
		case Die:
			return
		case BatchBlock:
			if err := m.handle(ctx, v.Blocks); err != nil {
				logger.Error().Err(err).Msg("metadata handling failed")
				continue
			}
			// Metadata-persist happens-before block-persist: the block
			// rows themselves are forwarded to the database actor here,
			// and the batch is forwarded onward for execution.
			m.dbInbox.Send(BatchBlockMsg{Blocks: v.Blocks})
			m.next.Send(v)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (m *MetadataActor) handle(ctx context.Context, blocks []chain.Block) error {
	seen := make(map[uint32]struct{})
	for _, b := range blocks {
		if _, ok := seen[b.SpecVersion]; ok {
			continue
		}
		seen[b.SpecVersion] = struct{}{}

		exists, err := m.checker.CheckIfMetaExists(ctx, b.SpecVersion)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		bytes, err := m.fetcher.Metadata(ctx, b.Hash)
		if err != nil {
			return err
		}
		m.dbInbox.Send(MetadataMsg{Metadata: chain.Metadata{SpecVersion: b.SpecVersion, Bytes: bytes}})
	}
	return nil
}
