package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/parastate/archivist/pkg/chain"
	"github.com/parastate/archivist/pkg/log"
	"github.com/parastate/archivist/pkg/metrics"
)

// maxBlockLoad bounds how many block numbers a single gap-fill query
// window covers.
const maxBlockLoad = 10000

// crawlInterval paces the steady-state Crawl self-message once ReIndex has
// caught the relational store up to the backend.
const crawlInterval = 2 * time.Second

// ReIndex is the startup self-message that triggers a full catch-up scan.
type ReIndex struct{}

// Crawl is the steady-state self-message that looks for new blocks past
// the last known maximum.
type Crawl struct{}

// BatchBlock is what the indexer forwards downstream: a batch of blocks
// already tagged with their runtime version.
type BatchBlock struct{ Blocks []chain.Block }

// VersionLookup resolves runtime versions across a sorted slice of
// blocks, used to tag each discovered block.
type VersionLookup interface {
	FindVersions(blocks []chain.Block) ([]chain.VersionRange, error)
}

// ChainBackend is the subset of the trie backend the indexer needs to
// hydrate blocks by number.
type ChainBackend interface {
	IterBlocks(predicate func(number uint32) bool, fn func(chain.SignedBlock, uint32) error) error
	GenesisBlock() (chain.Block, error)
}

// DB is the subset of database-actor query surface the indexer needs.
type DB interface {
	GetMaxBlockNum(ctx context.Context) (uint32, []byte, bool, error)
	MissingBlocksMinMax(ctx context.Context, min, max uint32) ([]uint32, error)
}

// BlocksIndexer keeps the relational blocks table congruent with the
// backend.
type BlocksIndexer struct {
	backend ChainBackend
	db      DB
	version VersionLookup
	inbox   Mailbox
	next    Mailbox // metadata stage

	lastMax uint32
}

// NewBlocksIndexer constructs a BlocksIndexer forwarding to next.
func NewBlocksIndexer(backend ChainBackend, db DB, version VersionLookup, inbox, next Mailbox) *BlocksIndexer {
	return &BlocksIndexer{backend: backend, db: db, version: version, inbox: inbox, next: next}
}

// Run emits a ReIndex to itself on startup, then enters a loop that
// periodically emits Crawl until the mailbox disconnects or Die arrives.
func (b *BlocksIndexer) Run(ctx context.Context) {
	logger := log.WithComponent("blocks-indexer")
	b.inbox.Send(ReIndex{})

	tickerDone := make(chan struct{})
	stopTicker := make(chan struct{})
	go func() {
		defer close(tickerDone)
		ticker := time.NewTicker(crawlInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopTicker:
				return
			case <-ticker.C:
				b.inbox.Send(Crawl{})
			}
		}
	}()
	defer func() {
		close(stopTicker)
		<-tickerDone
	}()

	for msg := range b.inbox {
		switch msg.(type) {
		case Die:
			return
		case ReIndex:
			if err := b.handleReIndex(ctx); err != nil {
				logger.Error().Err(err).Msg("reindex failed")
			}
		case Crawl:
			if err := b.handleCrawl(ctx); err != nil {
				logger.Error().Err(err).Msg("crawl failed")
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (b *BlocksIndexer) handleReIndex(ctx context.Context) error {
	_, _, found, err := b.db.GetMaxBlockNum(ctx)
	if err != nil {
		return err
	}
	if !found {
		genesis, err := b.backend.GenesisBlock()
		if err != nil {
			return err
		}
		ranges, err := b.version.FindVersions([]chain.Block{genesis})
		if err != nil {
			return err
		}
		genesis.SpecVersion = ranges[0].Version.SpecVersion
		b.forward([]chain.Block{genesis})
		b.lastMax = 0
		return nil
	}

	min := uint32(0)
	for {
		missing, err := b.db.MissingBlocksMinMax(ctx, min, min+maxBlockLoad)
		if err != nil {
			return err
		}
		if len(missing) == 0 {
			break
		}
		if err := b.hydrateAndForward(missing); err != nil {
			return err
		}
		min += maxBlockLoad
	}

	max, _, found, err := b.db.GetMaxBlockNum(ctx)
	if err != nil {
		return err
	}
	if found {
		b.lastMax = max
	}
	return nil
}

func (b *BlocksIndexer) handleCrawl(ctx context.Context) error {
	lowerBound := b.lastMax
	upperBound := b.lastMax + maxBlockLoad
	var blocks []chain.Block
	var highest uint32
	err := b.backend.IterBlocks(func(n uint32) bool {
		return n > lowerBound && n <= upperBound
	}, func(sb chain.SignedBlock, n uint32) error {
		blocks = append(blocks, toBlock(sb, n))
		if n > highest {
			highest = n
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(blocks) == 0 {
		return nil
	}
	if err := b.tagAndForward(blocks); err != nil {
		return err
	}
	b.lastMax = highest
	return nil
}

func (b *BlocksIndexer) hydrateAndForward(missing []uint32) error {
	set := make(map[uint32]struct{}, len(missing))
	for _, n := range missing {
		set[n] = struct{}{}
	}
	var blocks []chain.Block
	err := b.backend.IterBlocks(func(n uint32) bool {
		_, ok := set[n]
		return ok
	}, func(sb chain.SignedBlock, n uint32) error {
		blocks = append(blocks, toBlock(sb, n))
		return nil
	})
	if err != nil {
		return err
	}
	if len(blocks) == 0 {
		return nil
	}
	return b.tagAndForward(blocks)
}

// tagAndForward calls FindVersions on the whole batch and assigns each
// block the version of the range containing its number. An unmatched
// block number indicates the version cache is inconsistent with the
// backend, a programmer/data error worth a deliberate panic rather than
// a recoverable error.
func (b *BlocksIndexer) tagAndForward(blocks []chain.Block) error {
	ranges, err := b.version.FindVersions(blocks)
	if err != nil {
		return err
	}
	for i, blk := range blocks {
		matched := false
		for _, r := range ranges {
			if blk.Number >= r.StartNum && blk.Number <= r.EndNum {
				blocks[i].SpecVersion = r.Version.SpecVersion
				matched = true
				break
			}
		}
		if !matched {
			panic(fmt.Sprintf("pipeline: block %d matched no version range, version cache is inconsistent", blk.Number))
		}
	}
	b.forward(blocks)
	return nil
}

func (b *BlocksIndexer) forward(blocks []chain.Block) {
	metrics.BlocksIndexedTotal.Add(float64(len(blocks)))
	b.next.Send(BatchBlock{Blocks: blocks})
}

func toBlock(sb chain.SignedBlock, number uint32) chain.Block {
	return chain.Block{
		ParentHash:     sb.Header.ParentHash,
		Hash:           sb.Hash,
		Number:         number,
		StateRoot:      sb.Header.StateRoot,
		ExtrinsicsRoot: sb.Header.ExtrinsicsRoot,
		Digest:         sb.Header.Digest,
		Extrinsics:     sb.Extrinsics,
	}
}
