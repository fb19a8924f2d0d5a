package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parastate/archivist/pkg/chain"
)

type fakeChainBackend struct {
	genesis     chain.Block
	genesisErr  error
	blocksByNum map[uint32]chain.SignedBlock
}

func (f *fakeChainBackend) GenesisBlock() (chain.Block, error) {
	return f.genesis, f.genesisErr
}

func (f *fakeChainBackend) IterBlocks(predicate func(uint32) bool, fn func(chain.SignedBlock, uint32) error) error {
	for n, sb := range f.blocksByNum {
		if !predicate(n) {
			continue
		}
		if err := fn(sb, n); err != nil {
			return err
		}
	}
	return nil
}

type fakeDB struct {
	maxNum     uint32
	maxHash    []byte
	maxFound   bool
	maxErr     error
	missing    map[[2]uint32][]uint32
	missingErr error
}

func (f *fakeDB) GetMaxBlockNum(ctx context.Context) (uint32, []byte, bool, error) {
	return f.maxNum, f.maxHash, f.maxFound, f.maxErr
}

func (f *fakeDB) MissingBlocksMinMax(ctx context.Context, min, max uint32) ([]uint32, error) {
	if f.missingErr != nil {
		return nil, f.missingErr
	}
	return f.missing[[2]uint32{min, max}], nil
}

type fakeVersionLookup struct {
	ranges []chain.VersionRange
	err    error
}

func (f *fakeVersionLookup) FindVersions(blocks []chain.Block) ([]chain.VersionRange, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.ranges, nil
}

func TestBlocksIndexer_ReIndexEmptyDBSeedsGenesis(t *testing.T) {
	var genesisHash chain.Hash
	genesisHash[0] = 0x01
	genesis := chain.Block{Hash: genesisHash, Number: 0}

	backend := &fakeChainBackend{genesis: genesis}
	db := &fakeDB{maxFound: false}
	version := &fakeVersionLookup{ranges: []chain.VersionRange{
		{StartNum: 0, EndNum: 0, Version: chain.RuntimeVersion{SpecVersion: 3}},
	}}

	next := NewMailbox(4)
	indexer := NewBlocksIndexer(backend, db, version, NewMailbox(4), next)

	require.NoError(t, indexer.handleReIndex(context.Background()))

	select {
	case msg := <-next:
		batch, ok := msg.(BatchBlock)
		require.True(t, ok)
		require.Len(t, batch.Blocks, 1)
		assert.Equal(t, uint32(3), batch.Blocks[0].SpecVersion)
		assert.Equal(t, genesisHash, batch.Blocks[0].Hash)
	default:
		t.Fatal("expected genesis batch to be forwarded")
	}
	assert.Equal(t, uint32(0), indexer.lastMax)
}

func TestBlocksIndexer_ReIndexFillsMissingGapsAndUpdatesLastMax(t *testing.T) {
	var h1 chain.Hash
	h1[0] = 0x05

	backend := &fakeChainBackend{
		blocksByNum: map[uint32]chain.SignedBlock{
			5: {Hash: h1, Header: chain.Header{Number: 5}},
		},
	}
	db := &fakeDB{
		maxFound: true,
		maxNum:   5,
		missing:  map[[2]uint32][]uint32{{0, maxBlockLoad}: {5}},
	}
	version := &fakeVersionLookup{ranges: []chain.VersionRange{
		{StartNum: 5, EndNum: 5, Version: chain.RuntimeVersion{SpecVersion: 1}},
	}}

	next := NewMailbox(4)
	indexer := NewBlocksIndexer(backend, db, version, NewMailbox(4), next)

	require.NoError(t, indexer.handleReIndex(context.Background()))

	select {
	case msg := <-next:
		batch := msg.(BatchBlock)
		require.Len(t, batch.Blocks, 1)
		assert.Equal(t, uint32(5), batch.Blocks[0].Number)
	default:
		t.Fatal("expected a batch of hydrated blocks")
	}
	assert.Equal(t, uint32(5), indexer.lastMax)
}

func TestBlocksIndexer_CrawlAdvancesLastMax(t *testing.T) {
	var h10 chain.Hash
	h10[0] = 0x0A

	backend := &fakeChainBackend{
		blocksByNum: map[uint32]chain.SignedBlock{
			10: {Hash: h10, Header: chain.Header{Number: 10}},
		},
	}
	version := &fakeVersionLookup{ranges: []chain.VersionRange{
		{StartNum: 10, EndNum: 10, Version: chain.RuntimeVersion{SpecVersion: 2}},
	}}

	next := NewMailbox(4)
	indexer := NewBlocksIndexer(backend, &fakeDB{}, version, NewMailbox(4), next)
	indexer.lastMax = 9

	require.NoError(t, indexer.handleCrawl(context.Background()))
	assert.Equal(t, uint32(10), indexer.lastMax)

	select {
	case msg := <-next:
		batch := msg.(BatchBlock)
		require.Len(t, batch.Blocks, 1)
		assert.Equal(t, uint32(2), batch.Blocks[0].SpecVersion)
	default:
		t.Fatal("expected crawled block to be forwarded")
	}
}

func TestBlocksIndexer_CrawlNoNewBlocksIsNoop(t *testing.T) {
	backend := &fakeChainBackend{blocksByNum: map[uint32]chain.SignedBlock{}}
	next := NewMailbox(4)
	indexer := NewBlocksIndexer(backend, &fakeDB{}, &fakeVersionLookup{}, NewMailbox(4), next)
	indexer.lastMax = 100

	require.NoError(t, indexer.handleCrawl(context.Background()))
	assert.Equal(t, uint32(100), indexer.lastMax)

	select {
	case msg := <-next:
		t.Fatalf("expected no message, got %#v", msg)
	default:
	}
}
