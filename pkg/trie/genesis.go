package trie

import (
	"github.com/parastate/archivist/pkg/archiveerr"
	"github.com/parastate/archivist/pkg/chain"
)

// GenesisBlock hydrates block number 0 from the backend, used by the
// blocks indexer's ReIndex handler when the relational store is empty.
func (b *Backend) GenesisBlock() (chain.Block, error) {
	block, ok, err := b.Block(ByNumber(0))
	if err != nil {
		return chain.Block{}, err
	}
	if !ok {
		return chain.Block{}, archiveerr.Wrap(archiveerr.ErrUnknownBlock, "genesis (number 0)", nil)
	}
	return chain.Block{
		ParentHash:     block.Header.ParentHash,
		Hash:           block.Hash,
		Number:         0,
		StateRoot:      block.Header.StateRoot,
		ExtrinsicsRoot: block.Header.ExtrinsicsRoot,
		Digest:         block.Header.Digest,
		Extrinsics:     block.Extrinsics,
	}, nil
}
