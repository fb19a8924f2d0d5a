package trie

import (
	"encoding/binary"

	"github.com/parastate/archivist/pkg/archiveerr"
	"github.com/parastate/archivist/pkg/chain"
	"github.com/parastate/archivist/pkg/codec"
	"github.com/parastate/archivist/pkg/kv"
)

// BlockID identifies a block either by number or by hash for lookup via
// the key-lookup index.
type BlockID struct {
	Number *uint32
	Hash   *chain.Hash
}

// ByNumber builds a BlockID keyed by block number.
func ByNumber(n uint32) BlockID { return BlockID{Number: &n} }

// ByHash builds a BlockID keyed by block hash.
func ByHash(h chain.Hash) BlockID { return BlockID{Hash: &h} }

func numberKey(n uint32) []byte {
	var k [4]byte
	binary.BigEndian.PutUint32(k[:], n)
	return k[:]
}

// canonicalHash resolves id to the canonical block hash via the
// key-lookup column.
func (b *Backend) canonicalHash(id BlockID) (chain.Hash, bool, error) {
	if id.Hash != nil {
		return *id.Hash, true, nil
	}
	raw, ok, err := b.store.Get(kv.ColumnKeyLookup, numberKey(*id.Number))
	if err != nil {
		return chain.Hash{}, false, archiveerr.Wrap(archiveerr.ErrBackend, "key-lookup get", err)
	}
	if !ok {
		return chain.Hash{}, false, nil
	}
	var h chain.Hash
	copy(h[:], raw)
	return h, true, nil
}

// Block looks up header, body, and optional justification for id,
// returning a reconstructed SignedBlock. Returns (nil, false, nil) if id
// has no key-lookup entry or the body is missing; a missing header for a
// resolved hash is an ErrUnknownBlock error.
func (b *Backend) Block(id BlockID) (*chain.SignedBlock, bool, error) {
	hash, ok, err := b.canonicalHash(id)
	if err != nil || !ok {
		return nil, ok, err
	}
	header, ok, err := b.Header(hash)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, archiveerr.Wrap(archiveerr.ErrUnknownBlock, hash.String(), nil)
	}
	bodyRaw, ok, err := b.store.Get(kv.ColumnBody, hash[:])
	if err != nil {
		return nil, false, archiveerr.Wrap(archiveerr.ErrBackend, "body get", err)
	}
	if !ok {
		return nil, false, nil
	}
	extrinsics, err := codec.DecodeBody(bodyRaw)
	if err != nil {
		return nil, false, archiveerr.Wrap(archiveerr.ErrCodec, "body decode", err)
	}
	justification, _, err := b.store.TryGet(kv.ColumnJustification, hash[:])
	if err != nil {
		return nil, false, archiveerr.Wrap(archiveerr.ErrBackend, "justification get", err)
	}
	return &chain.SignedBlock{Hash: hash, Header: header, Extrinsics: extrinsics, Justification: justification}, true, nil
}

// IterBlocks scans the key-lookup column for number-keyed entries (4-byte
// big-endian keys); for each, it decodes the block number and runs
// predicate against it before paying the cost of reading header, body,
// and justification. This predicate-pushdown ordering is load-bearing:
// do not reorder it to read full blocks before filtering.
func (b *Backend) IterBlocks(predicate func(number uint32) bool, fn func(chain.SignedBlock, uint32) error) error {
	if err := b.store.CatchUpWithPrimary(); err != nil {
		return archiveerr.Wrap(archiveerr.ErrBackend, "iter_blocks catch up", err)
	}
	// Collect matching numbers during the key scan, read the full blocks
	// only after the scan's read transaction is released: Block's own
	// lookups may trigger a catch-up, which needs exclusive access to the
	// store handle.
	var numbers []uint32
	err := b.store.Iterate(kv.ColumnKeyLookup, func(e kv.Entry) error {
		if len(e.Key) != 4 {
			return nil
		}
		number := binary.BigEndian.Uint32(e.Key)
		if predicate(number) {
			numbers = append(numbers, number)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, number := range numbers {
		block, ok, err := b.Block(ByNumber(number))
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := fn(*block, number); err != nil {
			return err
		}
	}
	return nil
}
