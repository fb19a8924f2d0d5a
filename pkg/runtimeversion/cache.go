// Package runtimeversion caches decoded runtime versions by a content
// fingerprint of the WASM code blob, and resolves per-block versions
// across a sorted block range via recursive bisection.
package runtimeversion

import (
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	iradix "github.com/hashicorp/go-immutable-radix"

	"github.com/parastate/archivist/pkg/chain"
	"github.com/parastate/archivist/pkg/metrics"
)

// CodeStorageKey is the well-known storage key under which the WASM
// runtime code blob is stored.
var CodeStorageKey = []byte(":code:")

// FingerprintFunc computes the same 64-bit content fingerprint the cache
// uses internally, exported so callers (e.g. the block executor) can key
// a runtime-api handle by the same identity the cache uses.
func FingerprintFunc(code []byte) uint64 {
	return xxhash.Sum64(code)
}

// Resolver decodes a runtime version from a raw WASM code blob. It is
// the black-box boundary to the runtime executor.
type Resolver interface {
	ReadRuntimeVersion(code []byte) (chain.RuntimeVersion, error)
}

// ChainReader fetches the :code: value for a given block hash.
type ChainReader interface {
	StorageAt(blockHash chain.Hash, key []byte) ([]byte, bool, error)
}

// Cache memoizes decoded runtime versions by a 64-bit fingerprint of the
// code blob. The map is published via copy-on-write: readers follow an
// atomically-swapped pointer to an immutable radix tree and never block.
type Cache struct {
	reader   ChainReader
	resolver Resolver
	tree     atomic.Pointer[iradix.Tree]
}

// New constructs a Cache backed by reader and resolver.
func New(reader ChainReader, resolver Resolver) *Cache {
	c := &Cache{reader: reader, resolver: resolver}
	c.tree.Store(iradix.New())
	return c
}

func fingerprintKey(fp uint64) []byte {
	key := make([]byte, 8)
	for i := 0; i < 8; i++ {
		key[i] = byte(fp >> (8 * i))
	}
	return key
}

// Get fetches :code: at blockHash, hashes it, and returns the cached or
// freshly-decoded RuntimeVersion. Two concurrent writers that land on the
// same fingerprint may each decode once; the last writer's insert wins
// without a correctness impact, since the decoded value is identical by
// construction from the same code bytes.
func (c *Cache) Get(blockHash chain.Hash) (chain.RuntimeVersion, bool, error) {
	code, ok, err := c.reader.StorageAt(blockHash, CodeStorageKey)
	if err != nil {
		return chain.RuntimeVersion{}, false, err
	}
	if !ok {
		return chain.RuntimeVersion{}, false, nil
	}
	fp := xxhash.Sum64(code)
	key := fingerprintKey(fp)

	tree := c.tree.Load()
	if v, found := tree.Get(key); found {
		metrics.VersionCacheHitsTotal.Inc()
		return v.(chain.RuntimeVersion), true, nil
	}

	metrics.VersionCacheMissesTotal.Inc()
	version, err := c.resolver.ReadRuntimeVersion(code)
	if err != nil {
		return chain.RuntimeVersion{}, false, err
	}

	for {
		cur := c.tree.Load()
		next, _, _ := cur.Insert(key, version)
		if c.tree.CompareAndSwap(cur, next) {
			break
		}
	}
	return version, true, nil
}

// Len reports the number of distinct fingerprints currently cached.
func (c *Cache) Len() int {
	return c.tree.Load().Len()
}
