package runtimeversion

import "github.com/parastate/archivist/pkg/chain"

// numberedHash pairs a block number with the hash used to query its
// runtime version.
type numberedHash struct {
	Number uint32
	Hash   chain.Hash
}

// FindVersions partitions a slice of blocks sorted by number into
// contiguous VersionRanges by recursive bisection: it looks up the
// version at the first and last block; if equal, the whole slice is one
// range; otherwise it splits at the midpoint and recurses on each half.
// Bisection stops once a slice has 2 or fewer elements, reducing executor
// calls from O(n) to O(log n * v) where v is the number of distinct
// versions present.
func (c *Cache) FindVersions(blocks []chain.Block) ([]chain.VersionRange, error) {
	if len(blocks) == 0 {
		return nil, nil
	}
	items := make([]numberedHash, len(blocks))
	for i, b := range blocks {
		items[i] = numberedHash{Number: b.Number, Hash: b.Hash}
	}
	return c.findVersions(items)
}

func (c *Cache) findVersions(items []numberedHash) ([]chain.VersionRange, error) {
	first := items[0]
	last := items[len(items)-1]

	firstVersion, ok, err := c.Get(first.Hash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errVersionNotFound(first.Number)
	}

	if len(items) <= 2 {
		lastVersion := firstVersion
		if len(items) == 2 {
			lastVersion, ok, err = c.Get(last.Hash)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, errVersionNotFound(last.Number)
			}
		}
		if len(items) == 1 || firstVersion.SpecVersion == lastVersion.SpecVersion {
			return []chain.VersionRange{{StartNum: first.Number, EndNum: last.Number, Version: firstVersion}}, nil
		}
		return []chain.VersionRange{
			{StartNum: first.Number, EndNum: first.Number, Version: firstVersion},
			{StartNum: last.Number, EndNum: last.Number, Version: lastVersion},
		}, nil
	}

	lastVersion, ok, err := c.Get(last.Hash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errVersionNotFound(last.Number)
	}

	if firstVersion.SpecVersion == lastVersion.SpecVersion {
		return []chain.VersionRange{{StartNum: first.Number, EndNum: last.Number, Version: firstVersion}}, nil
	}

	mid := len(items) / 2
	left, err := c.findVersions(items[:mid])
	if err != nil {
		return nil, err
	}
	right, err := c.findVersions(items[mid:])
	if err != nil {
		return nil, err
	}
	return append(left, right...), nil
}
