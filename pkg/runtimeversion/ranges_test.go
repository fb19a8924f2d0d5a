package runtimeversion

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parastate/archivist/pkg/archiveerr"
	"github.com/parastate/archivist/pkg/chain"
)

// versionedReader maps block hash directly to a fixed spec version via a
// fake code blob whose length encodes the version, matching
// countingResolver's SpecVersion = len(code) convention.
func versionedReader(versionByHash map[chain.Hash]uint32) *fakeReader {
	codes := make(map[chain.Hash][]byte, len(versionByHash))
	for h, v := range versionByHash {
		codes[h] = make([]byte, v)
	}
	return &fakeReader{codeByHash: codes}
}

func blockAt(number uint32, tag byte) chain.Block {
	var h chain.Hash
	h[0] = tag
	return chain.Block{Number: number, Hash: h}
}

func TestFindVersions_Empty(t *testing.T) {
	cache := New(versionedReader(nil), &countingResolver{})
	ranges, err := cache.FindVersions(nil)
	require.NoError(t, err)
	assert.Nil(t, ranges)
}

func TestFindVersions_SingleBlock(t *testing.T) {
	b := blockAt(5, 1)
	cache := New(versionedReader(map[chain.Hash]uint32{b.Hash: 10}), &countingResolver{})

	ranges, err := cache.FindVersions([]chain.Block{b})
	require.NoError(t, err)
	require.Len(t, ranges, 1)
	assert.Equal(t, uint32(5), ranges[0].StartNum)
	assert.Equal(t, uint32(5), ranges[0].EndNum)
}

func TestFindVersions_AllSameVersion(t *testing.T) {
	blocks := []chain.Block{blockAt(1, 1), blockAt(2, 2), blockAt(3, 3), blockAt(4, 4)}
	versions := map[chain.Hash]uint32{}
	for _, b := range blocks {
		versions[b.Hash] = 7
	}
	cache := New(versionedReader(versions), &countingResolver{})

	ranges, err := cache.FindVersions(blocks)
	require.NoError(t, err)
	require.Len(t, ranges, 1)
	assert.Equal(t, uint32(1), ranges[0].StartNum)
	assert.Equal(t, uint32(4), ranges[0].EndNum)
}

func TestFindVersions_OneBoundaryChange(t *testing.T) {
	blocks := []chain.Block{blockAt(1, 1), blockAt(2, 2), blockAt(3, 3), blockAt(4, 4), blockAt(5, 5)}
	versions := map[chain.Hash]uint32{
		blocks[0].Hash: 1, blocks[1].Hash: 1, blocks[2].Hash: 2, blocks[3].Hash: 2, blocks[4].Hash: 2,
	}
	cache := New(versionedReader(versions), &countingResolver{})

	ranges, err := cache.FindVersions(blocks)
	require.NoError(t, err)

	var total uint32
	for _, r := range ranges {
		total += r.EndNum - r.StartNum + 1
	}
	assert.Equal(t, uint32(5), total, "ranges must cover every block exactly once")

	assert.Equal(t, uint32(1), ranges[0].StartNum)
	last := ranges[len(ranges)-1]
	assert.Equal(t, uint32(5), last.EndNum)
}

func TestFindVersions_UpgradeAcrossTwoBlockWindow(t *testing.T) {
	blocks := []chain.Block{blockAt(4, 1), blockAt(5, 2)}
	cache := New(versionedReader(map[chain.Hash]uint32{
		blocks[0].Hash: 10,
		blocks[1].Hash: 20,
	}), &countingResolver{})

	ranges, err := cache.FindVersions(blocks)
	require.NoError(t, err)
	require.Len(t, ranges, 2)
	assert.Equal(t, chain.VersionRange{StartNum: 4, EndNum: 4, Version: ranges[0].Version}, ranges[0])
	assert.Equal(t, uint32(10), ranges[0].Version.SpecVersion)
	assert.Equal(t, chain.VersionRange{StartNum: 5, EndNum: 5, Version: ranges[1].Version}, ranges[1])
	assert.Equal(t, uint32(20), ranges[1].Version.SpecVersion)
}

func TestFindVersions_UnknownVersionPropagatesError(t *testing.T) {
	blocks := []chain.Block{blockAt(1, 1), blockAt(2, 2)}
	cache := New(versionedReader(map[chain.Hash]uint32{blocks[0].Hash: 1}), &countingResolver{})

	_, err := cache.FindVersions(blocks)
	require.Error(t, err)
	assert.True(t, errors.Is(err, archiveerr.ErrVersionNotFound))
}
