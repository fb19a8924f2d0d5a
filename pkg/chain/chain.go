// Package chain defines the core data model shared across the indexing
// pipeline: blocks, metadata, storage changes and runtime versions.
package chain

import "encoding/hex"

// Hash is a content address: the output of the chain's block hashing
// function. Zero value is the designated "genesis parent" sentinel.
type Hash [32]byte

// String renders the hash as a 0x-prefixed hex string.
func (h Hash) String() string {
	return "0x" + hex.EncodeToString(h[:])
}

// IsZero reports whether h is the all-zero sentinel hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Block is an immutable chain block as reconstructed from the backend.
type Block struct {
	ParentHash     Hash
	Hash           Hash
	Number         uint32
	StateRoot      Hash
	ExtrinsicsRoot Hash
	Digest         []byte
	Extrinsics     [][]byte
	SpecVersion    uint32
}

// Metadata is the opaque runtime metadata blob for one spec version.
type Metadata struct {
	SpecVersion uint32
	Bytes       []byte
}

// StorageChange is a single (key, value) mutation. A nil Value means the
// key was deleted.
type StorageChange struct {
	Key   []byte
	Value []byte
}

// ChildStorageChanges groups storage changes nested under a child-trie
// parent key.
type ChildStorageChanges struct {
	ParentKey []byte
	Changes   []StorageChange
}

// StorageChangeSet is the full set of mutations produced by executing one
// block.
type StorageChangeSet struct {
	BlockHash   Hash
	BlockNumber uint32
	Changes     []StorageChange
	Child       []ChildStorageChanges
}

// RuntimeVersion is the decoded descriptor extracted from a WASM code
// blob via the runtime-api's version call.
type RuntimeVersion struct {
	SpecVersion uint32
	SpecName    string
	ImplVersion uint32
	Raw         []byte
}

// VersionRange is a contiguous run of block numbers sharing one runtime
// version, as produced by the runtime-version cache's range finder.
type VersionRange struct {
	StartNum uint32
	EndNum   uint32
	Version  RuntimeVersion
}

// Header is the decoded block header, independent of its extrinsics.
type Header struct {
	ParentHash     Hash
	Number         uint32
	StateRoot      Hash
	ExtrinsicsRoot Hash
	Digest         []byte
}

// SignedBlock is a header plus its extrinsics and an optional
// justification blob, as reconstructed by the trie backend.
type SignedBlock struct {
	Hash          Hash
	Header        Header
	Extrinsics    [][]byte
	Justification []byte
}
