package trie

import (
	"bytes"
	"fmt"

	"github.com/parastate/archivist/pkg/archiveerr"
	"github.com/parastate/archivist/pkg/chain"
	"github.com/parastate/archivist/pkg/codec"
)

// Node kinds for this backend's own content-addressed trie encoding. The
// real chain's node format is chain-specific; this is a radix-16
// Merkle-Patricia scheme documented here and exercised end-to-end by
// trie_test.go's hand-built fixtures.
type nodeKind byte

const (
	nodeKindLeaf      nodeKind = 0x00
	nodeKindExtension nodeKind = 0x01
	nodeKindBranch    nodeKind = 0x02
)

// trieNode is the decoded form of one node read from the state column.
// Leaf and extension nodes carry a nibble path (one nibble per byte,
// high nibble of each input byte first); branch nodes carry up to 16
// child node hashes plus an optional value of their own.
type trieNode struct {
	kind     nodeKind
	nibbles  []byte
	value    []byte
	hasValue bool
	children [16]chain.Hash
}

// nibblesOf expands key into one nibble (0-15) per output byte.
func nibblesOf(key []byte) []byte {
	out := make([]byte, 0, len(key)*2)
	for _, b := range key {
		out = append(out, b>>4, b&0x0f)
	}
	return out
}

// encodeLeaf serializes a leaf node: remaining nibble path plus its
// value.
func encodeLeaf(nibbles, value []byte) []byte {
	e := codec.NewEncoder()
	e.WriteBytes([]byte{byte(nodeKindLeaf)})
	e.WriteByteSequence(nibbles)
	e.WriteByteSequence(value)
	return e.Bytes()
}

// encodeExtension serializes an extension node: a shared nibble prefix
// plus the hash of the single child it points to.
func encodeExtension(nibbles []byte, child chain.Hash) []byte {
	e := codec.NewEncoder()
	e.WriteBytes([]byte{byte(nodeKindExtension)})
	e.WriteByteSequence(nibbles)
	e.WriteHash(child)
	return e.Bytes()
}

// encodeBranch serializes a branch node: up to 16 child hashes (absent
// children are the zero hash) plus an optional value of its own.
func encodeBranch(children [16]chain.Hash, value []byte, hasValue bool) []byte {
	e := codec.NewEncoder()
	e.WriteBytes([]byte{byte(nodeKindBranch)})
	var bitmap uint16
	for i, h := range children {
		if !h.IsZero() {
			bitmap |= 1 << uint(i)
		}
	}
	e.WriteBytes([]byte{byte(bitmap), byte(bitmap >> 8)})
	for _, h := range children {
		if !h.IsZero() {
			e.WriteHash(h)
		}
	}
	if hasValue {
		e.WriteBytes([]byte{1})
		e.WriteByteSequence(value)
	} else {
		e.WriteBytes([]byte{0})
	}
	return e.Bytes()
}

// decodeNode parses a node encoded by encodeLeaf/encodeExtension/
// encodeBranch.
func decodeNode(buf []byte) (trieNode, error) {
	if len(buf) == 0 {
		return trieNode{}, fmt.Errorf("trie: empty node")
	}
	d := codec.NewDecoder(buf)
	tag, err := d.ReadBytes(1)
	if err != nil {
		return trieNode{}, err
	}
	switch nodeKind(tag[0]) {
	case nodeKindLeaf:
		nibbles, err := d.ReadByteSequence()
		if err != nil {
			return trieNode{}, fmt.Errorf("trie: decode leaf nibbles: %w", err)
		}
		value, err := d.ReadByteSequence()
		if err != nil {
			return trieNode{}, fmt.Errorf("trie: decode leaf value: %w", err)
		}
		return trieNode{kind: nodeKindLeaf, nibbles: nibbles, value: value, hasValue: true}, nil

	case nodeKindExtension:
		nibbles, err := d.ReadByteSequence()
		if err != nil {
			return trieNode{}, fmt.Errorf("trie: decode extension nibbles: %w", err)
		}
		child, err := d.ReadHash()
		if err != nil {
			return trieNode{}, fmt.Errorf("trie: decode extension child: %w", err)
		}
		var n trieNode
		n.kind = nodeKindExtension
		n.nibbles = nibbles
		n.children[0] = child
		return n, nil

	case nodeKindBranch:
		bitmapBytes, err := d.ReadBytes(2)
		if err != nil {
			return trieNode{}, fmt.Errorf("trie: decode branch bitmap: %w", err)
		}
		bitmap := uint16(bitmapBytes[0]) | uint16(bitmapBytes[1])<<8
		var n trieNode
		n.kind = nodeKindBranch
		for i := 0; i < 16; i++ {
			if bitmap&(1<<uint(i)) == 0 {
				continue
			}
			h, err := d.ReadHash()
			if err != nil {
				return trieNode{}, fmt.Errorf("trie: decode branch child %d: %w", i, err)
			}
			n.children[i] = h
		}
		hasValue, err := d.ReadBytes(1)
		if err != nil {
			return trieNode{}, fmt.Errorf("trie: decode branch value flag: %w", err)
		}
		if hasValue[0] == 1 {
			value, err := d.ReadByteSequence()
			if err != nil {
				return trieNode{}, fmt.Errorf("trie: decode branch value: %w", err)
			}
			n.value = value
			n.hasValue = true
		}
		return n, nil

	default:
		return trieNode{}, fmt.Errorf("trie: unknown node kind %d", tag[0])
	}
}

// descend walks the trie rooted at nodeHash looking for path, a nibble
// sequence. Leaf nodes match when their stored nibbles exactly equal the
// remaining path; extension nodes require their nibbles be a prefix of
// the remaining path and recurse into their single child; branch nodes
// consume one nibble per level and may also carry a value of their own
// when path is fully consumed at that branch.
func (t *TrieState) descend(nodeHash chain.Hash, path []byte) ([]byte, bool, error) {
	raw, ok, err := t.backend.readNode(nodeHash)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	n, err := decodeNode(raw)
	if err != nil {
		return nil, false, archiveerr.Wrap(archiveerr.ErrCodec, "trie node decode", err)
	}

	switch n.kind {
	case nodeKindLeaf:
		if bytes.Equal(n.nibbles, path) {
			return n.value, true, nil
		}
		return nil, false, nil

	case nodeKindExtension:
		if len(path) < len(n.nibbles) || !bytes.Equal(path[:len(n.nibbles)], n.nibbles) {
			return nil, false, nil
		}
		return t.descend(n.children[0], path[len(n.nibbles):])

	case nodeKindBranch:
		if len(path) == 0 {
			if n.hasValue {
				return n.value, true, nil
			}
			return nil, false, nil
		}
		child := n.children[path[0]]
		if child.IsZero() {
			return nil, false, nil
		}
		return t.descend(child, path[1:])

	default:
		return nil, false, fmt.Errorf("trie: unreachable node kind %d", n.kind)
	}
}
