// Package codec implements the byte-oriented wire encoding used by the
// chain's on-disk store: little-endian integers and compact-length
// prefixed sequences.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/parastate/archivist/pkg/chain"
)

// Decoder reads values off a compact-length-prefixed byte stream.
type Decoder struct {
	buf []byte
	pos int
}

// NewDecoder wraps buf for sequential decoding.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

func (d *Decoder) remaining() int {
	return len(d.buf) - d.pos
}

// ReadBytes reads exactly n raw bytes.
func (d *Decoder) ReadBytes(n int) ([]byte, error) {
	if d.remaining() < n {
		return nil, fmt.Errorf("codec: short read, want %d have %d", n, d.remaining())
	}
	out := d.buf[d.pos : d.pos+n]
	d.pos += n
	return out, nil
}

// ReadHash reads a fixed 32-byte hash.
func (d *Decoder) ReadHash() (chain.Hash, error) {
	raw, err := d.ReadBytes(32)
	if err != nil {
		return chain.Hash{}, err
	}
	var h chain.Hash
	copy(h[:], raw)
	return h, nil
}

// ReadUint32LE reads a little-endian uint32.
func (d *Decoder) ReadUint32LE() (uint32, error) {
	raw, err := d.ReadBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(raw), nil
}

// ReadCompactLength decodes a SCALE-style compact length prefix: the low
// two bits of the first byte select a mode (single byte, two-byte,
// four-byte, or big-integer), the remaining bits hold the shifted value.
func (d *Decoder) ReadCompactLength() (uint64, error) {
	first, err := d.ReadBytes(1)
	if err != nil {
		return 0, err
	}
	mode := first[0] & 0b11
	switch mode {
	case 0b00:
		return uint64(first[0] >> 2), nil
	case 0b01:
		rest, err := d.ReadBytes(1)
		if err != nil {
			return 0, err
		}
		v := uint16(first[0]) | uint16(rest[0])<<8
		return uint64(v >> 2), nil
	case 0b10:
		rest, err := d.ReadBytes(3)
		if err != nil {
			return 0, err
		}
		v := uint32(first[0]) | uint32(rest[0])<<8 | uint32(rest[1])<<16 | uint32(rest[2])<<24
		return uint64(v >> 2), nil
	default:
		n := int(first[0]>>2) + 4
		rest, err := d.ReadBytes(n)
		if err != nil {
			return 0, err
		}
		var v uint64
		for i := n - 1; i >= 0; i-- {
			v = v<<8 | uint64(rest[i])
		}
		return v, nil
	}
}

// ReadByteSequence decodes a compact-length-prefixed opaque byte blob.
func (d *Decoder) ReadByteSequence() ([]byte, error) {
	n, err := d.ReadCompactLength()
	if err != nil {
		return nil, err
	}
	return d.ReadBytes(int(n))
}

// Encoder accumulates a compact-length-prefixed byte stream.
type Encoder struct {
	buf bytes.Buffer
}

// NewEncoder returns an empty encoder.
func NewEncoder() *Encoder {
	return &Encoder{}
}

// Bytes returns the accumulated encoded bytes.
func (e *Encoder) Bytes() []byte {
	return e.buf.Bytes()
}

// WriteBytes appends raw bytes verbatim.
func (e *Encoder) WriteBytes(b []byte) {
	e.buf.Write(b)
}

// WriteHash appends a fixed 32-byte hash.
func (e *Encoder) WriteHash(h chain.Hash) {
	e.buf.Write(h[:])
}

// WriteUint32LE appends a little-endian uint32.
func (e *Encoder) WriteUint32LE(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	e.buf.Write(b[:])
}

// WriteCompactLength appends v using the smallest applicable SCALE-style
// compact-length mode.
func (e *Encoder) WriteCompactLength(v uint64) {
	switch {
	case v < 1<<6:
		e.buf.WriteByte(byte(v<<2) | 0b00)
	case v < 1<<14:
		e.buf.WriteByte(byte(v<<2) | 0b01)
		e.buf.WriteByte(byte(v >> 6))
	case v < 1<<30:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(v<<2)|0b10)
		e.buf.Write(b[:])
	default:
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], v)
		n := 8
		for n > 1 && tmp[n-1] == 0 {
			n--
		}
		e.buf.WriteByte(byte((n-4)<<2) | 0b11)
		e.buf.Write(tmp[:n])
	}
}

// WriteByteSequence appends a compact-length-prefixed opaque blob.
func (e *Encoder) WriteByteSequence(b []byte) {
	e.WriteCompactLength(uint64(len(b)))
	e.buf.Write(b)
}

// EncodeHeader encodes a header in full, including its digest.
func EncodeHeader(h chain.Header) []byte {
	e := NewEncoder()
	e.WriteHash(h.ParentHash)
	e.WriteUint32LE(h.Number)
	e.WriteHash(h.StateRoot)
	e.WriteHash(h.ExtrinsicsRoot)
	e.WriteByteSequence(h.Digest)
	return e.Bytes()
}

// DecodeHeader decodes a full header, including its digest.
func DecodeHeader(buf []byte) (chain.Header, error) {
	d := NewDecoder(buf)
	var h chain.Header
	var err error
	if h.ParentHash, err = d.ReadHash(); err != nil {
		return h, err
	}
	if h.Number, err = d.ReadUint32LE(); err != nil {
		return h, err
	}
	if h.StateRoot, err = d.ReadHash(); err != nil {
		return h, err
	}
	if h.ExtrinsicsRoot, err = d.ReadHash(); err != nil {
		return h, err
	}
	if h.Digest, err = d.ReadByteSequence(); err != nil {
		return h, err
	}
	return h, nil
}

// DecodeBody decodes a compact-length-prefixed sequence of opaque
// extrinsic blobs.
func DecodeBody(buf []byte) ([][]byte, error) {
	d := NewDecoder(buf)
	n, err := d.ReadCompactLength()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, n)
	for i := uint64(0); i < n; i++ {
		ext, err := d.ReadByteSequence()
		if err != nil {
			return nil, err
		}
		out = append(out, ext)
	}
	return out, nil
}

// EncodeBody encodes a sequence of opaque extrinsic blobs.
func EncodeBody(extrinsics [][]byte) []byte {
	e := NewEncoder()
	e.WriteCompactLength(uint64(len(extrinsics)))
	for _, ext := range extrinsics {
		e.WriteByteSequence(ext)
	}
	return e.Bytes()
}

// PopLastDigestItem removes the final length-delimited item from a
// compact-length-prefixed digest blob, returning the truncated digest and
// the popped item. Used by the block executor to work around a mismatch
// between the stored digest and the one the runtime recomputes.
//
// The truncated digest is only used to build the re-execution request; the
// original digest bytes are what gets persisted. Popping and re-appending
// the item must round-trip to the original bytes exactly.
func PopLastDigestItem(digest []byte) (truncated []byte, popped []byte, err error) {
	d := NewDecoder(digest)
	n, err := d.ReadCompactLength()
	if err != nil {
		return nil, nil, err
	}
	if n == 0 {
		return digest, nil, nil
	}
	items := make([][]byte, 0, n)
	for i := uint64(0); i < n; i++ {
		item, err := d.ReadByteSequence()
		if err != nil {
			return nil, nil, err
		}
		items = append(items, item)
	}
	popped = items[len(items)-1]
	items = items[:len(items)-1]

	e := NewEncoder()
	e.WriteCompactLength(uint64(len(items)))
	for _, it := range items {
		e.WriteByteSequence(it)
	}
	return e.Bytes(), popped, nil
}
