package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parastate/archivist/pkg/archiveerr"
	"github.com/parastate/archivist/pkg/chain"
	"github.com/parastate/archivist/pkg/codec"
	"github.com/parastate/archivist/pkg/wasmruntime"
)

type fakeBackend struct {
	codeByParent map[chain.Hash][]byte
}

func (f *fakeBackend) StorageAt(parentHash chain.Hash, key []byte) ([]byte, bool, error) {
	code, ok := f.codeByParent[parentHash]
	return code, ok, nil
}

// fakeEngine is both the Engine and the RuntimeAPI it hands back,
// recording the last request so tests can assert on the reconstructed
// block the executor submits.
type fakeEngine struct {
	result  wasmruntime.ExecuteBlockResult
	err     error
	lastReq wasmruntime.ExecuteBlockRequest
	calls   int
}

func (f *fakeEngine) HandleAt(fingerprint uint64, code []byte) RuntimeAPI {
	return f
}

func (f *fakeEngine) ExecuteBlock(ctx context.Context, req wasmruntime.ExecuteBlockRequest) (wasmruntime.ExecuteBlockResult, error) {
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return wasmruntime.ExecuteBlockResult{}, f.err
	}
	return f.result, nil
}

// digestOf encodes items as a compact-length-prefixed digest blob.
func digestOf(items ...[]byte) []byte {
	e := codec.NewEncoder()
	e.WriteCompactLength(uint64(len(items)))
	for _, it := range items {
		e.WriteByteSequence(it)
	}
	return e.Bytes()
}

func TestExecutor_GenesisBlockSkipsExecution(t *testing.T) {
	engine := &fakeEngine{}
	ex := New(&fakeBackend{}, engine)

	var blockHash chain.Hash
	blockHash[0] = 0x01
	block := chain.Block{Hash: blockHash, Number: 0} // ParentHash is the zero sentinel

	changes, err := ex.Execute(context.Background(), block)
	require.NoError(t, err)
	assert.Equal(t, blockHash, changes.BlockHash)
	assert.Equal(t, uint32(0), changes.BlockNumber)
	assert.Nil(t, changes.Changes)
	assert.Equal(t, 0, engine.calls)
}

func TestExecutor_PopsLastDigestItemBeforeExecution(t *testing.T) {
	var parentHash, blockHash chain.Hash
	parentHash[0] = 0x01
	blockHash[0] = 0x02

	backend := &fakeBackend{codeByParent: map[chain.Hash][]byte{parentHash: []byte("wasm-code")}}
	engine := &fakeEngine{result: wasmruntime.ExecuteBlockResult{
		Changes: []chain.StorageChange{{Key: []byte("k"), Value: []byte("v")}},
	}}
	ex := New(backend, engine)

	block := chain.Block{
		ParentHash: parentHash,
		Hash:       blockHash,
		Number:     1,
		Digest:     digestOf([]byte("seal-a"), []byte("seal-b")),
	}

	changes, err := ex.Execute(context.Background(), block)
	require.NoError(t, err)
	assert.Equal(t, blockHash, changes.BlockHash)
	assert.Equal(t, uint32(1), changes.BlockNumber)
	require.Len(t, changes.Changes, 1)
	assert.Equal(t, []byte("k"), changes.Changes[0].Key)

	require.Equal(t, 1, engine.calls)
	assert.Equal(t, parentHash, engine.lastReq.ParentHash)
	// The submitted header carries the digest with its last item popped;
	// the original block digest is untouched.
	assert.Equal(t, digestOf([]byte("seal-a")), engine.lastReq.Header.Digest)
	assert.Equal(t, digestOf([]byte("seal-a"), []byte("seal-b")), block.Digest)
}

func TestExecutor_EmptyDigestExecutesUnchanged(t *testing.T) {
	var parentHash chain.Hash
	parentHash[0] = 0x03

	backend := &fakeBackend{codeByParent: map[chain.Hash][]byte{parentHash: []byte("wasm-code")}}
	engine := &fakeEngine{}
	ex := New(backend, engine)

	block := chain.Block{ParentHash: parentHash, Number: 2, Digest: digestOf()}
	_, err := ex.Execute(context.Background(), block)
	require.NoError(t, err)
	assert.Equal(t, digestOf(), engine.lastReq.Header.Digest)
}

func TestExecutor_MissingParentCode(t *testing.T) {
	var parentHash chain.Hash
	parentHash[0] = 0x09

	ex := New(&fakeBackend{codeByParent: map[chain.Hash][]byte{}}, &fakeEngine{})

	block := chain.Block{ParentHash: parentHash, Number: 5, Digest: digestOf()}
	_, err := ex.Execute(context.Background(), block)
	require.Error(t, err)
	assert.ErrorIs(t, err, archiveerr.ErrVersionNotFound)
}

func TestExecutor_RuntimeErrorIsWrappedWasmExecution(t *testing.T) {
	var parentHash chain.Hash
	parentHash[0] = 0x04

	backend := &fakeBackend{codeByParent: map[chain.Hash][]byte{parentHash: []byte("wasm-code")}}
	engine := &fakeEngine{err: errors.New("trap: unreachable")}
	ex := New(backend, engine)

	block := chain.Block{ParentHash: parentHash, Number: 3, Digest: digestOf()}
	_, err := ex.Execute(context.Background(), block)
	require.Error(t, err)
	assert.ErrorIs(t, err, archiveerr.ErrWasmExecution)
}

func TestExecutor_BadDigestIsWrappedCodecError(t *testing.T) {
	var parentHash chain.Hash
	parentHash[0] = 0x07

	backend := &fakeBackend{codeByParent: map[chain.Hash][]byte{parentHash: []byte("wasm-code")}}
	ex := New(backend, &fakeEngine{})

	block := chain.Block{
		ParentHash: parentHash,
		Number:     2,
		Digest:     []byte{0x07}, // big-integer compact prefix, but none of its length bytes follow
	}
	_, err := ex.Execute(context.Background(), block)
	require.Error(t, err)
	assert.ErrorIs(t, err, archiveerr.ErrCodec)
}
