package wasmruntime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parastate/archivist/pkg/chain"
	"github.com/parastate/archivist/pkg/codec"
)

// minimalModule is the smallest valid WASM binary: magic number plus
// version, no sections. wazero compiles it without any imports/exports.
// Used only where no export call is expected to succeed.
var minimalModule = []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}

// encodeRuntimeVersionFixture builds the wire bytes a Core_version export
// is expected to return, mirroring decodeRuntimeVersion.
func encodeRuntimeVersionFixture(specVersion uint32, specName string, implVersion uint32) []byte {
	e := codec.NewEncoder()
	e.WriteUint32LE(specVersion)
	e.WriteByteSequence([]byte(specName))
	e.WriteUint32LE(implVersion)
	return e.Bytes()
}

// encodeExecuteBlockResultFixture builds the wire bytes a
// Core_execute_block export is expected to return, mirroring
// decodeExecuteBlockResult.
func encodeExecuteBlockResultFixture(changes []chain.StorageChange, child []chain.ChildStorageChanges) []byte {
	e := codec.NewEncoder()
	encodeStorageChangesFixture(e, changes)
	e.WriteCompactLength(uint64(len(child)))
	for _, c := range child {
		e.WriteByteSequence(c.ParentKey)
		encodeStorageChangesFixture(e, c.Changes)
	}
	return e.Bytes()
}

func encodeStorageChangesFixture(e *codec.Encoder, changes []chain.StorageChange) {
	e.WriteCompactLength(uint64(len(changes)))
	for _, c := range changes {
		e.WriteByteSequence(c.Key)
		if c.Value == nil {
			e.WriteBytes([]byte{0})
		} else {
			e.WriteBytes([]byte{1})
			e.WriteByteSequence(c.Value)
		}
	}
}

func executeBlockModule(t *testing.T, changes []chain.StorageChange, child []chain.ChildStorageChanges) []byte {
	t.Helper()
	b := newWasmModuleBuilder()
	b.addConstExport(exportExecuteBlock, wasmTypeTwoArgs, encodeExecuteBlockResultFixture(changes, child))
	return b.build()
}

func versionModule(t *testing.T, specVersion uint32, specName string, implVersion uint32) []byte {
	t.Helper()
	b := newWasmModuleBuilder()
	b.addConstExport(exportVersion, wasmTypeNoArgs, encodeRuntimeVersionFixture(specVersion, specName, implVersion))
	return b.build()
}

func metadataModule(t *testing.T, meta []byte) []byte {
	t.Helper()
	b := newWasmModuleBuilder()
	b.addConstExport(exportMetadata, wasmTypeTwoArgs, meta)
	return b.build()
}

func TestEngine_HandleAtCompilesOncePerFingerprint(t *testing.T) {
	ctx := context.Background()
	engine := NewEngine(ctx)
	defer engine.Close(ctx)

	code := executeBlockModule(t, nil, nil)
	fp := fingerprint(code)
	h1 := engine.HandleAt(fp, code)
	h2 := engine.HandleAt(fp, code)

	_, err := h1.ExecuteBlock(ctx, ExecuteBlockRequest{})
	require.NoError(t, err)
	_, err = h2.ExecuteBlock(ctx, ExecuteBlockRequest{})
	require.NoError(t, err)

	assert.Len(t, engine.modules, 1)
}

func TestHandle_ExecuteBlockDecodesStorageChanges(t *testing.T) {
	ctx := context.Background()
	engine := NewEngine(ctx)
	defer engine.Close(ctx)

	changes := []chain.StorageChange{
		{Key: []byte("balance:alice"), Value: []byte("900")},
		{Key: []byte("balance:bob"), Value: nil}, // deletion
	}
	child := []chain.ChildStorageChanges{
		{ParentKey: []byte("contract:1"), Changes: []chain.StorageChange{
			{Key: []byte("slot:0"), Value: []byte("42")},
		}},
	}
	code := executeBlockModule(t, changes, child)
	h := engine.HandleAt(fingerprint(code), code)

	result, err := h.ExecuteBlock(ctx, ExecuteBlockRequest{
		ParentHash: chain.Hash{0x01},
		Header:     chain.Header{Number: 7},
		Extrinsics: [][]byte{[]byte("ext-1")},
	})
	require.NoError(t, err)
	assert.Equal(t, changes, result.Changes)
	require.Len(t, result.Child, 1)
	assert.Equal(t, child[0].ParentKey, result.Child[0].ParentKey)
	assert.Equal(t, child[0].Changes, result.Child[0].Changes)
}

func TestHandle_ExecuteBlockMissingExportErrors(t *testing.T) {
	ctx := context.Background()
	engine := NewEngine(ctx)
	defer engine.Close(ctx)

	h := engine.HandleAt(fingerprint(minimalModule), minimalModule)
	_, err := h.ExecuteBlock(ctx, ExecuteBlockRequest{})
	require.Error(t, err)
}

func TestEngine_ReadRuntimeVersion(t *testing.T) {
	code := versionModule(t, 42, "test-runtime", 3)
	engine := NewEngine(context.Background())
	defer engine.Close(context.Background())

	v, err := engine.ReadRuntimeVersion(code)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), v.SpecVersion)
	assert.Equal(t, "test-runtime", v.SpecName)
	assert.Equal(t, uint32(3), v.ImplVersion)
	assert.Equal(t, code, v.Raw)
}

func TestHandle_Metadata(t *testing.T) {
	ctx := context.Background()
	engine := NewEngine(ctx)
	defer engine.Close(ctx)

	wantMeta := []byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02, 0x03}
	code := metadataModule(t, wantMeta)
	h := engine.HandleAt(fingerprint(code), code)

	var blockHash chain.Hash
	blockHash[0] = 0x01

	meta, err := h.Metadata(ctx, blockHash)
	require.NoError(t, err)
	assert.Equal(t, wantMeta, meta)
}

func TestFingerprint_DistinctForDistinctCode(t *testing.T) {
	other := append([]byte{}, minimalModule...)
	other = append(other, 0x00, 0x01, 0x7f) // append a trivial custom-section-like tail
	assert.NotEqual(t, fingerprint(minimalModule), fingerprint(other))
}
