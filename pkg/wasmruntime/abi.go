package wasmruntime

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"github.com/parastate/archivist/pkg/chain"
	"github.com/parastate/archivist/pkg/codec"
)

// Export names the runtime-api surface this package calls against a
// compiled WASM module. The real chain runtime's ABI is chain-specific
// and owned by the chain, not by us; these export names and the
// ptr/len calling convention below are this package's own black-box
// contract, exercised end-to-end by the fixtures built in
// runtime_test.go.
const (
	exportExecuteBlock = "Core_execute_block"
	exportVersion      = "Core_version"
	exportMetadata     = "Metadata_metadata"
)

// scratchOffset is the fixed linear-memory address the host writes call
// parameters to before invoking an export that takes one. Every export
// in this ABI takes at most a single (ptr, len) i32 pair referencing
// this region; results come back the same way, packed into a single i64
// return value.
const scratchOffset = 1024

func packPtrLen(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}

func unpackPtrLen(v uint64) (ptr, length uint32) {
	return uint32(v >> 32), uint32(v)
}

// callPacked writes param into mod's exported memory at scratchOffset
// (skipped when param is nil, for no-argument exports), calls name, and
// reads back the (ptr, len)-packed i64 result from the same memory.
func callPacked(ctx context.Context, mod api.Module, name string, param []byte) ([]byte, error) {
	fn := mod.ExportedFunction(name)
	if fn == nil {
		return nil, fmt.Errorf("wasmruntime: module has no export %q", name)
	}

	var args []uint64
	if param != nil {
		mem := mod.Memory()
		if mem == nil {
			return nil, fmt.Errorf("wasmruntime: module has no exported memory")
		}
		if !mem.Write(scratchOffset, param) {
			return nil, fmt.Errorf("wasmruntime: write %d bytes at scratch offset %d: out of bounds", len(param), scratchOffset)
		}
		args = []uint64{uint64(scratchOffset), uint64(len(param))}
	}

	results, err := fn.Call(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("wasmruntime: call %s: %w", name, err)
	}
	if len(results) != 1 {
		return nil, fmt.Errorf("wasmruntime: %s returned %d results, want 1", name, len(results))
	}

	ptr, length := unpackPtrLen(results[0])
	mem := mod.Memory()
	if mem == nil {
		return nil, fmt.Errorf("wasmruntime: module has no exported memory")
	}
	out, ok := mem.Read(ptr, length)
	if !ok {
		return nil, fmt.Errorf("wasmruntime: %s result (ptr=%d len=%d) out of bounds", name, ptr, length)
	}
	cp := make([]byte, len(out))
	copy(cp, out)
	return cp, nil
}

// encodeExecuteBlockRequest serializes the block-execution request in the
// same byte-oriented style pkg/codec uses for on-disk records, so the
// guest and the rest of this codebase share one wire idiom.
func encodeExecuteBlockRequest(req ExecuteBlockRequest) []byte {
	e := codec.NewEncoder()
	e.WriteHash(req.ParentHash)
	e.WriteBytes(codec.EncodeHeader(req.Header))
	e.WriteBytes(codec.EncodeBody(req.Extrinsics))
	return e.Bytes()
}

// decodeExecuteBlockResult decodes the flat (key, Option<value>) change
// list plus child-trie changes a guest's Core_execute_block export
// returns.
func decodeExecuteBlockResult(buf []byte) (ExecuteBlockResult, error) {
	d := codec.NewDecoder(buf)
	changes, err := decodeStorageChanges(d)
	if err != nil {
		return ExecuteBlockResult{}, fmt.Errorf("wasmruntime: decode storage changes: %w", err)
	}

	childCount, err := d.ReadCompactLength()
	if err != nil {
		return ExecuteBlockResult{}, fmt.Errorf("wasmruntime: decode child count: %w", err)
	}
	child := make([]chain.ChildStorageChanges, 0, childCount)
	for i := uint64(0); i < childCount; i++ {
		parentKey, err := d.ReadByteSequence()
		if err != nil {
			return ExecuteBlockResult{}, fmt.Errorf("wasmruntime: decode child parent key: %w", err)
		}
		inner, err := decodeStorageChanges(d)
		if err != nil {
			return ExecuteBlockResult{}, fmt.Errorf("wasmruntime: decode child changes: %w", err)
		}
		child = append(child, chain.ChildStorageChanges{ParentKey: parentKey, Changes: inner})
	}

	return ExecuteBlockResult{Changes: changes, Child: child}, nil
}

func decodeStorageChanges(d *codec.Decoder) ([]chain.StorageChange, error) {
	n, err := d.ReadCompactLength()
	if err != nil {
		return nil, err
	}
	out := make([]chain.StorageChange, 0, n)
	for i := uint64(0); i < n; i++ {
		key, err := d.ReadByteSequence()
		if err != nil {
			return nil, err
		}
		present, err := d.ReadBytes(1)
		if err != nil {
			return nil, err
		}
		var value []byte
		if present[0] == 1 {
			value, err = d.ReadByteSequence()
			if err != nil {
				return nil, err
			}
		}
		out = append(out, chain.StorageChange{Key: key, Value: value})
	}
	return out, nil
}

// decodeRuntimeVersion decodes the descriptor a guest's Core_version
// export returns: spec_version, spec_name, impl_version.
func decodeRuntimeVersion(buf []byte) (chain.RuntimeVersion, error) {
	d := codec.NewDecoder(buf)
	specVersion, err := d.ReadUint32LE()
	if err != nil {
		return chain.RuntimeVersion{}, fmt.Errorf("wasmruntime: decode spec_version: %w", err)
	}
	name, err := d.ReadByteSequence()
	if err != nil {
		return chain.RuntimeVersion{}, fmt.Errorf("wasmruntime: decode spec_name: %w", err)
	}
	implVersion, err := d.ReadUint32LE()
	if err != nil {
		return chain.RuntimeVersion{}, fmt.Errorf("wasmruntime: decode impl_version: %w", err)
	}
	return chain.RuntimeVersion{SpecVersion: specVersion, SpecName: string(name), ImplVersion: implVersion}, nil
}
