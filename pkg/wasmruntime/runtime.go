// Package wasmruntime is a thin client wrapper around an external
// execution engine — a pure-Go WASM runtime — standing in for the
// chain's native/WASM runtime executor, consumed as a black box.
package wasmruntime

import (
	"context"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/tetratelabs/wazero"

	"github.com/parastate/archivist/pkg/archiveerr"
	"github.com/parastate/archivist/pkg/chain"
)

func fingerprint(code []byte) uint64 {
	return xxhash.Sum64(code)
}

// DefaultNamespace scopes compiled modules cached by this runtime.
const DefaultNamespace = "archivist"

// Engine owns a wazero runtime and a cache of compiled modules keyed by
// code fingerprint, so a given WASM blob is compiled at most once per
// process lifetime.
type Engine struct {
	rt      wazero.Runtime
	mu      sync.Mutex
	modules map[uint64]wazero.CompiledModule
}

// NewEngine constructs an Engine bound to ctx's cancellation.
func NewEngine(ctx context.Context) *Engine {
	return &Engine{
		rt:      wazero.NewRuntime(ctx),
		modules: make(map[uint64]wazero.CompiledModule),
	}
}

// Close releases the underlying wazero runtime and all compiled modules.
func (e *Engine) Close(ctx context.Context) error {
	return e.rt.Close(ctx)
}

// compiled returns the CompiledModule for code, compiling and caching it
// under fingerprint on first use.
func (e *Engine) compiled(ctx context.Context, fingerprint uint64, code []byte) (wazero.CompiledModule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if m, ok := e.modules[fingerprint]; ok {
		return m, nil
	}
	m, err := e.rt.CompileModule(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("wasmruntime: compile module: %w", err)
	}
	e.modules[fingerprint] = m
	return m, nil
}

// Handle is a runtime-api handle bound to one block's code, obtained from
// a client keyed at a parent hash.
type Handle struct {
	engine      *Engine
	fingerprint uint64
	code        []byte
}

// HandleAt returns a runtime-api handle for the code blob identified by
// fingerprint.
func (e *Engine) HandleAt(fingerprint uint64, code []byte) *Handle {
	return &Handle{engine: e, fingerprint: fingerprint, code: code}
}

// ExecuteBlockRequest is the input to ExecuteBlock: a parent state
// identifier and the reconstructed block to replay against it.
type ExecuteBlockRequest struct {
	ParentHash chain.Hash
	Header     chain.Header
	Extrinsics [][]byte
}

// ExecuteBlockResult carries the storage mutations produced by replaying
// a block.
type ExecuteBlockResult struct {
	Changes []chain.StorageChange
	Child   []chain.ChildStorageChanges
}

// ExecuteBlock calls the runtime's block-execution entry point
// (Core_execute_block, this package's own black-box ABI — see abi.go)
// and decodes the storage changes it returns. The WASM module's real
// exported function surface is chain-specific and out of this system's
// scope — chain runtime type definitions are treated as an external
// collaborator; this method owns the engine lifecycle (instantiate,
// call, close) around that boundary and the wire format crossing it.
func (h *Handle) ExecuteBlock(ctx context.Context, req ExecuteBlockRequest) (ExecuteBlockResult, error) {
	compiled, err := h.engine.compiled(ctx, h.fingerprint, h.code)
	if err != nil {
		return ExecuteBlockResult{}, err
	}
	mod, err := h.engine.rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig())
	if err != nil {
		return ExecuteBlockResult{}, fmt.Errorf("wasmruntime: instantiate: %w", err)
	}
	defer mod.Close(ctx)

	raw, err := callPacked(ctx, mod, exportExecuteBlock, encodeExecuteBlockRequest(req))
	if err != nil {
		return ExecuteBlockResult{}, archiveerr.Wrap(archiveerr.ErrWasmExecution, "execute_block", err)
	}
	result, err := decodeExecuteBlockResult(raw)
	if err != nil {
		return ExecuteBlockResult{}, archiveerr.Wrap(archiveerr.ErrCodec, "execute_block result", err)
	}
	return result, nil
}

// ReadRuntimeVersion decodes the RuntimeVersion descriptor exported by a
// compiled WASM blob's Core_version export, satisfying
// runtimeversion.Resolver.
func (e *Engine) ReadRuntimeVersion(code []byte) (chain.RuntimeVersion, error) {
	ctx := context.Background()
	fp := fingerprint(code)
	compiled, err := e.compiled(ctx, fp, code)
	if err != nil {
		return chain.RuntimeVersion{}, err
	}
	mod, err := e.rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig())
	if err != nil {
		return chain.RuntimeVersion{}, fmt.Errorf("wasmruntime: instantiate for version: %w", err)
	}
	defer mod.Close(ctx)

	raw, err := callPacked(ctx, mod, exportVersion, nil)
	if err != nil {
		return chain.RuntimeVersion{}, archiveerr.Wrap(archiveerr.ErrWasmExecution, "runtime version", err)
	}
	version, err := decodeRuntimeVersion(raw)
	if err != nil {
		return chain.RuntimeVersion{}, archiveerr.Wrap(archiveerr.ErrCodec, "runtime version result", err)
	}
	version.Raw = code
	return version, nil
}

// Metadata fetches the opaque runtime-metadata blob at blockHash by
// calling the runtime's Metadata_metadata export.
func (h *Handle) Metadata(ctx context.Context, blockHash chain.Hash) ([]byte, error) {
	compiled, err := h.engine.compiled(ctx, h.fingerprint, h.code)
	if err != nil {
		return nil, err
	}
	mod, err := h.engine.rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig())
	if err != nil {
		return nil, fmt.Errorf("wasmruntime: instantiate for metadata: %w", err)
	}
	defer mod.Close(ctx)

	raw, err := callPacked(ctx, mod, exportMetadata, blockHash[:])
	if err != nil {
		return nil, archiveerr.Wrap(archiveerr.ErrWasmExecution, "metadata", err)
	}
	return raw, nil
}
