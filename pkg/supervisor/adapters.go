package supervisor

import (
	"context"

	"github.com/parastate/archivist/pkg/chain"
	"github.com/parastate/archivist/pkg/executor"
	"github.com/parastate/archivist/pkg/runtimeversion"
	"github.com/parastate/archivist/pkg/trie"
	"github.com/parastate/archivist/pkg/wasmruntime"
)

// chainReader adapts a trie.Backend into the StorageAt shape both the
// runtime-version cache and the block executor need: resolve a TrieState
// at a block hash, then read one key out of it. It is the single capability
// both pkg/runtimeversion.ChainReader and pkg/executor.Backend collapse
// into.
type chainReader struct {
	backend *trie.Backend
}

func newChainReader(backend *trie.Backend) *chainReader {
	return &chainReader{backend: backend}
}

// StorageAt resolves state at hash and reads key from it. A missing
// header (state not found) is reported as (nil, false, nil), matching
// the "storage not found" case both callers already treat as absence
// rather than a hard error.
func (r *chainReader) StorageAt(hash chain.Hash, key []byte) ([]byte, bool, error) {
	return r.backend.Storage(hash, key)
}

// runtimeEngine adapts wasmruntime.Engine to the executor's Engine
// capability, whose HandleAt returns an interface rather than the
// concrete handle type.
type runtimeEngine struct {
	engine *wasmruntime.Engine
}

func (r runtimeEngine) HandleAt(fingerprint uint64, code []byte) executor.RuntimeAPI {
	return r.engine.HandleAt(fingerprint, code)
}

// metadataFetcher implements pipeline.MetadataFetcher: it resolves the
// runtime code at a block hash, obtains a runtime-api handle for it, and
// calls that handle's Metadata export.
type metadataFetcher struct {
	reader *chainReader
	engine *wasmruntime.Engine
}

func newMetadataFetcher(reader *chainReader, engine *wasmruntime.Engine) *metadataFetcher {
	return &metadataFetcher{reader: reader, engine: engine}
}

func (f *metadataFetcher) Metadata(ctx context.Context, blockHash chain.Hash) ([]byte, error) {
	code, ok, err := f.reader.StorageAt(blockHash, runtimeversion.CodeStorageKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	handle := f.engine.HandleAt(runtimeversion.FingerprintFunc(code), code)
	return handle.Metadata(ctx, blockHash)
}
