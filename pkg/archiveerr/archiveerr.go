// Package archiveerr defines the error kinds used across the indexing
// pipeline and their fatal/local-recover propagation policy.
package archiveerr

import "errors"

// Sentinel kinds. Wrap with fmt.Errorf("...: %w", KindX) and test with
// errors.Is.
var (
	// ErrBackend covers underlying KV store I/O failures. Fatal for the
	// affected operation; the pipeline logs and continues.
	ErrBackend = errors.New("backend error")

	// ErrCodec covers failure to decode a persisted block or header.
	// The offending record is logged and skipped.
	ErrCodec = errors.New("codec error")

	// ErrUnknownBlock signals a header/state lookup for a hash the
	// backend doesn't have.
	ErrUnknownBlock = errors.New("unknown block")

	// ErrStorageNotExist signals a missing state root for a non-genesis
	// hash.
	ErrStorageNotExist = errors.New("storage does not exist")

	// ErrVersionNotFound signals the well-known :code: key was absent
	// at a block. Fatal for that block only.
	ErrVersionNotFound = errors.New("runtime version not found")

	// ErrSQL covers relational store errors. Transient errors are
	// retried by the connection pool; schema errors are fatal at
	// startup.
	ErrSQL = errors.New("sql error")

	// ErrDisconnected signals an actor's upstream mailbox is gone,
	// triggering the receiving actor to stop.
	ErrDisconnected = errors.New("channel disconnected")

	// ErrWasmExecution signals the runtime failed to produce a result.
	// The block is skipped and the error logged.
	ErrWasmExecution = errors.New("wasm execution error")
)

// Wrap pairs a sentinel kind with contextual detail, preserving
// errors.Is/As compatibility.
func Wrap(kind error, detail string, cause error) error {
	if cause != nil {
		return &archiveError{kind: kind, detail: detail, cause: cause}
	}
	return &archiveError{kind: kind, detail: detail}
}

type archiveError struct {
	kind   error
	detail string
	cause  error
}

func (e *archiveError) Error() string {
	if e.cause != nil {
		return e.kind.Error() + ": " + e.detail + ": " + e.cause.Error()
	}
	return e.kind.Error() + ": " + e.detail
}

func (e *archiveError) Unwrap() error {
	if e.cause != nil {
		return errors.Join(e.kind, e.cause)
	}
	return e.kind
}
