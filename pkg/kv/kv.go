// Package kv adapts an externally-owned chain database into a read-only
// secondary (follower) key-value handle organized into fixed column
// families.
package kv

import (
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"
)

// Column identifies one of the chain database's fixed column families.
type Column string

// The 11 fixed column families the chain database is organized into.
const (
	ColumnMeta          Column = "meta"
	ColumnState         Column = "state"
	ColumnStateMeta     Column = "state-meta"
	ColumnKeyLookup     Column = "key-lookup"
	ColumnHeader        Column = "header"
	ColumnBody          Column = "body"
	ColumnJustification Column = "justification"
	ColumnChangesTrie   Column = "changes-trie"
	ColumnAux           Column = "aux"
	ColumnOffchain      Column = "offchain"
	ColumnCache         Column = "cache"
)

// AllColumns lists every fixed column family, in the order buckets are
// created when a fresh database is opened.
var AllColumns = []Column{
	ColumnMeta, ColumnState, ColumnStateMeta, ColumnKeyLookup, ColumnHeader,
	ColumnBody, ColumnJustification, ColumnChangesTrie, ColumnAux,
	ColumnOffchain, ColumnCache,
}

// ErrReadOnly is returned by every write-oriented method: this adapter is
// read-only by contract.
var ErrReadOnly = fmt.Errorf("kv: adapter is read-only")

// defaultMmapSize is the initial mmap hint for the whole database file.
// The state column dominates the read workload (roughly 90% of the
// budget would go to it on a store with per-column cache knobs), but
// bbolt maps the whole file at once, so a single hint is all there is.
const defaultMmapSize = 512 << 20

// Store is a read-only secondary handle over the chain database. The
// handle is swapped under mu when catching up with the primary, so it
// is safe to share across threads.
type Store struct {
	path string

	mu sync.RWMutex
	db *bolt.DB
}

// Open opens a secondary (follower) handle against the database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{
		ReadOnly:        true,
		Timeout:         0,
		FreelistType:    bolt.FreelistArrayType,
		InitialMmapSize: defaultMmapSize,
	})
	if err != nil {
		return nil, fmt.Errorf("kv: open %q: %w", path, err)
	}
	return &Store{path: path, db: db}, nil
}

// Get fetches key from col. Absence is reported by (nil, false, nil); on
// a miss it calls CatchUpWithPrimary and retries once, in case the
// primary flushed the key after this handle last opened the file.
func (s *Store) Get(col Column, key []byte) ([]byte, bool, error) {
	val, ok, err := s.get(col, key)
	if err != nil || ok {
		return val, ok, err
	}
	if err := s.CatchUpWithPrimary(); err != nil {
		return nil, false, err
	}
	return s.get(col, key)
}

// TryGet fetches key from col without the catch-up-and-retry behavior of
// Get. Use it for values that are legitimately optional (a missing
// justification, say), where a miss should not force a handle reopen.
func (s *Store) TryGet(col Column, key []byte) ([]byte, bool, error) {
	return s.get(col, key)
}

func (s *Store) get(col Column, key []byte) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []byte
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(col))
		if b == nil {
			return nil
		}
		v := b.Get(key)
		if v == nil {
			return nil
		}
		found = true
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("kv: get %s: %w", col, err)
	}
	return out, found, nil
}

// Entry is one key-value pair yielded by Iterate.
type Entry struct {
	Key   []byte
	Value []byte
}

// Iterate walks every entry in col in key order, calling fn for each. It
// is lazy over a single bucket cursor and is not restartable once done.
func (s *Store) Iterate(col Column, fn func(Entry) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(col))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if err := fn(Entry{Key: append([]byte(nil), k...), Value: append([]byte(nil), v...)}); err != nil {
				return err
			}
		}
		return nil
	})
}

// IteratePrefix walks every entry in col whose key starts with prefix.
func (s *Store) IteratePrefix(col Column, prefix []byte, fn func(Entry) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(col))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			if err := fn(Entry{Key: append([]byte(nil), k...), Value: append([]byte(nil), v...)}); err != nil {
				return err
			}
		}
		return nil
	})
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// CatchUpWithPrimary requests the follower handle replay newly-flushed
// state from the primary. bbolt has no live secondary-catch-up API (no
// RocksDB-style SSTable replay); this is approximated by closing and
// reopening the read-only handle, which re-reads the file's current
// state. Documented explicitly rather than silently assumed — see
// DESIGN.md.
func (s *Store) CatchUpWithPrimary() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("kv: catch up, close: %w", err)
	}
	db, err := bolt.Open(s.path, 0o600, &bolt.Options{ReadOnly: true, InitialMmapSize: defaultMmapSize})
	if err != nil {
		return fmt.Errorf("kv: catch up, reopen: %w", err)
	}
	s.db = db
	return nil
}

// Put always fails: this adapter is read-only by contract.
func (s *Store) Put(Column, []byte, []byte) error { return ErrReadOnly }

// Delete always fails: this adapter is read-only by contract.
func (s *Store) Delete(Column, []byte) error { return ErrReadOnly }

// Commit always fails: this adapter is read-only by contract.
func (s *Store) Commit() error { return ErrReadOnly }

// Close releases the underlying database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
