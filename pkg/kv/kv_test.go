package kv

import (
	"path/filepath"
	"testing"

	bolt "go.etcd.io/bbolt"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedDB creates a bbolt file at path with every AllColumns bucket
// populated from entries, then closes it so it can be reopened read-only.
func seedDB(t *testing.T, path string, entries map[Column]map[string]string) {
	t.Helper()
	db, err := bolt.Open(path, 0o600, nil)
	require.NoError(t, err)
	err = db.Update(func(tx *bolt.Tx) error {
		for _, col := range AllColumns {
			b, err := tx.CreateBucketIfNotExists([]byte(col))
			if err != nil {
				return err
			}
			for k, v := range entries[col] {
				if err := b.Put([]byte(k), []byte(v)); err != nil {
					return err
				}
			}
		}
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func TestStore_GetHitAndMiss(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.db")
	seedDB(t, path, map[Column]map[string]string{
		ColumnHeader: {"block-1": "header-bytes"},
	})

	store, err := Open(path)
	require.NoError(t, err)
	defer store.Close()

	val, ok, err := store.Get(ColumnHeader, []byte("block-1"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "header-bytes", string(val))

	_, ok, err = store.Get(ColumnHeader, []byte("missing"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_GetUnknownColumn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.db")
	seedDB(t, path, nil)

	store, err := Open(path)
	require.NoError(t, err)
	defer store.Close()

	_, ok, err := store.Get(Column("not-a-real-column"), []byte("k"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_Iterate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.db")
	seedDB(t, path, map[Column]map[string]string{
		ColumnBody: {"a": "1", "b": "2", "c": "3"},
	})

	store, err := Open(path)
	require.NoError(t, err)
	defer store.Close()

	seen := map[string]string{}
	require.NoError(t, store.Iterate(ColumnBody, func(e Entry) error {
		seen[string(e.Key)] = string(e.Value)
		return nil
	}))
	assert.Equal(t, map[string]string{"a": "1", "b": "2", "c": "3"}, seen)
}

func TestStore_IteratePrefix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.db")
	seedDB(t, path, map[Column]map[string]string{
		ColumnKeyLookup: {"num-1": "x", "num-2": "y", "hash-1": "z"},
	})

	store, err := Open(path)
	require.NoError(t, err)
	defer store.Close()

	var keys []string
	require.NoError(t, store.IteratePrefix(ColumnKeyLookup, []byte("num-"), func(e Entry) error {
		keys = append(keys, string(e.Key))
		return nil
	}))
	assert.ElementsMatch(t, []string{"num-1", "num-2"}, keys)
}

func TestStore_CatchUpWithPrimary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.db")
	seedDB(t, path, map[Column]map[string]string{
		ColumnMeta: {"k": "v"},
	})

	store, err := Open(path)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.CatchUpWithPrimary())

	val, ok, err := store.Get(ColumnMeta, []byte("k"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", string(val))
}

func TestStore_WriteMethodsFail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.db")
	seedDB(t, path, nil)

	store, err := Open(path)
	require.NoError(t, err)
	defer store.Close()

	assert.ErrorIs(t, store.Put(ColumnMeta, []byte("k"), []byte("v")), ErrReadOnly)
	assert.ErrorIs(t, store.Delete(ColumnMeta, []byte("k")), ErrReadOnly)
	assert.ErrorIs(t, store.Commit(), ErrReadOnly)
}
