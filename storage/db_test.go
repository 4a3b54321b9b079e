package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func exerciseDatabase(t *testing.T, db Database) {
	t.Helper()

	_, err := db.Get([]byte("missing"))
	require.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, db.Put([]byte("a/1"), []byte("one")))

	batch := NewBatch()
	batch.Put([]byte("a/2"), []byte("two"))
	batch.Put([]byte("a/3"), []byte("three"))
	batch.Put([]byte("b/1"), []byte("other"))
	batch.Delete([]byte("a/1"))
	require.Equal(t, 4, batch.Len())
	require.NoError(t, db.Write(batch))

	_, err = db.Get([]byte("a/1"))
	require.True(t, errors.Is(err, ErrNotFound))

	value, err := db.Get([]byte("a/3"))
	require.NoError(t, err)
	require.Equal(t, "three", string(value))

	var keys []string
	require.NoError(t, db.Iterate([]byte("a/"), func(key, _ []byte) error {
		keys = append(keys, string(key))
		return nil
	}))
	require.Equal(t, []string{"a/2", "a/3"}, keys)

	stop := errors.New("stop")
	err = db.Iterate([]byte("a/"), func(_, _ []byte) error { return stop })
	require.ErrorIs(t, err, stop)
}

func TestMemDB(t *testing.T) {
	db := NewMemDB()
	defer db.Close()
	exerciseDatabase(t, db)
}

func TestLevelDB(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger")
	db, err := NewLevelDB(path)
	require.NoError(t, err)
	exerciseDatabase(t, db)
	db.Close()

	ro, err := OpenLevelDBReadOnly(path)
	require.NoError(t, err)
	defer ro.Close()
	value, err := ro.Get([]byte("b/1"))
	require.NoError(t, err)
	require.Equal(t, "other", string(value))
}

func TestMemDBReturnsCopies(t *testing.T) {
	db := NewMemDB()
	require.NoError(t, db.Put([]byte("k"), []byte("v")))
	value, err := db.Get([]byte("k"))
	require.NoError(t, err)
	value[0] = 'x'
	again, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, "v", string(again))
}
