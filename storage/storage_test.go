package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemDBMissNormalisesToErrKeyNotFound(t *testing.T) {
	db := NewMemDB()
	_, err := db.Get([]byte("absent"))
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestMemDBCopiesValues(t *testing.T) {
	db := NewMemDB()
	value := []byte("original")
	require.NoError(t, db.Put([]byte("k"), value))
	value[0] = 'x'

	got, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("original"), got)

	got[0] = 'y'
	again, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("original"), again)
}

func TestLevelDBPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	db1, err := NewLevelDB(dir)
	require.NoError(t, err)

	require.NoError(t, db1.Put([]byte("deal/D-1"), []byte("payload")))
	require.NoError(t, db1.Close())

	db2, err := NewLevelDB(dir)
	require.NoError(t, err)
	defer db2.Close()

	got, err := db2.Get([]byte("deal/D-1"))
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), got)

	_, err = db2.Get([]byte("absent"))
	require.ErrorIs(t, err, ErrKeyNotFound)
}
