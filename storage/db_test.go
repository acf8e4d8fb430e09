package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemDBRoundTrip(t *testing.T) {
	db := NewMemDB()
	defer db.Close()

	require.NoError(t, db.Put([]byte("user/alpha"), []byte("one")))
	require.NoError(t, db.Put([]byte("user/beta"), []byte("two")))
	require.NoError(t, db.Put([]byte("pool/liquidity"), []byte("three")))

	value, err := db.Get([]byte("user/alpha"))
	require.NoError(t, err)
	require.Equal(t, []byte("one"), value)

	_, err = db.Get([]byte("user/missing"))
	require.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, db.Delete([]byte("user/alpha")))
	_, err = db.Get([]byte("user/alpha"))
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestMemDBIteratePrefix(t *testing.T) {
	db := NewMemDB()
	defer db.Close()

	require.NoError(t, db.Put([]byte("proof/1"), []byte("a")))
	require.NoError(t, db.Put([]byte("proof/2"), []byte("b")))
	require.NoError(t, db.Put([]byte("deposit/1"), []byte("c")))

	var keys []string
	require.NoError(t, db.IteratePrefix([]byte("proof/"), func(key, value []byte) bool {
		keys = append(keys, string(key))
		return true
	}))
	require.Equal(t, []string{"proof/1", "proof/2"}, keys)

	keys = keys[:0]
	require.NoError(t, db.IteratePrefix([]byte("proof/"), func(key, value []byte) bool {
		keys = append(keys, string(key))
		return false
	}))
	require.Len(t, keys, 1)
}

func TestMemDBCopiesValues(t *testing.T) {
	db := NewMemDB()
	defer db.Close()

	value := []byte("mutable")
	require.NoError(t, db.Put([]byte("k"), value))
	value[0] = 'X'

	stored, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("mutable"), stored)
}
