package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLite_GetMissingReturnsNotFound(t *testing.T) {
	db, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	defer db.Close()

	res, err := db.Open(context.Background(), "reactor", "queries")
	require.NoError(t, err)

	val, err := res.Get()
	require.NoError(t, err)
	assert.False(t, val.Found)
	assert.Equal(t, 0, val.Version)
}

func TestSQLite_SetThenGet(t *testing.T) {
	db, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	defer db.Close()

	res, err := db.Open(context.Background(), "reactor", "queries")
	require.NoError(t, err)

	val, err := res.Set(func(prev Value) ([]byte, error) {
		assert.False(t, prev.Found)
		return []byte(`{"a":1}`), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, val.Version)

	val, err = res.Set(func(prev Value) ([]byte, error) {
		assert.True(t, prev.Found)
		assert.JSONEq(t, `{"a":1}`, string(prev.Data))
		return []byte(`{"a":2}`), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, val.Version)

	got, err := res.Get()
	require.NoError(t, err)
	assert.True(t, got.Found)
	assert.JSONEq(t, `{"a":2}`, string(got.Data))
	require.NoError(t, res.Flush())
}

func TestSQLite_NamespacesAreIsolated(t *testing.T) {
	db, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	defer db.Close()

	queries, err := db.Open(context.Background(), "reactor", "queries")
	require.NoError(t, err)
	mutations, err := db.Open(context.Background(), "reactor", "mutations")
	require.NoError(t, err)

	_, err = queries.Set(func(Value) ([]byte, error) { return []byte(`"q"`), nil })
	require.NoError(t, err)

	val, err := mutations.Get()
	require.NoError(t, err)
	assert.False(t, val.Found)
}

func TestSQLite_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.db")

	db, err := OpenSQLite(path)
	require.NoError(t, err)
	res, err := db.Open(context.Background(), "reactor", "mutations")
	require.NoError(t, err)
	_, err = res.Set(func(Value) ([]byte, error) { return []byte(`{"pending":true}`), nil })
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = OpenSQLite(path)
	require.NoError(t, err)
	defer db.Close()
	res, err = db.Open(context.Background(), "reactor", "mutations")
	require.NoError(t, err)

	val, err := res.Get()
	require.NoError(t, err)
	assert.True(t, val.Found)
	assert.JSONEq(t, `{"pending":true}`, string(val.Data))
	assert.Equal(t, 1, val.Version)
}
