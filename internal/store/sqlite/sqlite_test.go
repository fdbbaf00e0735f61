package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/storops/internal/store"
)

func open(t *testing.T, path string) *DB {
	t.Helper()
	db, err := New(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.EnsureSchema(context.Background()))
	return db
}

func TestSQLiteCacheAPI(t *testing.T) {
	db := open(t, ":memory:")
	ctx := context.Background()

	ok, err := db.Contains(ctx, "sg-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.Set(ctx, "sg-1", map[string]string{"abc": "efg"}))
	var got map[string]string
	ok, err = db.Get(ctx, "sg-1", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "efg", got["abc"])

	require.NoError(t, db.Set(ctx, "sg-1", map[string]string{"abc": "xyz"}))
	_, err = db.Get(ctx, "sg-1", &got)
	require.NoError(t, err)
	assert.Equal(t, "xyz", got["abc"])

	require.NoError(t, db.Set(ctx, "sg-0", []int{1}))
	keys, err := db.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"sg-0", "sg-1"}, keys)

	require.NoError(t, db.Delete(ctx, "sg-1"))
	require.NoError(t, db.Delete(ctx, "sg-1"))
	ok, err = db.Contains(ctx, "sg-1")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, db.Set(ctx, "", 1), store.ErrEmptyKey)
	_, err = db.Get(ctx, " ", nil)
	assert.ErrorIs(t, err, store.ErrEmptyKey)
}

func TestSQLiteCacheSharedBetweenInstances(t *testing.T) {
	dir := t.TempDir()
	writer := open(t, dir)
	reader := open(t, dir)
	assert.Equal(t, filepath.Join(dir, FileName), writer.Path())

	ctx := context.Background()
	require.NoError(t, writer.Set(ctx, "sg-1", map[string]string{"abc": "efg"}))

	ok, err := reader.Contains(ctx, "sg-1")
	require.NoError(t, err)
	assert.True(t, ok)

	var got map[string]string
	_, err = reader.Get(ctx, "sg-1", &got)
	require.NoError(t, err)
	assert.Equal(t, "efg", got["abc"])
}

func TestSQLiteCacheConcurrentWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	a, b := open(t, path), open(t, path)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i, db := range []*DB{a, b} {
		wg.Add(1)
		go func(i int, db *DB) {
			defer wg.Done()
			for k := 0; k < 20; k++ {
				assert.NoError(t, db.Set(ctx, "sg-shared", map[string]int{"writer": i, "n": k}))
			}
		}(i, db)
	}
	wg.Wait()

	keys, err := a.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"sg-shared"}, keys)
}

func TestSQLiteCacheDecodeError(t *testing.T) {
	db := open(t, ":memory:")
	ctx := context.Background()
	require.NoError(t, db.Set(ctx, "sg-1", "a string"))
	var got map[string]string
	_, err := db.Get(ctx, "sg-1", &got)
	assert.Error(t, err)
}

func TestNewRejectsEmptyPath(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)
}
