package viewcache

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KrisLee/OG-Platform/internal/database"
	"github.com/KrisLee/OG-Platform/internal/value"
)

func newTestViewcacheDB(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.New(database.Config{
		Path:    "file::memory:?cache=shared&" + t.Name(),
		Profile: database.ProfileCache,
		Name:    "viewcache",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	return db
}

func TestSQLiteCache_PutGetSize(t *testing.T) {
	db := newTestViewcacheDB(t)
	src := NewSQLiteSource(db, zerolog.Nop())

	cache := src.GetCache("view", "config", 1000)
	spec := primitiveSpec("OUTPUT", "1")

	_, ok := cache.GetValue(spec)
	assert.False(t, ok)
	assert.Equal(t, 0, cache.Size())

	require.NoError(t, cache.PutValue(value.NewComputedValue(spec, 42.5)))

	v, ok := cache.GetValue(spec)
	require.True(t, ok)
	assert.Equal(t, 42.5, v)
	assert.Equal(t, 1, cache.Size())

	t.Run("rewrite is last-writer-wins", func(t *testing.T) {
		require.NoError(t, cache.PutValue(value.NewComputedValue(spec, 7.0)))
		v, _ := cache.GetValue(spec)
		assert.Equal(t, 7.0, v)
		assert.Equal(t, 1, cache.Size())
	})
}

func TestSQLiteSource_CyclesAreIsolated(t *testing.T) {
	db := newTestViewcacheDB(t)
	src := NewSQLiteSource(db, zerolog.Nop())
	spec := primitiveSpec("OUTPUT", "1")

	a := src.GetCache("view", "config", 1000)
	b := src.GetCache("view", "config", 2000)

	require.NoError(t, a.PutValue(value.NewComputedValue(spec, "cycle-a")))

	_, ok := b.GetValue(spec)
	assert.False(t, ok, "cycles must never share state")

	t.Run("memoized per key", func(t *testing.T) {
		again := src.GetCache("view", "config", 1000)
		v, ok := again.GetValue(spec)
		require.True(t, ok)
		assert.Equal(t, "cycle-a", v)
	})
}

func TestSQLiteSource_ReleaseDeletesRows(t *testing.T) {
	db := newTestViewcacheDB(t)
	src := NewSQLiteSource(db, zerolog.Nop())
	spec := primitiveSpec("OUTPUT", "1")

	cache := src.GetCache("view", "config", 1000)
	require.NoError(t, cache.PutValue(value.NewComputedValue(spec, 1.0)))

	src.ReleaseCache("view", "config", 1000)

	fresh := src.GetCache("view", "config", 1000)
	_, ok := fresh.GetValue(spec)
	assert.False(t, ok)
	assert.Equal(t, 0, fresh.Size())
}
