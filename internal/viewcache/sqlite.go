package viewcache

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/KrisLee/OG-Platform/internal/database"
	"github.com/KrisLee/OG-Platform/internal/value"
)

// SQLiteCache is a Cache backed by the shared viewcache database, for cycles
// whose working set is too large to hold in memory. All cycles share one
// database; rows are scoped by cycle key.
type SQLiteCache struct {
	db       *database.DB
	cycleKey string
	log      zerolog.Logger
}

// SQLiteSource produces SQLiteCache instances and deletes a cycle's rows
// when the cycle is released.
type SQLiteSource struct {
	*MapSource
	db  *database.DB
	log zerolog.Logger
}

// NewSQLiteSource creates a source producing SQLite-backed caches on the
// given viewcache database.
func NewSQLiteSource(db *database.DB, log zerolog.Logger) *SQLiteSource {
	return &SQLiteSource{
		MapSource: &MapSource{caches: make(map[CycleKey]*cycleEntry)},
		db:        db,
		log:       log.With().Str("component", "viewcache").Logger(),
	}
}

// GetCache returns the SQLite-backed cache for a cycle key.
func (s *SQLiteSource) GetCache(viewName, calcConfigName string, valuationTime int64) Cache {
	key := CycleKey{ViewName: viewName, CalcConfigName: calcConfigName, ValuationTime: valuationTime}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.caches[key]
	if !ok {
		entry = &cycleEntry{cache: &SQLiteCache{
			db:       s.db,
			cycleKey: cycleKeyString(key),
			log:      s.log,
		}}
		s.caches[key] = entry
	}
	entry.lastAccess = time.Now()
	return entry.cache
}

// ReleaseCache discards the memoized instance and deletes the cycle's rows.
func (s *SQLiteSource) ReleaseCache(viewName, calcConfigName string, valuationTime int64) {
	key := CycleKey{ViewName: viewName, CalcConfigName: calcConfigName, ValuationTime: valuationTime}

	s.MapSource.ReleaseCache(viewName, calcConfigName, valuationTime)

	if _, err := s.db.Exec("DELETE FROM computed_values WHERE cycle_key = ?", cycleKeyString(key)); err != nil {
		s.log.Error().Err(err).Str("cycle", cycleKeyString(key)).Msg("failed to delete retired cycle values")
	}
}

func cycleKeyString(key CycleKey) string {
	return fmt.Sprintf("%s|%s|%d", key.ViewName, key.CalcConfigName, key.ValuationTime)
}

// PutValue stores a computed value, msgpack-encoded.
func (c *SQLiteCache) PutValue(cv value.ComputedValue) error {
	encoded, err := msgpack.Marshal(cv.Value)
	if err != nil {
		return fmt.Errorf("failed to encode value for %s: %w", cv.Specification.Key(), err)
	}

	_, err = c.db.Exec(`
		INSERT INTO computed_values (cycle_key, spec_key, value, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(cycle_key, spec_key) DO UPDATE SET
			value = excluded.value,
			created_at = excluded.created_at
	`, c.cycleKey, cv.Specification.Key(), encoded, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to store value for %s: %w", cv.Specification.Key(), err)
	}
	return nil
}

// GetValue returns the value stored for a specification. Infrastructure
// errors are logged and reported as absence; callers treat absence as a
// first-class outcome either way.
func (c *SQLiteCache) GetValue(spec value.Specification) (any, bool) {
	var encoded []byte
	err := c.db.QueryRow(
		"SELECT value FROM computed_values WHERE cycle_key = ? AND spec_key = ?",
		c.cycleKey, spec.Key(),
	).Scan(&encoded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false
	}
	if err != nil {
		c.log.Error().Err(err).Str("spec", spec.Key()).Msg("cache read failed")
		return nil, false
	}

	var v any
	if err := msgpack.Unmarshal(encoded, &v); err != nil {
		c.log.Error().Err(err).Str("spec", spec.Key()).Msg("cache value decode failed")
		return nil, false
	}
	return v, true
}

// Size returns the number of entries stored for this cycle.
func (c *SQLiteCache) Size() int {
	var count int
	err := c.db.QueryRow(
		"SELECT COUNT(*) FROM computed_values WHERE cycle_key = ?",
		c.cycleKey,
	).Scan(&count)
	if err != nil {
		c.log.Error().Err(err).Msg("cache size query failed")
		return 0
	}
	return count
}
