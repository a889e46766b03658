package viewcache

import (
	"sync"
	"time"
)

// CycleKey addresses one valuation cycle's shared state. Both the dispatcher
// and every node derive it independently from the job specification they
// carry, so it must be reproducible by value.
type CycleKey struct {
	ViewName       string
	CalcConfigName string
	ValuationTime  int64
}

// Source maps a cycle key to exactly one cache instance, creating it on
// first access. Concurrent callers with the same key must observe the same
// instance.
type Source interface {
	GetCache(viewName, calcConfigName string, valuationTime int64) Cache
	ReleaseCache(viewName, calcConfigName string, valuationTime int64)
}

// MapSource is the memoized in-memory Source. Creation is a single
// check-or-insert under one lock, so two cycle-start races can never
// produce divergent cache instances for the same key.
type MapSource struct {
	newCache func() Cache
	caches   map[CycleKey]*cycleEntry
	mu       sync.Mutex
}

type cycleEntry struct {
	cache      Cache
	lastAccess time.Time
}

// NewMapSource creates a source producing in-memory caches.
func NewMapSource() *MapSource {
	return NewSourceWithFactory(func() Cache { return NewMapCache() })
}

// NewSourceWithFactory creates a source using a custom cache constructor,
// e.g. the SQLite-backed cache for cycles too large to hold in memory.
func NewSourceWithFactory(newCache func() Cache) *MapSource {
	return &MapSource{
		newCache: newCache,
		caches:   make(map[CycleKey]*cycleEntry),
	}
}

// GetCache returns the cache for a cycle key, creating it on first access.
func (s *MapSource) GetCache(viewName, calcConfigName string, valuationTime int64) Cache {
	key := CycleKey{ViewName: viewName, CalcConfigName: calcConfigName, ValuationTime: valuationTime}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.caches[key]
	if !ok {
		entry = &cycleEntry{cache: s.newCache()}
		s.caches[key] = entry
	}
	entry.lastAccess = time.Now()
	return entry.cache
}

// ReleaseCache discards a retired cycle's cache. Releasing an unknown key is
// a no-op.
func (s *MapSource) ReleaseCache(viewName, calcConfigName string, valuationTime int64) {
	key := CycleKey{ViewName: viewName, CalcConfigName: calcConfigName, ValuationTime: valuationTime}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.caches, key)
}

// ReleaseIdle discards caches not touched within ttl and returns how many
// were released. The maintenance scheduler calls this to reap cycles the
// coordinator never retired explicitly.
func (s *MapSource) ReleaseIdle(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	released := 0
	for key, entry := range s.caches {
		if entry.lastAccess.Before(cutoff) {
			delete(s.caches, key)
			released++
		}
	}
	return released
}

// ActiveCycles returns the number of live cache instances.
func (s *MapSource) ActiveCycles() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.caches)
}
