// Package viewcache provides the per-cycle computation cache shared by all
// nodes computing one view/configuration/valuation-time triple.
package viewcache

import (
	"sync"

	"github.com/KrisLee/OG-Platform/internal/value"
)

// Cache stores computed values for one valuation cycle, keyed by their
// fully-resolved specification. Implementations must be safe for concurrent
// readers and writers. A missing key is a first-class outcome, never an
// error; GetValue never blocks waiting for a future write.
type Cache interface {
	// PutValue stores a value under its own specification. Within a cycle a
	// specification has at most one producer; a same-spec rewrite is a logic
	// error upstream and resolves as last-writer-wins.
	PutValue(cv value.ComputedValue) error

	// GetValue returns the value stored for a specification. Absence is
	// immediate and definitive at call time.
	GetValue(spec value.Specification) (any, bool)

	// Size returns the number of stored entries.
	Size() int
}

// MapCache is the in-memory Cache used for local computation cycles.
type MapCache struct {
	values map[string]value.ComputedValue
	mu     sync.RWMutex
}

// NewMapCache creates an empty in-memory cache.
func NewMapCache() *MapCache {
	return &MapCache{values: make(map[string]value.ComputedValue)}
}

// PutValue stores a computed value. It never fails.
func (c *MapCache) PutValue(cv value.ComputedValue) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.values[cv.Specification.Key()] = cv
	return nil
}

// GetValue returns the value stored for a specification.
func (c *MapCache) GetValue(spec value.Specification) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cv, ok := c.values[spec.Key()]
	if !ok {
		return nil, false
	}
	return cv.Value, true
}

// Size returns the number of stored entries.
func (c *MapCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.values)
}
