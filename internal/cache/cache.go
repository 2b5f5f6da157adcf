// Package cache implements ModifiersCache: a capacity-bounded buffer of
// persistent modifiers whose dependencies are not yet satisfied in
// history.
package cache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/nodeviewsync/core/internal/modifier"
)

// Modifier is the cache's view of a cached entry: anything satisfying
// modifier.Modifier.
type Modifier = modifier.Modifier

// History is the subset of the history reader contract the cache needs
// to find an applicable cached modifier.
type History interface {
	// ApplicableTry reports whether mod's dependencies are satisfied and it
	// may be applied now.
	ApplicableTry(mod Modifier) bool
}

// Cache is the ModifiersCache of SPEC_FULL.md §4.3. Eviction policy: when
// cleanOverfull must shrink the cache, it evicts the modifier with the
// oldest insertion time first (recommended policy per spec.md §4.3,
// documented here as the chosen one) — tracked via an LRU ledger that is
// never touched by reads, so insertion order and eviction order coincide.
type Cache struct {
	mu       sync.Mutex
	capacity int
	byID     map[modifier.ID]Modifier
	order    *lru.LRU[modifier.ID, struct{}]
}

// New creates a Cache bounded to capacity entries.
func New(capacity int) *Cache {
	// onEvict is nil: eviction is driven explicitly by cleanOverfull, never
	// by the LRU's own internal Add-triggered eviction (capacity there is
	// set unbounded via a large ledger size so it never auto-evicts).
	order, _ := lru.NewLRU[modifier.ID, struct{}](1<<31-1, nil)
	return &Cache{
		capacity: capacity,
		byID:     make(map[modifier.ID]Modifier),
		order:    order,
	}
}

// Put inserts id->mod. O(1) amortized.
func (c *Cache) Put(id modifier.ID, mod Modifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.byID[id]; exists {
		return
	}
	c.byID[id] = mod
	c.order.Add(id, struct{}{})
}

// Contains reports whether id is cached.
func (c *Cache) Contains(id modifier.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.byID[id]
	return ok
}

// Get returns the cached modifier for id, if any.
func (c *Cache) Get(id modifier.ID) (Modifier, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	mod, ok := c.byID[id]
	return mod, ok
}

// Remove deletes and returns id's modifier, if cached.
func (c *Cache) Remove(id modifier.ID) (Modifier, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	mod, ok := c.byID[id]
	if ok {
		delete(c.byID, id)
		c.order.Remove(id)
	}
	return mod, ok
}

// Len reports the number of cached modifiers.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byID)
}

// FindApplicable returns (and removes) a single cached modifier for which
// history.ApplicableTry succeeds. If several qualify, the one with the
// lowest id in byte order is chosen, so tests are reproducible.
func (c *Cache) FindApplicable(history History) (Modifier, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var bestID modifier.ID
	var best Modifier
	found := false
	for id, mod := range c.byID {
		if !history.ApplicableTry(mod) {
			continue
		}
		if !found || id.Compare(bestID) < 0 {
			bestID, best, found = id, mod, true
		}
	}
	if !found {
		return nil, false
	}
	delete(c.byID, bestID)
	c.order.Remove(bestID)
	return best, true
}

// CleanOverfull evicts the oldest-inserted modifiers until size <=
// capacity, returning the evicted ones so their ids can be demoted to
// Unknown by the caller.
func (c *Cache) CleanOverfull() []Modifier {
	c.mu.Lock()
	defer c.mu.Unlock()

	var evicted []Modifier
	for len(c.byID) > c.capacity {
		id, _, ok := c.order.RemoveOldest()
		if !ok {
			break
		}
		if mod, present := c.byID[id]; present {
			delete(c.byID, id)
			evicted = append(evicted, mod)
		}
	}
	return evicted
}
