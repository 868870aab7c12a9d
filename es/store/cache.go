package store

import (
	"sync"

	"github.com/google/uuid"

	"github.com/getpup/pupevents/es"
)

// cacheEntry is the mutated history of an aggregate, the stored rows it was
// computed from and the highest insertion order among them.
type cacheEntry struct {
	stored  []es.Event
	events  []es.Event
	maxSeen int64
}

func (e cacheEntry) copy() cacheEntry {
	return cacheEntry{
		stored:  append([]es.Event(nil), e.stored...),
		events:  append([]es.Event(nil), e.events...),
		maxSeen: e.maxSeen,
	}
}

// historyCache memoizes mutated aggregate histories.
//
// Every invalidation advances seq. A reader receives the current seq as a
// token with its copy, and a later put is dropped when the aggregate was
// invalidated (or the cache cleared) after the token was issued. This keeps
// a slow reader from reinstating a history that a concurrent commit made stale.
type historyCache struct {
	mu            sync.Mutex
	entries       map[uuid.UUID]cacheEntry
	invalidatedAt map[uuid.UUID]uint64
	clearedAt     uint64
	seq           uint64
}

func newHistoryCache() *historyCache {
	return &historyCache{
		entries:       make(map[uuid.UUID]cacheEntry),
		invalidatedAt: make(map[uuid.UUID]uint64),
	}
}

// GetCopy returns a copy of the cached entry, whether one exists, and a
// token for put.
func (c *historyCache) GetCopy(id uuid.UUID) (cacheEntry, bool, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[id]
	if !ok {
		return cacheEntry{}, false, c.seq
	}
	return entry.copy(), true, c.seq
}

func (c *historyCache) put(id uuid.UUID, entry cacheEntry, token uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.clearedAt > token || c.invalidatedAt[id] > token {
		return false
	}
	if existing, ok := c.entries[id]; ok && existing.maxSeen > entry.maxSeen {
		return false
	}
	c.entries[id] = entry
	return true
}

func (c *historyCache) invalidate(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.invalidatedAt[id] = c.seq
	delete(c.entries, id)
}

func (c *historyCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.clearedAt = c.seq
	c.entries = make(map[uuid.UUID]cacheEntry)
	c.invalidatedAt = make(map[uuid.UUID]uint64)
}

func (c *historyCache) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
