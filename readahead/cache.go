// Package readahead implements the read-ahead worker and entry cache
// described in spec §4.3: a background poller that tails an
// in-progress segment's last-confirmed entry id and pre-fetches
// batches of entries into a cache the Segment Reader serves from.
package readahead

import "sync"

// Cache holds raw entry bytes keyed by entry id, as fetched by a
// Worker. It is safe for concurrent use by the worker (producer) and
// the Segment Reader (consumer).
type Cache struct {
	mu      sync.Mutex
	entries map[int64][]byte
}

// NewCache creates an empty entry cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[int64][]byte)}
}

// Put stores data for entryID, overwriting any previous value.
func (c *Cache) Put(entryID int64, data []byte) {
	c.mu.Lock()
	c.entries[entryID] = data
	c.mu.Unlock()
}

// Get returns the cached bytes for entryID, if present.
func (c *Cache) Get(entryID int64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.entries[entryID]
	return data, ok
}

// Evict drops every cached entry strictly below entryID, once the
// Segment Reader has consumed past it.
func (c *Cache) Evict(belowEntryID int64) {
	c.mu.Lock()
	for id := range c.entries {
		if id < belowEntryID {
			delete(c.entries, id)
		}
	}
	c.mu.Unlock()
}

// Len reports the number of entries currently cached, for diagnostics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
