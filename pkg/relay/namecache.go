package relay

import (
	"sync"

	"github.com/MichaelXi3/libprovenance/pkg/provenance"
)

// NameCache maps identifiers to the path that first named them. Path names
// arrive on the long-record channel at path-resolution time but are referenced
// by later records via identifier only, so every reader feeds this cache as a
// side effect of dispatching path records.
//
// The cache is monotonic: entries are never updated or deleted. Identifiers
// are not reused within a run, so a stale entry cannot be wrong, and
// first-writer-wins keeps the name for a given identifier stable even when
// several CPUs observe it concurrently.
type NameCache struct {
	mu    sync.RWMutex
	names map[provenance.Identifier]string
}

// NewNameCache creates an empty cache.
func NewNameCache() *NameCache {
	return &NameCache{
		names: make(map[provenance.Identifier]string),
	}
}

// InsertIfAbsent records name for id unless id is already present. Idempotent
// and safe under concurrent calls from multiple readers.
func (c *NameCache) InsertIfAbsent(id provenance.Identifier, name string) {
	c.mu.RLock()
	_, ok := c.names[id]
	c.mu.RUnlock()
	if ok {
		return
	}
	c.mu.Lock()
	if _, ok := c.names[id]; !ok {
		c.names[id] = name
	}
	c.mu.Unlock()
}

// Lookup returns the cached name for id, if any.
func (c *NameCache) Lookup(id provenance.Identifier) (string, bool) {
	c.mu.RLock()
	name, ok := c.names[id]
	c.mu.RUnlock()
	return name, ok
}

// Len returns the number of cached names.
func (c *NameCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.names)
}
