// Package cache holds the daemon-governed verdict cache keyed by file
// identity. Entries live until the daemon removes or clears them; there is
// no eviction.
package cache

import (
	"sync"

	"github.com/BrandonDHaskell/execgate/internal/execgate/types"
)

// DecisionCache maps file identities to daemon verdicts. Safe for
// concurrent use.
type DecisionCache struct {
	mu      sync.RWMutex
	entries map[types.FileIdentity]types.Verdict
}

// New returns an empty cache.
func New() *DecisionCache {
	return &DecisionCache{entries: make(map[types.FileIdentity]types.Verdict)}
}

// Lookup returns the cached verdict for id, if any.
func (c *DecisionCache) Lookup(id types.FileIdentity) (types.Verdict, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[id]
	return v, ok
}

// Insert stores verdict for id, replacing any existing entry. Unknown
// verdicts are ignored so absence stays the only "unknown" state.
func (c *DecisionCache) Insert(id types.FileIdentity, verdict types.Verdict) {
	if !verdict.Valid() {
		return
	}
	c.mu.Lock()
	c.entries[id] = verdict
	c.mu.Unlock()
}

// Remove drops the entry for id, if present.
func (c *DecisionCache) Remove(id types.FileIdentity) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}

// Clear drops every entry. Inserts that complete before Clear takes the
// write lock are discarded; inserts after it survive.
func (c *DecisionCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[types.FileIdentity]types.Verdict)
	c.mu.Unlock()
}

// Count returns the number of cached verdicts.
func (c *DecisionCache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
