package tokens

import (
	"fmt"
	"sync"
	"time"

	"github.com/taxlink-pk/taxlink/internal/fbr"
)

// Entry is a cached, already validated token.
type Entry struct {
	Token     string
	ExpiresAt *time.Time
	CachedAt  time.Time
	// StaleAt is when the entry must be reloaded from the store.
	StaleAt time.Time
}

// Cache stores validated tokens keyed by business and environment.
type Cache interface {
	Get(key string) (Entry, bool)
	Set(key string, entry Entry)
	Delete(key string)
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryCache constructs an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]Entry)}
}

func (c *MemoryCache) Get(key string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return e, ok
}

func (c *MemoryCache) Set(key string, entry Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry
}

func (c *MemoryCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len returns the number of cached entries.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func cacheKey(businessID int64, env fbr.Environment) string {
	return fmt.Sprintf("fbr:token:%d:%s", businessID, env)
}
