package planboard

import (
	"sync"
	"time"

	"github.com/golang/glog"
)

// ============================================================================
// Cache keys
// ============================================================================

// ProjectListKey is the cache key for the aggregate project list.
const ProjectListKey = "projects"

// ProjectKey returns the cache key for a single project.
func ProjectKey(id int64) string { return "project:" + formatID(id) }

// MilestonesKey returns the cache key for a project's milestone list.
func MilestonesKey(projectID int64) string { return "milestones:" + formatID(projectID) }

// CommentsKey returns the cache key for a project's comment list.
func CommentsKey(projectID int64) string { return "comments:" + formatID(projectID) }

// ============================================================================
// Invalidator / MemoryCache
// ============================================================================

// Invalidator is the narrow interface the update watchers depend on:
// dropping cached entries so the next read refetches.
type Invalidator interface {
	Invalidate(keys ...string)
}

type cacheEntry struct {
	value    interface{}
	storedAt time.Time
}

// MemoryCache is a goroutine-safe keyed cache for fetched API data. Watchers
// invalidate entries when realtime events report the underlying entity
// changed.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

// NewMemoryCache creates an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]cacheEntry)}
}

// Get returns the cached value for key and whether it was present.
func (c *MemoryCache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return entry.value, true
}

// Set stores a value under key.
func (c *MemoryCache) Set(key string, value interface{}) {
	c.mu.Lock()
	c.entries[key] = cacheEntry{value: value, storedAt: time.Now()}
	c.mu.Unlock()
}

// Invalidate removes the given keys. Missing keys are ignored.
func (c *MemoryCache) Invalidate(keys ...string) {
	c.mu.Lock()
	for _, key := range keys {
		if _, ok := c.entries[key]; ok {
			delete(c.entries, key)
			glog.V(2).Infof("planboard: cache invalidated %q", key)
		}
	}
	c.mu.Unlock()
}

// Len returns the number of cached entries.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// StoredAt returns when the entry for key was written, if present.
func (c *MemoryCache) StoredAt(key string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok {
		return time.Time{}, false
	}
	return entry.storedAt, true
}
