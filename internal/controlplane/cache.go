package controlplane

import (
	"strings"
	"sync"
	"time"
)

const RuntimeCacheTTL = 20 * time.Second

type cacheEntry struct {
	expiresAt time.Time
	snapshot  RuntimeSnapshot
}

// runtimeCache holds evaluated runtime snapshots per environment and subject.
type runtimeCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

func newRuntimeCache() *runtimeCache {
	return &runtimeCache{entries: make(map[string]cacheEntry)}
}

func cacheKey(env Environment, fc FlagContext, includePrivate bool) string {
	user, org, visibility := "anon", "none", "public"
	if fc.UserID != "" {
		user = fc.UserID
	}
	if fc.OrgID != "" {
		org = fc.OrgID
	}
	if includePrivate {
		visibility = "private"
	}
	return string(env) + ":" + user + ":" + org + ":" + visibility
}

// get returns a live entry whose version still matches the current one.
func (c *runtimeCache) get(key, version string, now time.Time) (RuntimeSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !now.Before(e.expiresAt) || e.snapshot.Version != version {
		return RuntimeSnapshot{}, false
	}
	return e.snapshot, true
}

func (c *runtimeCache) put(key string, snap RuntimeSnapshot, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{expiresAt: now.Add(RuntimeCacheTTL), snapshot: snap}
}

func (c *runtimeCache) invalidate(env Environment) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := string(env) + ":"
	removed := 0
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

func (c *runtimeCache) clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	c.entries = make(map[string]cacheEntry)
	return n
}
