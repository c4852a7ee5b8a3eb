package policy

import (
	"container/list"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/upb/screentime-engine/models"
)

// CacheKey identifies the resolved policy of one learner
type CacheKey struct {
	TenantID  uuid.UUID
	LearnerID uuid.UUID
}

// String returns the cache key as "tenant:<id>:learner:<id>"
func (k CacheKey) String() string {
	return "tenant:" + k.TenantID.String() + ":learner:" + k.LearnerID.String()
}

// TenantPattern matches every cached learner of a tenant
func TenantPattern(tenantID uuid.UUID) string {
	return "tenant:" + tenantID.String() + ":learner:*"
}

// cacheEntry represents a single cache entry with TTL
type cacheEntry struct {
	key        CacheKey
	policy     *models.ScreenTimePolicy
	insertedAt time.Time
	element    *list.Element // For LRU tracking
}

// PolicyCache is an in-memory LRU cache with TTL for resolved policies.
// Thread-safe implementation using sync.RWMutex
type PolicyCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry // Key: CacheKey.String()
	lruList *list.List             // Doubly linked list for LRU tracking
	maxSize int                    // Maximum number of entries
	ttl     time.Duration          // Time-to-live for entries
	hits    uint64                 // Cache hit counter
	misses  uint64                 // Cache miss counter
	gen     uint64                 // Bumped by every invalidation
	now     func() time.Time
}

// NewPolicyCache creates a new PolicyCache with specified max size and TTL
func NewPolicyCache(maxSize int, ttl time.Duration) *PolicyCache {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &PolicyCache{
		entries: make(map[string]*cacheEntry),
		lruList: list.New(),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *PolicyCache) isExpired(e *cacheEntry) bool {
	return c.now().Sub(e.insertedAt) > c.ttl
}

// Get retrieves a resolved policy from cache.
// Returns nil if not found or expired
func (c *PolicyCache) Get(key CacheKey) *models.ScreenTimePolicy {
	c.mu.Lock()
	defer c.mu.Unlock()

	keyStr := key.String()
	entry, exists := c.entries[keyStr]

	if !exists || c.isExpired(entry) {
		c.misses++
		if exists {
			c.removeEntry(keyStr)
		}
		return nil
	}

	// Move to front (most recently used)
	c.lruList.MoveToFront(entry.element)
	c.hits++

	return entry.policy
}

// Generation returns the invalidation counter, for use with SetIfGeneration
func (c *PolicyCache) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

// SetIfGeneration stores policy only if no invalidation happened since gen was
// read, so a lookup that raced with a policy edit cannot cache the old result.
func (c *PolicyCache) SetIfGeneration(key CacheKey, policy *models.ScreenTimePolicy, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gen != gen {
		return false
	}
	c.set(key, policy)
	return true
}

// Set stores a resolved policy in cache
func (c *PolicyCache) Set(key CacheKey, policy *models.ScreenTimePolicy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set(key, policy)
}

// set must be called with lock held
func (c *PolicyCache) set(key CacheKey, policy *models.ScreenTimePolicy) {
	keyStr := key.String()

	if entry, exists := c.entries[keyStr]; exists {
		entry.policy = policy
		entry.insertedAt = c.now()
		c.lruList.MoveToFront(entry.element)
		return
	}

	// Evict least recently used entry if cache is full
	if c.lruList.Len() >= c.maxSize {
		c.evictLRU()
	}

	entry := &cacheEntry{
		key:        key,
		policy:     policy,
		insertedAt: c.now(),
	}
	entry.element = c.lruList.PushFront(keyStr)
	c.entries[keyStr] = entry
}

// Invalidate removes every entry whose key matches the glob pattern
// (path.Match syntax, '*' matches any run of characters). Returns the number removed.
func (c *PolicyCache) Invalidate(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	removed := 0
	for keyStr := range c.entries {
		if ok, err := path.Match(pattern, keyStr); err == nil && ok {
			c.removeEntry(keyStr)
			removed++
		}
	}
	return removed
}

// InvalidateLearner removes the entry of one learner
func (c *PolicyCache) InvalidateLearner(tenantID, learnerID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	c.removeEntry(CacheKey{TenantID: tenantID, LearnerID: learnerID}.String())
}

// InvalidateTenant removes all cache entries for a tenant
func (c *PolicyCache) InvalidateTenant(tenantID uuid.UUID) int {
	return c.Invalidate(TenantPattern(tenantID))
}

// Clear removes all entries from the cache
func (c *PolicyCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	c.entries = make(map[string]*cacheEntry)
	c.lruList.Init()
}

// Stats returns cache statistics
func (c *PolicyCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return CacheStats{
		Size:    c.lruList.Len(),
		MaxSize: c.maxSize,
		Hits:    c.hits,
		Misses:  c.misses,
		HitRate: c.calculateHitRate(),
	}
}

// CacheStats represents cache statistics
type CacheStats struct {
	Size    int     `json:"size"`
	MaxSize int     `json:"max_size"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// calculateHitRate calculates the cache hit rate
func (c *PolicyCache) calculateHitRate() float64 {
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}

// removeEntry removes an entry from the cache (must be called with lock held)
func (c *PolicyCache) removeEntry(keyStr string) {
	if entry, exists := c.entries[keyStr]; exists {
		c.lruList.Remove(entry.element)
		delete(c.entries, keyStr)
	}
}

// evictLRU evicts the least recently used entry (must be called with lock held)
func (c *PolicyCache) evictLRU() {
	backElement := c.lruList.Back()
	if backElement != nil {
		keyStr := backElement.Value.(string)
		c.lruList.Remove(backElement)
		delete(c.entries, keyStr)
	}
}

// CleanupExpired removes all expired entries.
// Should be called periodically in a background goroutine
func (c *PolicyCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiredKeys := make([]string, 0)
	for keyStr, entry := range c.entries {
		if c.isExpired(entry) {
			expiredKeys = append(expiredKeys, keyStr)
		}
	}
	for _, keyStr := range expiredKeys {
		c.removeEntry(keyStr)
	}

	return len(expiredKeys)
}
