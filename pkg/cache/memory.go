package cache

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"chatcall-backend/pkg/logger"
)

// MemoryCache implements an in-memory cache with TTL support
type MemoryCache struct {
	mu      sync.RWMutex
	data    map[string]*cacheEntry
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	hits   uint64
	misses uint64
}

// cacheEntry represents a single cache entry
type cacheEntry struct {
	value     any
	expiresAt time.Time
	createdAt time.Time
}

// NewMemoryCache creates a new in-memory cache. maxSize <= 0 means unbounded.
func NewMemoryCache(defaultTTL time.Duration, maxSize int) *MemoryCache {
	return &MemoryCache{
		data:    make(map[string]*cacheEntry),
		ttl:     defaultTTL,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Set stores a value in the cache with TTL; ttl 0 uses the default
func (mc *MemoryCache) Set(key string, value any, ttl time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if ttl == 0 {
		ttl = mc.ttl
	}

	if _, exists := mc.data[key]; !exists && mc.maxSize > 0 && len(mc.data) >= mc.maxSize {
		mc.evictOldest()
	}

	now := mc.now()
	mc.data[key] = &cacheEntry{
		value:     value,
		expiresAt: now.Add(ttl),
		createdAt: now,
	}
}

// Get retrieves a value from the cache
func (mc *MemoryCache) Get(key string) (any, bool) {
	mc.mu.RLock()
	entry, exists := mc.data[key]
	mc.mu.RUnlock()

	if !exists {
		mc.recordMiss()
		return nil, false
	}

	if mc.now().After(entry.expiresAt) {
		mc.mu.Lock()
		// re-check: the entry may have been refreshed meanwhile
		if current, ok := mc.data[key]; ok && current == entry {
			delete(mc.data, key)
		}
		mc.mu.Unlock()
		mc.recordMiss()
		return nil, false
	}

	mc.mu.Lock()
	mc.hits++
	mc.mu.Unlock()
	return entry.value, true
}

func (mc *MemoryCache) recordMiss() {
	mc.mu.Lock()
	mc.misses++
	mc.mu.Unlock()
}

// Delete removes a value from the cache
func (mc *MemoryCache) Delete(key string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	delete(mc.data, key)
	logger.Debug("Cache entry deleted", zap.String("key", key))
}

// Clear removes all entries from the cache
func (mc *MemoryCache) Clear() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.data = make(map[string]*cacheEntry)
}

// Size returns the current number of entries in the cache
func (mc *MemoryCache) Size() int {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return len(mc.data)
}

// Stats returns hit and miss counters
func (mc *MemoryCache) Stats() (hits, misses uint64) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.hits, mc.misses
}

// evictOldest removes the oldest entry from the cache. Caller holds mu.
func (mc *MemoryCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range mc.data {
		if oldestKey == "" || entry.createdAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.createdAt
		}
	}

	if oldestKey != "" {
		delete(mc.data, oldestKey)
		logger.Debug("Cache entry evicted",
			zap.String("key", oldestKey),
			zap.Time("created_at", oldestTime),
		)
	}
}

// cleanupExpired removes expired entries from the cache
func (mc *MemoryCache) cleanupExpired() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	now := mc.now()
	expiredCount := 0

	for key, entry := range mc.data {
		if now.After(entry.expiresAt) {
			delete(mc.data, key)
			expiredCount++
		}
	}

	if expiredCount > 0 {
		logger.Debug("Expired cache entries cleaned up",
			zap.Int("count", expiredCount),
			zap.Int("remaining", len(mc.data)),
		)
	}
}

// StartCleanup starts a goroutine to clean up expired entries
// Returns a stop function that can be called to cancel the cleanup goroutine
func (mc *MemoryCache) StartCleanup(interval time.Duration) func() {
	stop := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				mc.cleanupExpired()
			case <-stop:
				return
			}
		}
	}()
	return func() { once.Do(func() { close(stop) }) }
}
