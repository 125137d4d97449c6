package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(ttl time.Duration, maxSize int) (*MemoryCache, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	mc := NewMemoryCache(ttl, maxSize)
	mc.now = clock.Now
	return mc, clock
}

func TestMemoryCache_SetGet(t *testing.T) {
	mc, _ := newTestCache(time.Minute, 0)

	mc.Set("a", 1, 0)
	v, ok := mc.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = mc.Get("missing")
	assert.False(t, ok)

	hits, misses := mc.Stats()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(1), misses)
}

func TestMemoryCache_Expiry(t *testing.T) {
	mc, clock := newTestCache(time.Minute, 0)

	mc.Set("default", "x", 0)
	mc.Set("short", "y", time.Second)

	clock.Advance(2 * time.Second)
	_, ok := mc.Get("short")
	assert.False(t, ok)
	_, ok = mc.Get("default")
	assert.True(t, ok)

	clock.Advance(time.Minute)
	mc.cleanupExpired()
	assert.Equal(t, 0, mc.Size())
}

func TestMemoryCache_EvictsOldestWhenFull(t *testing.T) {
	mc, clock := newTestCache(time.Minute, 2)

	mc.Set("first", 1, 0)
	clock.Advance(time.Millisecond)
	mc.Set("second", 2, 0)
	clock.Advance(time.Millisecond)

	// overwriting an existing key never evicts
	mc.Set("second", 22, 0)
	assert.Equal(t, 2, mc.Size())

	mc.Set("third", 3, 0)
	assert.Equal(t, 2, mc.Size())
	_, ok := mc.Get("first")
	assert.False(t, ok)
	v, ok := mc.Get("second")
	require.True(t, ok)
	assert.Equal(t, 22, v)
}

func TestMemoryCache_DeleteAndClear(t *testing.T) {
	mc, _ := newTestCache(time.Minute, 0)
	mc.Set("a", 1, 0)
	mc.Set("b", 2, 0)

	mc.Delete("a")
	assert.Equal(t, 1, mc.Size())

	mc.Clear()
	assert.Equal(t, 0, mc.Size())
	_, ok := mc.Get("b")
	assert.False(t, ok)
}

func TestMemoryCache_StopCleanupIsIdempotent(t *testing.T) {
	mc, _ := newTestCache(time.Minute, 0)
	stop := mc.StartCleanup(time.Millisecond)
	stop()
	stop()
}
