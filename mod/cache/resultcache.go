package cache

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const (
	// DefaultResultCacheSize is the default memory budget of a result cache in bytes
	DefaultResultCacheSize int64 = 5 * 1024 * 1024

	// DefaultResultCacheTTL is how long a memoized result stays valid
	DefaultResultCacheTTL = 5 * time.Minute

	// entryFootprint is the assumed average size of one key/value pair. The byte budget
	// is turned into an entry capacity with it.
	entryFootprint = 256
)

// ResultCacheConfig configures a ResultCache
type ResultCacheConfig struct {
	// Name identifies the cache in stats and logs
	Name string

	// MaxSize is the memory budget in bytes
	MaxSize int64

	// TTL is added to the write time to get an entry's expiry
	TTL time.Duration
}

// ResultCache is a named, size-bounded memo store. Entries expire TTL after they were
// written and are never updated in place: Set creates or replaces.
type ResultCache[V any] struct {
	name     string
	ttl      time.Duration
	capacity uint64
	items    *ttlcache.Cache[string, V]
	stopOnce sync.Once
}

// ResultCacheStats is a snapshot of a ResultCache's counters
type ResultCacheStats struct {
	Name       string `json:"name"`
	Entries    int    `json:"entries"`
	Capacity   uint64 `json:"capacity"`
	TTL        string `json:"ttl"`
	Insertions uint64 `json:"insertions"`
	Hits       uint64 `json:"hits"`
	Misses     uint64 `json:"misses"`
	Evictions  uint64 `json:"evictions"`
}

// NewResultCache creates a result cache and starts its expiry scavenger
func NewResultCache[V any](config ResultCacheConfig) *ResultCache[V] {
	if config.MaxSize <= 0 {
		config.MaxSize = DefaultResultCacheSize
	}
	if config.TTL <= 0 {
		config.TTL = DefaultResultCacheTTL
	}

	capacity := uint64(config.MaxSize / entryFootprint)
	if capacity == 0 {
		capacity = 1
	}

	items := ttlcache.New[string, V](
		ttlcache.WithTTL[string, V](config.TTL),
		ttlcache.WithCapacity[string, V](capacity),
		ttlcache.WithDisableTouchOnHit[string, V](),
	)
	go items.Start()

	return &ResultCache[V]{
		name:     config.Name,
		ttl:      config.TTL,
		capacity: capacity,
		items:    items,
	}
}

// Name returns the cache name
func (c *ResultCache[V]) Name() string {
	return c.name
}

// Get returns the value stored under key. Expired entries are reported as misses.
func (c *ResultCache[V]) Get(key string) (V, bool) {
	item := c.items.Get(key)
	if item == nil || item.IsExpired() {
		var zero V
		return zero, false
	}
	return item.Value(), true
}

// Set stores value under key with an expiry of now + TTL
func (c *ResultCache[V]) Set(key string, value V) {
	c.items.Set(key, value, ttlcache.DefaultTTL)
}

// Delete removes key
func (c *ResultCache[V]) Delete(key string) {
	c.items.Delete(key)
}

// Purge removes every entry
func (c *ResultCache[V]) Purge() {
	c.items.DeleteAll()
}

// Len returns the number of stored entries, including ones not yet scavenged
func (c *ResultCache[V]) Len() int {
	return c.items.Len()
}

// Stats returns the cache counters
func (c *ResultCache[V]) Stats() ResultCacheStats {
	m := c.items.Metrics()
	return ResultCacheStats{
		Name:       c.name,
		Entries:    c.items.Len(),
		Capacity:   c.capacity,
		TTL:        c.ttl.String(),
		Insertions: m.Insertions,
		Hits:       m.Hits,
		Misses:     m.Misses,
		Evictions:  m.Evictions,
	}
}

// Close stops the scavenger. The cache stays readable afterwards.
func (c *ResultCache[V]) Close() {
	c.stopOnce.Do(c.items.Stop)
}
