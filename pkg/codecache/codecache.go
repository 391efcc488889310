// Package codecache implements the runtime's compiled-function cache: a
// bounded, TTL-expiring store keyed by application and function.
package codecache

import (
	"strings"
	"sync"
	"time"

	"github.com/cuemby/hyac/pkg/metrics"
)

const (
	DefaultMaxSize = 1024
	DefaultTTL     = 7200 * time.Second
)

type entry struct {
	data      any
	expiresAt time.Time
}

// Cache is a FIFO-eviction, TTL-expiring cache. Unlike an LRU cache, a read
// never reorders an entry: eviction order depends only on insertion order.
type Cache struct {
	maxSize int
	ttl     time.Duration

	mu    sync.Mutex
	order []string
	items map[string]entry
}

// New builds a Cache bounded at maxSize entries, each expiring ttl after
// being set.
func New(maxSize int, ttl time.Duration) *Cache {
	return &Cache{
		maxSize: maxSize,
		ttl:     ttl,
		items:   make(map[string]entry),
	}
}

// NewDefault builds a Cache with the default size and TTL.
func NewDefault() *Cache {
	return New(DefaultMaxSize, DefaultTTL)
}

// Key builds the cache key for an application's function, optionally
// qualified by a suffix (e.g. "common").
func Key(appID, functionID string, suffix ...string) string {
	key := appID + "::" + functionID
	if len(suffix) > 0 && suffix[0] != "" {
		key += "::" + suffix[0]
	}
	return key
}

// Get returns the cached value for key if present and not expired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok || time.Now().After(e.expiresAt) {
		metrics.CodeCacheMissesTotal.Inc()
		return nil, false
	}
	metrics.CodeCacheHitsTotal.Inc()
	return e.data, true
}

// Set stores data under key, evicting the oldest entry first if the cache
// is full.
func (c *Cache) Set(key string, data any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; !exists && len(c.items) >= c.maxSize {
		c.evictOldestLocked()
	}
	if _, exists := c.items[key]; !exists {
		c.order = append(c.order, key)
	}
	c.items[key] = entry{data: data, expiresAt: time.Now().Add(c.ttl)}
	metrics.CodeCacheSize.Set(float64(len(c.items)))
}

func (c *Cache) evictOldestLocked() {
	for len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		if _, ok := c.items[oldest]; ok {
			delete(c.items, oldest)
			metrics.CodeCacheEvictionsTotal.Inc()
			return
		}
	}
}

// Invalidate removes every entry for identifier under appID — the plain
// key and any suffixed variant (e.g. the "common" namespace snapshot) —
// satisfying pkg/watchers.CacheInvalidator.
func (c *Cache) Invalidate(appID, identifier string) {
	c.removeByPrefix(Key(appID, identifier))
}

// ClearApp removes every cache entry belonging to appID.
func (c *Cache) ClearApp(appID string) {
	c.removeByPrefix(appID + "::")
}

func (c *Cache) removeByPrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	remaining := c.order[:0]
	for _, key := range c.order {
		if strings.HasPrefix(key, prefix) {
			delete(c.items, key)
			continue
		}
		remaining = append(remaining, key)
	}
	c.order = remaining
	metrics.CodeCacheSize.Set(float64(len(c.items)))
}
