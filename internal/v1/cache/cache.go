// Package cache implements the three-tier cache: an in-process L1 with a
// byte budget and TTL, an L2 on the Store Gateway, and an optional L3 with
// a longer durable TTL, plus tag/dependency based invalidation.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/liveroomhub/hub/internal/v1/metrics"
	"github.com/liveroomhub/hub/internal/v1/store"
	gocache "github.com/patrickmn/go-cache"
)

const (
	defaultL1TTL      = 5 * time.Minute
	defaultL1MaxBytes = 100 << 20 // 100 MiB
	defaultL2TTL      = time.Hour
	defaultL3TTL      = 24 * time.Hour

	maxInvalidationDepth = 3

	tierL1 = "l1"
	tierL2 = "l2"
	tierL3 = "l3"
)

// entryMeta tracks the per-entry bookkeeping the design calls for beyond
// what go-cache itself records.
type entryMeta struct {
	size         int
	lastAccessed time.Time
	accessCount  int64
}

// Cache is the three-tier reader with promotion on hit.
type Cache struct {
	l1        *gocache.Cache
	l1MaxBytes int64

	store  *store.Gateway
	l2TTL  time.Duration
	l3TTL  time.Duration
	l3     bool

	mu           sync.Mutex
	meta         map[string]*entryMeta
	l1UsedBytes  int64

	tagMu        sync.Mutex
	tagToKeys    map[string]map[string]struct{}
	keyToTags    map[string]map[string]struct{}
	keyToDeps    map[string][]string
}

// Options configures a Cache.
type Options struct {
	L1TTL      time.Duration
	L1MaxBytes int64
	L2TTL      time.Duration
	L3TTL      time.Duration
	EnableL3   bool
}

// New constructs a Cache. st may be nil, in which case only L1 is active.
func New(st *store.Gateway, opts Options) *Cache {
	if opts.L1TTL <= 0 {
		opts.L1TTL = defaultL1TTL
	}
	if opts.L1MaxBytes <= 0 {
		opts.L1MaxBytes = defaultL1MaxBytes
	}
	if opts.L2TTL <= 0 {
		opts.L2TTL = defaultL2TTL
	}
	if opts.L3TTL <= 0 {
		opts.L3TTL = defaultL3TTL
	}

	return &Cache{
		l1:         gocache.New(opts.L1TTL, opts.L1TTL/2),
		l1MaxBytes: opts.L1MaxBytes,
		store:      st,
		l2TTL:      opts.L2TTL,
		l3TTL:      opts.L3TTL,
		l3:         opts.EnableL3,
		meta:       make(map[string]*entryMeta),
		tagToKeys:  make(map[string]map[string]struct{}),
		keyToTags:  make(map[string]map[string]struct{}),
		keyToDeps:  make(map[string][]string),
	}
}

// Get reads through L1 → L2 → L3, promoting to faster tiers on hit.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	if v, ok := c.l1.Get(key); ok {
		c.touch(key)
		metrics.CacheHits.WithLabelValues(tierL1).Inc()
		return v.([]byte), true
	}
	metrics.CacheMisses.WithLabelValues(tierL1).Inc()

	if c.store != nil {
		if v, err := c.store.Get(ctx, l2Key(key)); err == nil && v != nil {
			metrics.CacheHits.WithLabelValues(tierL2).Inc()
			c.setL1(key, v)
			return v, true
		}
		metrics.CacheMisses.WithLabelValues(tierL2).Inc()

		if c.l3 {
			if v, err := c.store.Get(ctx, l3Key(key)); err == nil && v != nil {
				metrics.CacheHits.WithLabelValues(tierL3).Inc()
				c.setL1(key, v)
				_ = c.store.Set(ctx, l2Key(key), v, c.l2TTL)
				return v, true
			}
			metrics.CacheMisses.WithLabelValues(tierL3).Inc()
		}
	}

	return nil, false
}

// Set writes to every active tier and records tags/dependencies for
// invalidation.
func (c *Cache) Set(ctx context.Context, key string, value []byte, tags []string, deps []string) {
	c.setL1(key, value)

	if c.store != nil {
		_ = c.store.Set(ctx, l2Key(key), value, c.l2TTL)
		if c.l3 {
			_ = c.store.Set(ctx, l3Key(key), value, c.l3TTL)
		}
	}

	c.registerTags(key, tags, deps)
}

func (c *Cache) setL1(key string, value []byte) {
	c.l1.SetDefault(key, value)

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.meta[key]; ok {
		c.l1UsedBytes -= int64(old.size)
	}
	c.meta[key] = &entryMeta{size: len(value), lastAccessed: time.Now(), accessCount: 1}
	c.l1UsedBytes += int64(len(value))

	c.evictIfOverBudgetLocked()
}

func (c *Cache) touch(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.meta[key]; ok {
		m.lastAccessed = time.Now()
		m.accessCount++
	}
}

// evictIfOverBudgetLocked drops the least-recently-accessed entries until
// L1 is back under its byte budget. Caller holds c.mu.
func (c *Cache) evictIfOverBudgetLocked() {
	for c.l1UsedBytes > c.l1MaxBytes && len(c.meta) > 0 {
		var oldestKey string
		var oldestTime time.Time
		first := true
		for k, m := range c.meta {
			if first || m.lastAccessed.Before(oldestTime) {
				oldestKey = k
				oldestTime = m.lastAccessed
				first = false
			}
		}
		if oldestKey == "" {
			return
		}
		c.l1.Delete(oldestKey)
		c.l1UsedBytes -= int64(c.meta[oldestKey].size)
		delete(c.meta, oldestKey)
	}
}

// registerTags records which tags and dependency keys this key carries.
func (c *Cache) registerTags(key string, tags, deps []string) {
	c.tagMu.Lock()
	defer c.tagMu.Unlock()

	c.keyToTags[key] = toSet(tags)
	for _, tag := range tags {
		if c.tagToKeys[tag] == nil {
			c.tagToKeys[tag] = make(map[string]struct{})
		}
		c.tagToKeys[tag][key] = struct{}{}
	}
	c.keyToDeps[key] = deps
}

// InvalidateTag drops every key carrying tag from every tier, then follows
// dependency edges up to maxInvalidationDepth to avoid cycles.
func (c *Cache) InvalidateTag(ctx context.Context, tag string) {
	c.invalidateTagDepth(ctx, tag, 0)
}

func (c *Cache) invalidateTagDepth(ctx context.Context, tag string, depth int) {
	if depth > maxInvalidationDepth {
		return
	}

	c.tagMu.Lock()
	keys := make([]string, 0, len(c.tagToKeys[tag]))
	for k := range c.tagToKeys[tag] {
		keys = append(keys, k)
	}
	for k, deps := range c.keyToDeps {
		for _, d := range deps {
			if d == tag {
				keys = append(keys, k)
				break
			}
		}
	}
	c.tagMu.Unlock()

	for _, key := range keys {
		c.invalidateKey(ctx, key)
	}

	// Follow dependents: each dropped key is treated as a tag on the next
	// hop, so any key that lists it as a dependency also invalidates, one
	// hop at a time, bounded by depth.
	for _, key := range keys {
		c.invalidateTagDepth(ctx, key, depth+1)
	}
}

func (c *Cache) invalidateKey(ctx context.Context, key string) {
	c.l1.Delete(key)

	c.mu.Lock()
	if m, ok := c.meta[key]; ok {
		c.l1UsedBytes -= int64(m.size)
		delete(c.meta, key)
	}
	c.mu.Unlock()

	if c.store != nil {
		_ = c.store.Del(ctx, l2Key(key))
		if c.l3 {
			_ = c.store.Del(ctx, l3Key(key))
		}
	}
}

func toSet(items []string) map[string]struct{} {
	s := make(map[string]struct{}, len(items))
	for _, i := range items {
		s[i] = struct{}{}
	}
	return s
}

func l2Key(key string) string { return fmt.Sprintf("cache:%s", key) }
func l3Key(key string) string { return fmt.Sprintf("cache:l3:%s", key) }
