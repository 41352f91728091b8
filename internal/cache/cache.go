package cache

import (
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	// DefaultTTL applies when Set is called with a non-positive ttl.
	DefaultTTL = 5 * time.Second
	// DefaultSweepInterval is how often expired entries are evicted in the background.
	DefaultSweepInterval = 60 * time.Second
)

// Cache defines the interface for caching operations
type Cache interface {
	Get(key string) (any, bool)
	Set(key string, value any, ttl time.Duration)
	Delete(key string)
	Clear()
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Sets      uint64  `json:"sets"`
	Deletes   uint64  `json:"deletes"`
	Evictions uint64  `json:"evictions"`
	Entries   int     `json:"entries"`
	HitRate   float64 `json:"hit_rate"`
}

// entry carries its own timestamp so expiry follows the injected clock,
// not only the go-cache janitor.
type entry struct {
	data      any
	timestamp time.Time
	ttl       time.Duration
}

func (e entry) expired(now time.Time) bool {
	return now.Sub(e.timestamp) > e.ttl
}

// TTLCache implements Cache with lazy expiry on read and a periodic sweep.
type TTLCache struct {
	data       *gocache.Cache
	defaultTTL time.Duration
	now        func() time.Time

	hits      atomic.Uint64
	misses    atomic.Uint64
	sets      atomic.Uint64
	deletes   atomic.Uint64
	evictions atomic.Uint64
}

// Option customises a TTLCache.
type Option func(*TTLCache)

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *TTLCache) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a TTL cache. The go-cache janitor sweeps expired entries every sweepInterval.
func New(defaultTTL, sweepInterval time.Duration, opts ...Option) *TTLCache {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}

	c := &TTLCache{
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.data = gocache.New(defaultTTL, sweepInterval)
	return c
}

// Get retrieves a value, treating expired entries as misses.
func (c *TTLCache) Get(key string) (any, bool) {
	raw, ok := c.data.Get(key)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}

	e := raw.(entry)
	if e.expired(c.now()) {
		c.data.Delete(key)
		c.evictions.Add(1)
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	return e.data, true
}

// Set stores a value with the given ttl, or the default ttl when ttl <= 0.
func (c *TTLCache) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.data.Set(key, entry{data: value, timestamp: c.now(), ttl: ttl}, ttl)
	c.sets.Add(1)
}

// Delete removes a value from the cache
func (c *TTLCache) Delete(key string) {
	c.data.Delete(key)
	c.deletes.Add(1)
}

// Clear removes all values from the cache
func (c *TTLCache) Clear() {
	c.data.Flush()
}

// Sweep evicts every entry expired according to the cache clock and
// returns how many were removed.
func (c *TTLCache) Sweep() int {
	now := c.now()
	removed := 0
	for key, item := range c.data.Items() {
		e, ok := item.Object.(entry)
		if !ok || !e.expired(now) {
			continue
		}
		c.data.Delete(key)
		removed++
	}
	c.evictions.Add(uint64(removed))
	return removed
}

// Stats returns hit/miss/set counters and the computed hit rate.
func (c *TTLCache) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	stats := Stats{
		Hits:      hits,
		Misses:    misses,
		Sets:      c.sets.Load(),
		Deletes:   c.deletes.Load(),
		Evictions: c.evictions.Load(),
		Entries:   c.data.ItemCount(),
	}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	return stats
}

var _ Cache = (*TTLCache)(nil)
