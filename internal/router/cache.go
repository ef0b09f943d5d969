package router

import (
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"tickstream/internal/index"
	"tickstream/pkg/types"
)

// RouteCacheEntry is a memoized routing result for one event signature.
type RouteCacheEntry struct {
	Signature  string
	Matches    []index.Match
	Generation uint64
	ComputedAt time.Time
}

// CacheConfig bounds the route cache.
type CacheConfig struct {
	TTL        time.Duration
	MaxEntries int
}

// lookup outcomes
const (
	cacheHit = iota
	cacheMiss
	cacheStale
	cacheExpired
)

// RouteCache maps event signatures to post-evaluation match lists.
// ARCHITECTURAL DISCOVERY: An entry is valid only for the index generation it
// was computed under. The first lookup that observes a newer generation
// resets the whole cache, so stale entries never outlive one mutation.
type RouteCache struct {
	mu         sync.Mutex
	entries    map[string]*RouteCacheEntry
	generation uint64
	ttl        time.Duration
	maxEntries int
	evictions  uint64
	now        func() time.Time
}

// NewRouteCache creates a cache. A zero TTL disables expiry; a non-positive
// MaxEntries disables caching entirely.
func NewRouteCache(cfg CacheConfig) *RouteCache {
	return &RouteCache{
		entries:    make(map[string]*RouteCacheEntry),
		ttl:        cfg.TTL,
		maxEntries: cfg.MaxEntries,
		now:        time.Now,
	}
}

// Get returns the cached matches for a signature if they were computed under
// generation gen and have not expired.
func (c *RouteCache) Get(signature string, gen uint64) ([]index.Match, int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.advanceLocked(gen)
	e, ok := c.entries[signature]
	if !ok {
		return nil, cacheMiss
	}
	if e.Generation != gen {
		// A caller behind the cache generation leaves newer entries alone.
		if e.Generation < gen {
			delete(c.entries, signature)
		}
		return nil, cacheStale
	}
	if c.ttl > 0 && c.now().Sub(e.ComputedAt) > c.ttl {
		delete(c.entries, signature)
		return nil, cacheExpired
	}
	return e.Matches, cacheHit
}

// Put stores matches computed under generation gen. Results from an older
// generation than the cache has already seen are discarded.
func (c *RouteCache) Put(signature string, gen uint64, matches []index.Match) {
	if c.maxEntries <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen < c.generation {
		return
	}
	c.advanceLocked(gen)
	if _, exists := c.entries[signature]; !exists && len(c.entries) >= c.maxEntries {
		c.evictLocked()
	}
	c.entries[signature] = &RouteCacheEntry{
		Signature:  signature,
		Matches:    matches,
		Generation: gen,
		ComputedAt: c.now(),
	}
}

func (c *RouteCache) advanceLocked(gen uint64) {
	if gen > c.generation {
		c.generation = gen
		if len(c.entries) > 0 {
			c.entries = make(map[string]*RouteCacheEntry)
		}
	}
}

// evictLocked drops expired entries, or one arbitrary entry when none expired.
func (c *RouteCache) evictLocked() {
	if c.ttl > 0 {
		now := c.now()
		for sig, e := range c.entries {
			if now.Sub(e.ComputedAt) > c.ttl {
				delete(c.entries, sig)
				c.evictions++
			}
		}
		if len(c.entries) < c.maxEntries {
			return
		}
	}
	for sig := range c.entries {
		delete(c.entries, sig)
		c.evictions++
		return
	}
}

// Len returns the number of cached signatures.
func (c *RouteCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// CacheStats reports cache occupancy.
type CacheStats struct {
	Entries    int    `json:"entries"`
	Generation uint64 `json:"generation"`
	Evictions  uint64 `json:"evictions"`
}

func (c *RouteCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Entries: len(c.entries), Generation: c.generation, Evictions: c.evictions}
}

// Signature is the canonical key of an event restricted to the given
// dimensions. Two events with equal signatures are routed identically by any
// filter that only references those dimensions. String values carry a length
// prefix so no value can spell out a following dimension.
func Signature(e *types.Event, dimensions []string) string {
	var b strings.Builder
	for _, dim := range dimensions {
		b.WriteString(dim)
		b.WriteByte('=')
		v, ok := e.Value(dim)
		switch val := v.(type) {
		case string:
			b.WriteString("s")
			b.WriteString(strconv.Itoa(len(val)))
			b.WriteByte(':')
			b.WriteString(val)
		case float64:
			if math.IsNaN(val) {
				b.WriteString("nan")
				break
			}
			b.WriteString("n:")
			b.WriteString(strconv.FormatFloat(val, 'g', -1, 64))
		default:
			if ok {
				b.WriteString("?")
			} else {
				b.WriteString("-")
			}
		}
		b.WriteByte(0x1e)
	}
	return b.String()
}
