package converge

import (
	"slices"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// DisableReasonLowHitRate is recorded when the breaker trips.
const DisableReasonLowHitRate = "low_hit_rate"

// CacheConfig tunes a PlanCache.
type CacheConfig struct {
	// Capacity bounds the number of cached subsets.
	Capacity int `json:"capacity" yaml:"capacity"`

	// MinSamples is the number of lookups before the breaker may trip.
	MinSamples int `json:"minSamples" yaml:"minSamples"`

	// MinHitRate is the rolling hit-rate floor in [0,1].
	MinHitRate float64 `json:"minHitRate" yaml:"minHitRate"`

	// Window is the number of most recent lookups the hit rate is computed
	// over. Zero means MinSamples.
	Window int `json:"window" yaml:"window"`
}

// CacheStats is a point-in-time view of a PlanCache.
type CacheStats struct {
	Hits          int64
	Misses        int64
	Evicts        int64
	Size          int
	Capacity      int
	Disabled      bool
	DisableReason string
	Generation    string

	// HitRatePermille is the rolling hit rate in thousandths.
	HitRatePermille int
}

// PlanCache caches dirty-subset step lists keyed by dirty-set signature,
// with LRU eviction and a low-hit-rate breaker.
//
// Thread-safety: safe for concurrent use, though an engine instance only
// touches it from its transaction executor.
type PlanCache struct {
	mu  sync.Mutex
	cfg CacheConfig
	lru *simplelru.LRU[string, []int]

	generation string

	hits   int64
	misses int64
	evicts int64

	// rolling window of lookup outcomes
	outcomes   []bool
	next       int
	filled     int
	windowHits int
	lookups    int

	disabled      bool
	disableReason string
}

// NewPlanCache creates an empty cache.
func NewPlanCache(cfg CacheConfig) *PlanCache {
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}
	if cfg.Window <= 0 {
		cfg.Window = max(cfg.MinSamples, 1)
	}
	return &PlanCache{
		cfg:      cfg,
		lru:      newLRU(cfg.Capacity),
		outcomes: make([]bool, cfg.Window),
	}
}

func newLRU(capacity int) *simplelru.LRU[string, []int] {
	// NewLRU only fails for a non-positive size.
	lru, err := simplelru.NewLRU[string, []int](capacity, nil)
	if err != nil {
		panic(err)
	}
	return lru
}

// Lookup returns a copy of the cached subset for sig and records the hit or
// miss. A disabled cache always misses without recording.
func (c *PlanCache) Lookup(sig string) ([]int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookupLocked(sig)
}

func (c *PlanCache) lookupLocked(sig string) ([]int, bool) {
	if c.disabled {
		return nil, false
	}
	steps, ok := c.lru.Get(sig)
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	c.record(ok)
	if !ok {
		return nil, false
	}
	return slices.Clone(steps), true
}

// Store inserts or replaces the subset for sig, evicting the least recently
// used entry when over capacity. A disabled cache ignores stores.
func (c *PlanCache) Store(sig string, steps []int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storeLocked(sig, steps)
}

func (c *PlanCache) storeLocked(sig string, steps []int) {
	if c.disabled {
		return
	}
	if evicted := c.lru.Add(sig, slices.Clone(steps)); evicted {
		c.evicts++
	}
}

// Resolve returns the cached subset for sig, computing and storing it on a
// miss. hit reports whether the result came from the cache.
func (c *PlanCache) Resolve(sig string, compute func() []int) (steps []int, hit bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if steps, ok := c.lookupLocked(sig); ok {
		return steps, true
	}
	steps = compute()
	c.storeLocked(sig, steps)
	return steps, false
}

// record adds a lookup outcome to the rolling window and trips the breaker
// when the windowed hit rate is below the floor after MinSamples lookups.
func (c *PlanCache) record(hit bool) {
	if c.filled == len(c.outcomes) && c.outcomes[c.next] {
		c.windowHits--
	}
	c.outcomes[c.next] = hit
	if hit {
		c.windowHits++
	}
	c.next = (c.next + 1) % len(c.outcomes)
	if c.filled < len(c.outcomes) {
		c.filled++
	}
	c.lookups++

	if c.lookups < c.cfg.MinSamples || c.filled == 0 {
		return
	}
	if float64(c.windowHits)/float64(c.filled) < c.cfg.MinHitRate {
		c.disabled = true
		c.disableReason = DisableReasonLowHitRate
		c.lru.Purge()
	}
}

// Reset empties the cache, clears counters and the breaker, and starts a new
// generation.
func (c *PlanCache) Reset(generation string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation = generation
	c.lru.Purge()
	c.hits, c.misses, c.evicts = 0, 0, 0
	clear(c.outcomes)
	c.next, c.filled, c.windowHits, c.lookups = 0, 0, 0, 0
	c.disabled = false
	c.disableReason = ""
}

// EnsureGeneration resets the cache if generation differs from the current
// one. Returns true when a reset happened.
func (c *PlanCache) EnsureGeneration(generation string) bool {
	c.mu.Lock()
	same := c.generation == generation
	c.mu.Unlock()
	if same {
		return false
	}
	c.Reset(generation)
	return true
}

// Disabled reports whether the breaker has tripped, and why.
func (c *PlanCache) Disabled() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disabled, c.disableReason
}

// Stats returns current counters.
func (c *PlanCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	rate := 0
	if c.filled > 0 {
		rate = c.windowHits * 1000 / c.filled
	}
	return CacheStats{
		Hits:            c.hits,
		Misses:          c.misses,
		Evicts:          c.evicts,
		Size:            c.lru.Len(),
		Capacity:        c.cfg.Capacity,
		Disabled:        c.disabled,
		DisableReason:   c.disableReason,
		Generation:      c.generation,
		HitRatePermille: rate,
	}
}
