package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Cache is a generic key/value store with TTL expiry, LRU eviction and
// priority-weighted size eviction. It is safe for concurrent use.
//
// Eviction runs in a fixed order whenever capacity is exceeded:
//  1. all TTL-expired entries are removed
//  2. least-recently-used entries are removed down to MaxEntries
//  3. entries ranked by size/priority (descending) are removed until the
//     total size is under 80% of MaxSizeBytes
type Cache[T any] struct {
	config Config
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	lru       *simplelru.LRU[string, *Entry[T]]
	sizeBytes int64

	hits      int64
	misses    int64
	evictions map[EvictionReason]int64
	lastSweep time.Time

	latency    []time.Duration
	latencyIdx int
	latencyLen int

	// Lifecycle of the background sweep.
	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// New creates a cache. Zero config fields fall back to DefaultConfig values.
func New[T any](config Config, logger *slog.Logger) (*Cache[T], error) {
	defaults := DefaultConfig(config.Name)
	if config.MaxEntries == 0 {
		config.MaxEntries = defaults.MaxEntries
	}
	if config.MaxSizeBytes == 0 {
		config.MaxSizeBytes = defaults.MaxSizeBytes
	}
	if config.DefaultTTL == 0 {
		config.DefaultTTL = defaults.DefaultTTL
	}
	if config.SweepInterval == 0 {
		config.SweepInterval = defaults.SweepInterval
	}
	if config.LatencySamples == 0 {
		config.LatencySamples = defaults.LatencySamples
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cache config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Cache[T]{
		config:    config,
		logger:    logger.With("cache", config.Name),
		now:       config.Clock,
		evictions: make(map[EvictionReason]int64),
		latency:   make([]time.Duration, config.LatencySamples),
	}
	if c.now == nil {
		c.now = time.Now
	}

	lru, err := simplelru.NewLRU[string, *Entry[T]](config.MaxEntries, c.onRemove)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	c.lru = lru
	return c, nil
}

// onRemove keeps the size accounting in step with every removal, whether
// explicit or triggered by the LRU itself. Called with c.mu held.
func (c *Cache[T]) onRemove(_ string, e *Entry[T]) {
	c.sizeBytes -= e.SizeBytes
}

// Set stores value under key. The value is serialized to measure its size.
// Set fails only when the key is empty, the value cannot be serialized, or the
// single value is larger than the whole cache.
func (c *Cache[T]) Set(key string, value T, opts SetOptions) error {
	if key == "" {
		return ErrInvalidKey
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("serialize cache value %q: %w", key, err)
	}
	size := int64(len(raw))
	if size > c.config.MaxSizeBytes {
		return fmt.Errorf("%w: %d > %d bytes", ErrEntryTooLarge, size, c.config.MaxSizeBytes)
	}

	now := c.now()
	entry := &Entry[T]{
		Key:            key,
		Value:          value,
		CreatedAt:      now,
		LastAccessedAt: now,
		SizeBytes:      size,
		Tags:           append([]string(nil), opts.Tags...),
		Priority:       normalizePriority(opts.Priority),
	}
	ttl := opts.TTL
	if ttl == 0 {
		ttl = c.config.DefaultTTL
	}
	if ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.lru.Peek(key); ok {
		entry.AccessCount = old.AccessCount
		c.sizeBytes -= old.SizeBytes
	} else if c.lru.Len() >= c.config.MaxEntries {
		// Expired entries go before any live entry is evicted.
		c.removeExpiredLocked(now)
	}

	if evicted := c.lru.Add(key, entry); evicted {
		c.evictions[EvictLRU]++
	}
	c.sizeBytes += size

	if c.sizeBytes > c.config.MaxSizeBytes {
		c.evictBySizeLocked(now, key)
	}
	return nil
}

// Get returns the value for key. Expired entries are removed on access and
// reported as absent.
func (c *Cache[T]) Get(key string) (T, bool) {
	start := time.Now()
	var zero T

	c.mu.Lock()
	defer func() {
		c.recordLatencyLocked(time.Since(start))
		c.mu.Unlock()
	}()

	entry, ok := c.lru.Get(key)
	if !ok {
		c.misses++
		return zero, false
	}
	now := c.now()
	if entry.Expired(now) {
		c.lru.Remove(key)
		c.evictions[EvictExpired]++
		c.misses++
		return zero, false
	}
	entry.LastAccessedAt = now
	entry.AccessCount++
	c.hits++
	return entry.Value, true
}

// Peek returns the entry for key without touching access bookkeeping.
func (c *Cache[T]) Peek(key string) (Entry[T], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.lru.Peek(key)
	if !ok || entry.Expired(c.now()) {
		return Entry[T]{}, false
	}
	return *entry, true
}

// Has reports whether a live entry exists for key.
func (c *Cache[T]) Has(key string) bool {
	_, ok := c.Peek(key)
	return ok
}

// Delete removes key. It reports whether an entry was present.
func (c *Cache[T]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lru.Remove(key) {
		c.evictions[EvictExplicit]++
		return true
	}
	return false
}

// InvalidateByTag removes every entry carrying tag and returns the count.
func (c *Cache[T]) InvalidateByTag(tag string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, key := range c.lru.Keys() {
		if e, ok := c.lru.Peek(key); ok && e.HasTag(tag) {
			c.lru.Remove(key)
			removed++
		}
	}
	c.evictions[EvictExplicit] += int64(removed)
	return removed
}

// InvalidatePrefix removes every entry whose key starts with prefix.
func (c *Cache[T]) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, key := range c.lru.Keys() {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			c.lru.Remove(key)
			removed++
		}
	}
	c.evictions[EvictExplicit] += int64(removed)
	return removed
}

// Clear drops every entry. Counters are kept.
func (c *Cache[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	c.sizeBytes = 0
}

// Len returns the number of stored entries, including expired ones that
// have not been swept yet.
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Keys returns live keys from least to most recently used.
func (c *Cache[T]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	out := make([]string, 0, c.lru.Len())
	for _, key := range c.lru.Keys() {
		if e, ok := c.lru.Peek(key); ok && !e.Expired(now) {
			out = append(out, key)
		}
	}
	return out
}

// Query scans live entries and returns those matching every filter,
// newest first. Query does not count as access.
func (c *Cache[T]) Query(opts QueryOptions) ([]Entry[T], error) {
	var matcher glob.Glob
	if opts.Pattern != "" {
		g, err := glob.Compile(opts.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid key pattern %q: %w", opts.Pattern, err)
		}
		matcher = g
	}

	c.mu.Lock()
	now := c.now()
	var out []Entry[T]
	for _, key := range c.lru.Keys() {
		e, ok := c.lru.Peek(key)
		if !ok || e.Expired(now) {
			continue
		}
		if matcher != nil && !matcher.Match(key) {
			continue
		}
		if opts.MinPriority > 0 && e.Priority < opts.MinPriority {
			continue
		}
		if opts.MaxAge > 0 && now.Sub(e.CreatedAt) > opts.MaxAge {
			continue
		}
		if !hasAllTags(e, opts.Tags) {
			continue
		}
		out = append(out, *e)
	}
	c.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Sweep removes all expired entries and returns how many were removed.
func (c *Cache[T]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.removeExpiredLocked(c.now())
	c.lastSweep = c.now()
	return n
}

// Optimize runs the full eviction chain against the configured ceilings.
func (c *Cache[T]) Optimize() OptimizeResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	before := c.sizeBytes
	res := OptimizeResult{}
	res.Expired = c.removeExpiredLocked(now)
	for c.lru.Len() > c.config.MaxEntries {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
		c.evictions[EvictLRU]++
		res.LRU++
	}
	if c.sizeBytes > c.config.MaxSizeBytes {
		res.Size = c.evictBySizeLocked(now, "")
	}
	res.FreedBytes = before - c.sizeBytes
	res.EntriesLeft = c.lru.Len()
	return res
}

// Stats returns a snapshot of the cache metrics.
func (c *Cache[T]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	evictions := make(map[EvictionReason]int64, len(c.evictions))
	for k, v := range c.evictions {
		evictions[k] = v
	}
	s := Stats{
		Name:      c.config.Name,
		Entries:   c.lru.Len(),
		SizeBytes: c.sizeBytes,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: evictions,
		LastSweep: c.lastSweep,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	if c.latencyLen > 0 {
		var sum time.Duration
		for i := 0; i < c.latencyLen; i++ {
			sum += c.latency[i]
		}
		s.AvgAccessLatency = sum / time.Duration(c.latencyLen)
	}
	return s
}

// Start launches the background expiry sweep. It returns an error if the
// sweep is already running. Stop must be called to release it.
func (c *Cache[T]) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.sweepCancel != nil {
		c.mu.Unlock()
		return fmt.Errorf("cache %s: sweep already running", c.config.Name)
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.sweepCancel = cancel
	c.sweepDone = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(c.config.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := c.Sweep(); n > 0 {
					c.logger.Debug("cache sweep removed expired entries", "removed", n)
				}
			}
		}
	}()
	return nil
}

// Stop cancels the background sweep and waits for it to exit.
// Stopping a cache that was never started is a no-op.
func (c *Cache[T]) Stop() {
	c.mu.Lock()
	cancel, done := c.sweepCancel, c.sweepDone
	c.sweepCancel, c.sweepDone = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Cache[T]) removeExpiredLocked(now time.Time) int {
	removed := 0
	for _, key := range c.lru.Keys() {
		if e, ok := c.lru.Peek(key); ok && e.Expired(now) {
			c.lru.Remove(key)
			removed++
		}
	}
	c.evictions[EvictExpired] += int64(removed)
	return removed
}

// evictBySizeLocked removes entries with the largest size/priority ratio
// until the cache is under the size target. The protected key (the entry
// being written) is never removed; a single entry never exceeds the ceiling.
func (c *Cache[T]) evictBySizeLocked(now time.Time, protected string) int {
	removed := c.removeExpiredLocked(now)
	target := int64(float64(c.config.MaxSizeBytes) * sizeEvictionTarget)
	if c.sizeBytes < target {
		return removed
	}

	type candidate struct {
		key   string
		score float64
	}
	candidates := make([]candidate, 0, c.lru.Len())
	for _, key := range c.lru.Keys() {
		if key == protected {
			continue
		}
		e, _ := c.lru.Peek(key)
		candidates = append(candidates, candidate{key: key, score: float64(e.SizeBytes) / float64(e.Priority)})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	for _, cand := range candidates {
		if c.sizeBytes < target {
			break
		}
		c.lru.Remove(cand.key)
		c.evictions[EvictSize]++
		removed++
	}
	if removed > 0 {
		c.logger.Debug("cache size eviction", "removed", removed, "size_bytes", c.sizeBytes)
	}
	return removed
}

func (c *Cache[T]) recordLatencyLocked(d time.Duration) {
	c.latency[c.latencyIdx] = d
	c.latencyIdx = (c.latencyIdx + 1) % len(c.latency)
	if c.latencyLen < len(c.latency) {
		c.latencyLen++
	}
}

func normalizePriority(p int) int {
	switch {
	case p == 0:
		return DefaultPriority
	case p < MinPriority:
		return MinPriority
	case p > MaxPriority:
		return MaxPriority
	}
	return p
}

func hasAllTags[T any](e *Entry[T], tags []string) bool {
	for _, t := range tags {
		if !e.HasTag(t) {
			return false
		}
	}
	return true
}
