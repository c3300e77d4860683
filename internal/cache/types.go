// Package cache provides the generic cache engine used by every memory tier.
// Entries carry TTL, priority and tags; capacity is enforced by expiry,
// least-recently-used eviction, and priority-weighted size eviction.
package cache

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEntryTooLarge is returned when a single value exceeds MaxSizeBytes.
	ErrEntryTooLarge = errors.New("cache entry exceeds maximum cache size")

	// ErrInvalidKey is returned for empty keys.
	ErrInvalidKey = errors.New("cache key must not be empty")
)

const (
	// DefaultPriority is used when SetOptions.Priority is zero.
	DefaultPriority = 5

	// MinPriority and MaxPriority bound entry priorities.
	MinPriority = 1
	MaxPriority = 10

	// sizeEvictionTarget is the fraction of MaxSizeBytes that size eviction
	// reduces the cache to.
	sizeEvictionTarget = 0.8
)

// Entry is a single cached value with its bookkeeping.
type Entry[T any] struct {
	Key            string
	Value          T
	CreatedAt      time.Time
	LastAccessedAt time.Time
	ExpiresAt      time.Time // zero => no TTL
	AccessCount    int64
	SizeBytes      int64
	Tags           []string
	Priority       int
}

// Expired reports whether the entry has a TTL that has passed at now.
func (e *Entry[T]) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// HasTag reports whether the entry carries tag.
func (e *Entry[T]) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// SetOptions configure a single Set call.
type SetOptions struct {
	// TTL is the entry lifetime. Zero means Config.DefaultTTL; negative means no expiry.
	TTL time.Duration

	// Priority in [1,10]. Higher priority entries survive size eviction longer.
	Priority int

	// Tags group entries for Query and InvalidateByTag.
	Tags []string
}

// QueryOptions filter a linear scan over live entries.
type QueryOptions struct {
	Tags        []string      // entry must carry every tag
	MinPriority int           // entry priority >= MinPriority
	MaxAge      time.Duration // entry created within MaxAge
	Pattern     string        // glob over keys, e.g. "shortterm:character:*"
	Limit       int           // 0 means unlimited
}

// Config holds cache configuration.
type Config struct {
	// Name labels the cache in logs and stats.
	Name string

	// MaxEntries is the entry-count ceiling (default: 1000).
	MaxEntries int

	// MaxSizeBytes is the byte-size ceiling of serialized values (default: 50 MiB).
	MaxSizeBytes int64

	// DefaultTTL applies when SetOptions.TTL is zero (default: 30m).
	DefaultTTL time.Duration

	// SweepInterval is the period of the background expiry sweep (default: 5m).
	SweepInterval time.Duration

	// LatencySamples is the size of the rolling access latency window (default: 1000).
	LatencySamples int

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(name string) Config {
	return Config{
		Name:           name,
		MaxEntries:     1000,
		MaxSizeBytes:   50 << 20,
		DefaultTTL:     30 * time.Minute,
		SweepInterval:  5 * time.Minute,
		LatencySamples: 1000,
	}
}

// Validate checks if the config is valid.
func (c *Config) Validate() error {
	if c.MaxEntries < 1 {
		return fmt.Errorf("MaxEntries must be >= 1, got %d", c.MaxEntries)
	}
	if c.MaxSizeBytes < 1 {
		return fmt.Errorf("MaxSizeBytes must be >= 1, got %d", c.MaxSizeBytes)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SweepInterval must be > 0, got %v", c.SweepInterval)
	}
	if c.LatencySamples < 1 {
		return fmt.Errorf("LatencySamples must be >= 1, got %d", c.LatencySamples)
	}
	return nil
}

// EvictionReason explains why an entry left the cache.
type EvictionReason string

const (
	EvictExpired  EvictionReason = "expired"
	EvictLRU      EvictionReason = "lru"
	EvictSize     EvictionReason = "size"
	EvictExplicit EvictionReason = "explicit"
)

// Stats is a point-in-time snapshot of cache metrics.
type Stats struct {
	Name             string
	Entries          int
	SizeBytes        int64
	Hits             int64
	Misses           int64
	HitRate          float64
	Evictions        map[EvictionReason]int64
	AvgAccessLatency time.Duration
	LastSweep        time.Time
}

// OptimizeResult reports what an Optimize pass removed.
type OptimizeResult struct {
	Expired     int
	LRU         int
	Size        int
	FreedBytes  int64
	EntriesLeft int
}
