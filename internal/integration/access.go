package integration

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/scrypster/loom/pkg/types"
)

// AccessConfig bounds the TTLs the optimizer recommends.
type AccessConfig struct {
	DefaultTTL time.Duration // default: 5m
	MinTTL     time.Duration // default: 30s
	MaxTTL     time.Duration // default: 1h
}

// Recommendation is the tuned access strategy for one request kind.
type Recommendation struct {
	TierOrder []types.Tier  `json:"tier_order"`
	CacheTTL  time.Duration `json:"cache_ttl"`
}

type tierUsage struct {
	requests int64
	useful   int64
	failures int64
	latency  time.Duration
}

func (u *tierUsage) usefulRate() float64 {
	if u.requests == 0 {
		return 0
	}
	return float64(u.useful) / float64(u.requests)
}

func (u *tierUsage) avgLatency() time.Duration {
	if u.requests == 0 {
		return 0
	}
	return u.latency / time.Duration(u.requests)
}

type kindUsage struct {
	tiers       map[types.Tier]*tierUsage
	cacheHits   int64
	cacheMisses int64
}

// AccessOptimizer records how each request kind uses the tiers and
// periodically retunes the tier consultation order and cache TTL.
type AccessOptimizer struct {
	config AccessConfig
	logger *slog.Logger

	mu      sync.Mutex
	usage   map[types.AccessKind]*kindUsage
	current map[types.AccessKind]Recommendation
	retunes int
}

// NewAccessOptimizer creates an optimizer with every kind at the default strategy.
func NewAccessOptimizer(config AccessConfig, logger *slog.Logger) *AccessOptimizer {
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = 5 * time.Minute
	}
	if config.MinTTL <= 0 {
		config.MinTTL = 30 * time.Second
	}
	if config.MaxTTL <= 0 {
		config.MaxTTL = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AccessOptimizer{
		config:  config,
		logger:  logger.With("component", "access_optimizer"),
		usage:   make(map[types.AccessKind]*kindUsage),
		current: make(map[types.AccessKind]Recommendation),
	}
}

func (o *AccessOptimizer) kindLocked(kind types.AccessKind) *kindUsage {
	u, ok := o.usage[kind]
	if !ok {
		u = &kindUsage{tiers: make(map[types.Tier]*tierUsage)}
		o.usage[kind] = u
	}
	return u
}

// RecordTier records one consultation of tier for kind. useful means the
// tier contributed data to the response.
func (o *AccessOptimizer) RecordTier(kind types.AccessKind, tier types.Tier, useful bool, latency time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	k := o.kindLocked(kind)
	t, ok := k.tiers[tier]
	if !ok {
		t = &tierUsage{}
		k.tiers[tier] = t
	}
	t.requests++
	t.latency += latency
	if err != nil {
		t.failures++
	} else if useful {
		t.useful++
	}
}

// RecordCache records a response-cache lookup for kind.
func (o *AccessOptimizer) RecordCache(kind types.AccessKind, hit bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	k := o.kindLocked(kind)
	if hit {
		k.cacheHits++
	} else {
		k.cacheMisses++
	}
}

// Recommend returns the current strategy for kind.
func (o *AccessOptimizer) Recommend(kind types.AccessKind) Recommendation {
	o.mu.Lock()
	defer o.mu.Unlock()
	if r, ok := o.current[kind]; ok {
		return Recommendation{TierOrder: append([]types.Tier(nil), r.TierOrder...), CacheTTL: r.CacheTTL}
	}
	return Recommendation{TierOrder: append([]types.Tier(nil), types.AllTiers...), CacheTTL: o.config.DefaultTTL}
}

// Retune recomputes every kind's strategy from the recorded usage. Tiers
// are ordered by useful-response rate, then by average latency; tiers never
// consulted keep their default position at the end. The cache TTL doubles
// when more than half of lookups hit and halves when fewer than a tenth do.
func (o *AccessOptimizer) Retune() map[types.AccessKind]Recommendation {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make(map[types.AccessKind]Recommendation, len(o.usage))
	for kind, k := range o.usage {
		order := append([]types.Tier(nil), types.AllTiers...)
		rank := func(t types.Tier) int {
			for i, d := range types.AllTiers {
				if d == t {
					return i
				}
			}
			return len(types.AllTiers)
		}
		sort.SliceStable(order, func(i, j int) bool {
			a, b := k.tiers[order[i]], k.tiers[order[j]]
			switch {
			case a == nil && b == nil:
				return rank(order[i]) < rank(order[j])
			case a == nil:
				return false
			case b == nil:
				return true
			}
			if ra, rb := a.usefulRate(), b.usefulRate(); ra != rb {
				return ra > rb
			}
			return a.avgLatency() < b.avgLatency()
		})

		ttl := o.config.DefaultTTL
		if prev, ok := o.current[kind]; ok {
			ttl = prev.CacheTTL
		}
		if total := k.cacheHits + k.cacheMisses; total > 0 {
			hitRate := float64(k.cacheHits) / float64(total)
			switch {
			case hitRate > 0.5:
				ttl *= 2
			case hitRate < 0.1:
				ttl /= 2
			}
		}
		if ttl < o.config.MinTTL {
			ttl = o.config.MinTTL
		}
		if ttl > o.config.MaxTTL {
			ttl = o.config.MaxTTL
		}

		rec := Recommendation{TierOrder: order, CacheTTL: ttl}
		o.current[kind] = rec
		out[kind] = Recommendation{TierOrder: append([]types.Tier(nil), order...), CacheTTL: ttl}

		// Start the next window fresh so the strategy follows recent usage.
		k.cacheHits, k.cacheMisses = 0, 0
	}
	o.retunes++
	o.logger.Debug("access strategy retuned", "kinds", len(out), "retunes", o.retunes)
	return out
}

// AccessStats summarises recorded usage for one kind.
type AccessStats struct {
	Requests map[types.Tier]int64 `json:"requests"`
	Failures map[types.Tier]int64 `json:"failures"`
	HitRate  float64              `json:"cache_hit_rate"`
}

// Stats returns recorded usage per kind.
func (o *AccessOptimizer) Stats() map[types.AccessKind]AccessStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[types.AccessKind]AccessStats, len(o.usage))
	for kind, k := range o.usage {
		st := AccessStats{Requests: make(map[types.Tier]int64), Failures: make(map[types.Tier]int64)}
		for t, u := range k.tiers {
			st.Requests[t] = u.requests
			st.Failures[t] = u.failures
		}
		if total := k.cacheHits + k.cacheMisses; total > 0 {
			st.HitRate = float64(k.cacheHits) / float64(total)
		}
		out[kind] = st
	}
	return out
}
