package integration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/scrypster/loom/internal/cache"
	"github.com/scrypster/loom/internal/fanout"
	"github.com/scrypster/loom/internal/keys"
	"github.com/scrypster/loom/pkg/types"
)

// ErrUnknownTier is reported for a requested tier that does not exist.
var ErrUnknownTier = errors.New("unknown tier")

// SearchOptions configure a unified search.
type SearchOptions struct {
	Tiers []types.Tier // empty means every tier
	Limit int          // per tier and overall; default 20
}

// SearchResponse is the merged result of a unified search. Success is true
// only when every consulted tier answered.
type SearchResponse struct {
	Query     string               `json:"query"`
	Success   bool                 `json:"success"`
	Results   []types.SearchResult `json:"results"`
	Consulted []types.Tier         `json:"consulted"`
	Failed    []types.TierFailure  `json:"failed,omitempty"`
	CacheHits int                  `json:"cache_hits"`
	CacheHit  bool                 `json:"cache_hit"` // every consulted tier answered from cache
	Duration  time.Duration        `json:"duration"`
	Error     string               `json:"error,omitempty"`
}

// UnifiedSearch fans a query out to the tiers, merges the ranked results and
// caches each tier's answer in the cache engine.
type UnifiedSearch struct {
	short ShortTermReader
	mid   MidTermReader
	long  KnowledgeStore

	cache   *cache.Cache[[]types.SearchResult]
	ttl     func() time.Duration
	timeout time.Duration
	logger  *slog.Logger
}

// SearchConfig configures UnifiedSearch.
type SearchConfig struct {
	Cache   cache.Config
	Timeout time.Duration // per tier; zero means none

	// TTL returns the cache TTL to use for new entries. Nil uses the cache default.
	TTL func() time.Duration
}

// NewUnifiedSearch creates the search service. Nil readers are reported as
// failed tiers when consulted.
func NewUnifiedSearch(short ShortTermReader, mid MidTermReader, long KnowledgeStore, config SearchConfig, logger *slog.Logger) (*UnifiedSearch, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := config.Cache
	if cfg.Name == "" {
		cfg.Name = "unified-search"
	}
	c, err := cache.New[[]types.SearchResult](cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("search cache: %w", err)
	}
	ttl := config.TTL
	if ttl == nil {
		ttl = func() time.Duration { return 0 }
	}
	return &UnifiedSearch{
		short:   short,
		mid:     mid,
		long:    long,
		cache:   c,
		ttl:     ttl,
		timeout: config.Timeout,
		logger:  logger.With("component", "unified_search"),
	}, nil
}

// Search runs query against the requested tiers.
func (s *UnifiedSearch) Search(ctx context.Context, query string, opts SearchOptions) *SearchResponse {
	start := time.Now()
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	tiers := opts.Tiers
	if len(tiers) == 0 {
		tiers = types.AllTiers
	}
	norm := strings.Join(strings.Fields(strings.ToLower(query)), " ")
	resp := &SearchResponse{Query: query, Success: true}

	var (
		mu      sync.Mutex
		results []types.SearchResult
	)
	var branches []fanout.Branch
	for _, tier := range dedupTiers(tiers) {
		resp.Consulted = append(resp.Consulted, tier)
		key := keys.New(keys.NamespaceSearch, string(tier), norm, strconv.Itoa(opts.Limit)).String()
		if hits, ok := s.cache.Get(key); ok {
			resp.CacheHits++
			results = append(results, hits...)
			continue
		}
		branches = append(branches, fanout.Branch{
			Name: string(tier),
			Run: func(ctx context.Context) error {
				hits, err := s.searchTier(ctx, tier, query, opts.Limit)
				if err != nil {
					return err
				}
				if err := s.cache.Set(key, hits, cache.SetOptions{TTL: s.ttl(), Tags: []string{"search", string(tier)}}); err != nil {
					s.logger.Debug("search cache set failed", "tier", tier, "error", err)
				}
				mu.Lock()
				results = append(results, hits...)
				mu.Unlock()
				return nil
			},
		})
	}

	if len(branches) > 0 {
		res := fanout.Run(ctx, fanout.Options{Timeout: s.timeout}, branches...)
		for _, name := range res.FailedNames() {
			resp.Success = false
			resp.Failed = append(resp.Failed, types.TierFailure{Tier: types.Tier(name), Error: res.Outcomes[name].Error})
		}
	}
	resp.CacheHit = len(resp.Consulted) > 0 && resp.CacheHits == len(resp.Consulted)

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if ri, rj := tierRank(results[i].Tier), tierRank(results[j].Tier); ri != rj {
			return ri < rj
		}
		return results[i].ChapterID > results[j].ChapterID
	})
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	resp.Results = results
	resp.Duration = time.Since(start)
	return resp
}

func (s *UnifiedSearch) searchTier(ctx context.Context, tier types.Tier, query string, limit int) ([]types.SearchResult, error) {
	switch tier {
	case types.TierShortTerm:
		if s.short == nil {
			return nil, fmt.Errorf("%s tier unavailable", tier)
		}
		return s.short.Search(query, limit), nil
	case types.TierMidTerm:
		if s.mid == nil {
			return nil, fmt.Errorf("%s tier unavailable", tier)
		}
		return s.mid.Search(query, limit), nil
	case types.TierLongTerm:
		if s.long == nil {
			return nil, fmt.Errorf("%s tier unavailable", tier)
		}
		return s.long.Search(ctx, query, limit)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
}

// Invalidate drops every cached answer. Called after new data is ingested.
func (s *UnifiedSearch) Invalidate() int {
	return s.cache.InvalidateByTag("search")
}

// Cache exposes the search cache for optimization and stats.
func (s *UnifiedSearch) Cache() *cache.Cache[[]types.SearchResult] { return s.cache }

func dedupTiers(tiers []types.Tier) []types.Tier {
	seen := make(map[types.Tier]bool, len(tiers))
	out := make([]types.Tier, 0, len(tiers))
	for _, t := range tiers {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

func tierRank(t types.Tier) int {
	for i, d := range types.AllTiers {
		if d == t {
			return i
		}
	}
	return len(types.AllTiers)
}
