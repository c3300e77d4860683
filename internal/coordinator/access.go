package coordinator

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/scrypster/loom/internal/cache"
	"github.com/scrypster/loom/internal/fanout"
	"github.com/scrypster/loom/internal/integration"
	"github.com/scrypster/loom/internal/keys"
	"github.com/scrypster/loom/pkg/types"
)

const (
	accessTag   = "access"
	searchLimit = 20
)

// Access answers a context request by consulting the requested tiers
// concurrently. Without explicit tiers the access optimizer's current order
// for the request kind is used. Successful answers are cached with the TTL
// the optimizer recommends for the kind.
func (c *Coordinator) Access(ctx context.Context, req types.AccessRequest) types.AccessResponse {
	start := c.now()
	resp := types.AccessResponse{Context: make(map[types.Tier]types.TierContext)}

	release, err := c.enter()
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	defer release()

	if err := validateAccess(req); err != nil {
		resp.Error = err.Error()
		return resp
	}
	rec := c.access.Recommend(req.Kind)
	tiers := uniqueTiers(req.Tiers)
	if len(tiers) == 0 {
		tiers = rec.TierOrder
	}

	key := accessKey(req, tiers)
	if cached, ok := c.responses.Get(key); ok {
		c.access.RecordCache(req.Kind, true)
		cached = cached.Clone()
		cached.CacheHit = true
		cached.Duration = c.now().Sub(start)
		return cached
	}
	c.access.RecordCache(req.Kind, false)

	var mu sync.Mutex
	branches := make([]fanout.Branch, 0, len(tiers))
	for _, tier := range tiers {
		branches = append(branches, fanout.Branch{
			Name: string(tier),
			Run: func(ctx context.Context) error {
				began := time.Now()
				tc, err := c.consult(ctx, tier, req)
				c.access.RecordTier(req.Kind, tier, err == nil && !isEmpty(tc), time.Since(began), err)
				if err != nil {
					return err
				}
				mu.Lock()
				resp.Context[tier] = tc
				mu.Unlock()
				return nil
			},
		})
	}
	out := fanout.Run(ctx, fanout.Options{Timeout: c.config.Coordinator.OperationTimeout}, branches...)

	resp.Success = out.Success
	for _, tier := range tiers {
		o := out.Outcomes[string(tier)]
		c.window.record("access_"+string(tier), !o.Completed)
		if o.Completed {
			resp.Provenance = append(resp.Provenance, tier)
		} else {
			resp.Failed = append(resp.Failed, types.TierFailure{Tier: tier, Error: o.Error})
		}
	}
	if !resp.Success {
		resp.Error = out.Error()
	}
	resp.Duration = c.now().Sub(start)

	if resp.Success {
		if err := c.responses.Set(key, resp.Clone(), cache.SetOptions{
			TTL:  rec.CacheTTL,
			Tags: []string{accessTag, string(req.Kind)},
		}); err != nil {
			c.logger.Debug("access response not cached", "error", err)
		}
	}
	return resp
}

func validateAccess(req types.AccessRequest) error {
	switch req.Kind {
	case types.AccessContext, types.AccessCharacter, types.AccessPlot:
	case types.AccessSearch:
		if strings.TrimSpace(req.Query) == "" {
			return fmt.Errorf("access: search requires a query")
		}
	default:
		return fmt.Errorf("access: unknown kind %q", req.Kind)
	}
	for _, t := range req.Tiers {
		if !t.IsValid() {
			return fmt.Errorf("access: %w: %q", integration.ErrUnknownTier, t)
		}
	}
	if req.ChapterID < 0 {
		return fmt.Errorf("access: chapter id must not be negative")
	}
	return nil
}

// consult asks one tier for its part of the answer.
func (c *Coordinator) consult(ctx context.Context, tier types.Tier, req types.AccessRequest) (types.TierContext, error) {
	var tc types.TierContext
	switch tier {
	case types.TierShortTerm:
		if c.short == nil {
			return tc, c.unavailableErr(tier)
		}
		switch req.Kind {
		case types.AccessSearch:
			tc.SearchHits = c.short.Search(req.Query, searchLimit)
		case types.AccessCharacter:
			tc.Characters = c.short.Characters()
		default:
			if req.ChapterID > 0 {
				if e, ok := c.short.Get(req.ChapterID); ok {
					tc.Entry = e
				}
			}
			if req.Kind == types.AccessContext {
				tc.Characters = c.short.Characters()
			}
		}
	case types.TierMidTerm:
		if c.mid == nil {
			return tc, c.unavailableErr(tier)
		}
		switch req.Kind {
		case types.AccessSearch:
			tc.SearchHits = c.mid.Search(req.Query, searchLimit)
		default:
			id := req.ChapterID
			if id == 0 {
				if ids := c.mid.ChapterIDs(); len(ids) > 0 {
					id = ids[len(ids)-1]
				}
			}
			if id > 0 {
				tc.Analyses = c.mid.Analyses(id)
			}
		}
	case types.TierLongTerm:
		var err error
		switch req.Kind {
		case types.AccessSearch:
			tc.SearchHits, err = c.long.Search(ctx, req.Query, searchLimit)
		case types.AccessCharacter:
			tc.Knowledge, err = c.long.ListByKind(ctx, types.KnowledgeCharacter)
		case types.AccessPlot:
			tc.Unresolved, err = c.long.GetUnresolved(ctx)
		default:
			tc.Unresolved, err = c.long.GetUnresolved(ctx)
			if err == nil && req.Query != "" {
				tc.SearchHits, err = c.long.Search(ctx, req.Query, searchLimit)
			}
		}
		if err != nil {
			return types.TierContext{}, err
		}
	default:
		return tc, fmt.Errorf("%w: %q", integration.ErrUnknownTier, tier)
	}
	return tc, nil
}

func isEmpty(tc types.TierContext) bool {
	return tc.Entry == nil && len(tc.Analyses) == 0 && len(tc.Knowledge) == 0 &&
		len(tc.Unresolved) == 0 && len(tc.SearchHits) == 0 && len(tc.Characters) == 0
}

func accessKey(req types.AccessRequest, tiers []types.Tier) string {
	names := make([]string, 0, len(tiers))
	for _, t := range tiers {
		names = append(names, string(t))
	}
	sort.Strings(names)
	query := strings.Join(strings.Fields(strings.ToLower(req.Query)), " ")
	return keys.New(keys.NamespaceCoordinator, "access",
		string(req.Kind), strconv.Itoa(req.ChapterID), strings.Join(names, ","), query).String()
}

// UnifiedSearch searches the given tiers, or every tier when none are given.
func (c *Coordinator) UnifiedSearch(ctx context.Context, query string, tiers ...types.Tier) *integration.SearchResponse {
	release, err := c.enter()
	if err != nil {
		return &integration.SearchResponse{Query: query, Error: err.Error()}
	}
	defer release()

	resp := c.search.Search(ctx, query, integration.SearchOptions{Tiers: tiers, Limit: searchLimit})
	c.access.RecordCache(types.AccessSearch, resp.CacheHit)
	failed := make(map[types.Tier]bool, len(resp.Failed))
	for _, f := range resp.Failed {
		failed[f.Tier] = true
	}
	for _, t := range resp.Consulted {
		c.window.record("search_"+string(t), failed[t])
	}
	return resp
}

func uniqueTiers(tiers []types.Tier) []types.Tier {
	seen := make(map[types.Tier]bool, len(tiers))
	var out []types.Tier
	for _, t := range tiers {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
