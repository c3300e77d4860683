// Package integration holds the coordination logic layered over the three
// tiers: duplicate resolution, access-strategy tuning, cross-tier quality
// checks, unified search and promotion of facts into long-term knowledge.
//
// Services depend on the narrow reader interfaces below rather than the tier
// packages, so each can be exercised with in-memory fakes.
package integration

import (
	"context"

	"github.com/scrypster/loom/pkg/types"
)

// ShortTermReader is the read surface of the short-term tier.
type ShortTermReader interface {
	Get(id int) (*types.TierEntry, bool)
	IDs() []int
	Search(query string, limit int) []types.SearchResult
}

// MidTermReader is the read surface of the mid-term tier.
type MidTermReader interface {
	Analyses(chapterID int) []types.AnalysisResult
	ChapterIDs() []int
	Search(query string, limit int) []types.SearchResult
}

// KnowledgeStore is the long-term capability the integration services use.
type KnowledgeStore interface {
	Get(ctx context.Context, key string) (*types.Knowledge, error)
	GetUnresolved(ctx context.Context) ([]types.Knowledge, error)
	UpsertKnowledge(ctx context.Context, k types.Knowledge) error
	ResolveThread(ctx context.Context, key string, chapterID int) error
	Search(ctx context.Context, query string, limit int) ([]types.SearchResult, error)
}
