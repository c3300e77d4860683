package types

import "time"

// AccessKind classifies what a caller wants from the hierarchy.
type AccessKind string

const (
	AccessContext   AccessKind = "context"
	AccessCharacter AccessKind = "character"
	AccessPlot      AccessKind = "plot"
	AccessSearch    AccessKind = "search"
)

// AccessRequest asks the coordinator for context about a chapter.
// An empty Tiers slice consults every tier.
type AccessRequest struct {
	ChapterID int        `json:"chapter_id"`
	Kind      AccessKind `json:"kind"`
	Tiers     []Tier     `json:"tiers,omitempty"`
	Query     string     `json:"query,omitempty"`
}

// TierContext is the slice of merged context contributed by one tier.
type TierContext struct {
	Entry      *TierEntry       `json:"entry,omitempty"`
	Analyses   []AnalysisResult `json:"analyses,omitempty"`
	Knowledge  []Knowledge      `json:"knowledge,omitempty"`
	Unresolved []Knowledge      `json:"unresolved,omitempty"`
	SearchHits []SearchResult   `json:"search_hits,omitempty"`
	Characters []CharacterState `json:"characters,omitempty"`
}

// TierFailure names a consulted part that failed.
type TierFailure struct {
	Tier  Tier   `json:"tier"`
	Error string `json:"error"`
}

// AccessResponse is the merged answer to an AccessRequest. Success is true
// only when every consulted tier succeeded; partial data is still returned.
type AccessResponse struct {
	Success    bool                 `json:"success"`
	Context    map[Tier]TierContext `json:"context"`
	CacheHit   bool                 `json:"cache_hit"`
	Provenance []Tier               `json:"provenance"`
	Failed     []TierFailure        `json:"failed,omitempty"`
	Duration   time.Duration        `json:"duration"`
	Error      string               `json:"error,omitempty"`
}

// Clone returns a deep copy of r.
func (r AccessResponse) Clone() AccessResponse {
	if r.Context != nil {
		ctx := make(map[Tier]TierContext, len(r.Context))
		for tier, tc := range r.Context {
			ctx[tier] = tc.Clone()
		}
		r.Context = ctx
	}
	r.Provenance = append([]Tier(nil), r.Provenance...)
	r.Failed = append([]TierFailure(nil), r.Failed...)
	return r
}

// Clone returns a deep copy of tc.
func (tc TierContext) Clone() TierContext {
	tc.Entry = tc.Entry.Clone()
	if tc.Analyses != nil {
		analyses := make([]AnalysisResult, len(tc.Analyses))
		for i, a := range tc.Analyses {
			analyses[i] = a.Clone()
		}
		tc.Analyses = analyses
	}
	tc.Knowledge = append([]Knowledge(nil), tc.Knowledge...)
	tc.Unresolved = append([]Knowledge(nil), tc.Unresolved...)
	tc.SearchHits = append([]SearchResult(nil), tc.SearchHits...)
	if tc.Characters != nil {
		chars := make([]CharacterState, len(tc.Characters))
		for i, c := range tc.Characters {
			chars[i] = c.Clone()
		}
		tc.Characters = chars
	}
	return tc
}

// KnowledgeKind classifies durable facts held by the long-term tier.
type KnowledgeKind string

const (
	KnowledgeCharacter KnowledgeKind = "character"
	KnowledgeWorld     KnowledgeKind = "world"
	KnowledgePlot      KnowledgeKind = "plot_thread"
)

// Knowledge is a consolidated fact in the long-term tier.
type Knowledge struct {
	Key           string        `json:"key"`
	Kind          KnowledgeKind `json:"kind"`
	Content       string        `json:"content"`
	SourceChapter int           `json:"source_chapter"`
	Resolved      bool          `json:"resolved"`
	Confidence    float64       `json:"confidence"`
	UpdatedAt     time.Time     `json:"updated_at"`
}
