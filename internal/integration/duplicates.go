package integration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/scrypster/loom/internal/narrative"
	"github.com/scrypster/loom/internal/tier/longterm"
	"github.com/scrypster/loom/pkg/types"
)

// DuplicateReport describes what a Resolve pass found for one chapter.
type DuplicateReport struct {
	ChapterID int `json:"chapter_id"`

	// Phrases are the chapter's key phrases after merging, in first-seen order.
	Phrases []string `json:"phrases"`

	// Merged counts phrases dropped because they normalised to an earlier one.
	Merged int `json:"merged"`

	// Recurring are phrases already seen in other chapters.
	Recurring []string `json:"recurring,omitempty"`

	// KnownCharacters are characters that already have long-term knowledge.
	KnownCharacters []string `json:"known_characters,omitempty"`

	// KnownFacts are phrases that match an existing long-term fact.
	KnownFacts []string `json:"known_facts,omitempty"`
}

// DuplicateResolver detects key phrases and character facts repeated within
// a chapter, across chapters, and against long-term knowledge.
type DuplicateResolver struct {
	knowledge KnowledgeStore
	logger    *slog.Logger

	mu       sync.Mutex
	seen     map[string]map[int]bool // normalised phrase -> chapters
	resolved int64
	merged   int64
}

// NewDuplicateResolver creates a resolver. knowledge may be nil, in which
// case only in-memory checks run.
func NewDuplicateResolver(knowledge KnowledgeStore, logger *slog.Logger) *DuplicateResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &DuplicateResolver{
		knowledge: knowledge,
		logger:    logger.With("component", "duplicate_resolver"),
		seen:      make(map[string]map[int]bool),
	}
}

// Resolve runs duplicate detection for ch. Long-term lookup failures are
// returned; in-memory bookkeeping is applied regardless.
func (r *DuplicateResolver) Resolve(ctx context.Context, ch *types.Chapter) (*DuplicateReport, error) {
	if err := ch.Validate(); err != nil {
		return nil, err
	}
	rep := &DuplicateReport{ChapterID: ch.ID}

	byNorm := make(map[string]bool)
	for _, p := range narrative.KeyPhrases(ch.Body) {
		norm := normalizePhrase(p)
		if norm == "" {
			continue
		}
		if byNorm[norm] {
			rep.Merged++
			continue
		}
		byNorm[norm] = true
		rep.Phrases = append(rep.Phrases, p)
	}

	r.mu.Lock()
	for _, p := range rep.Phrases {
		norm := normalizePhrase(p)
		chapters := r.seen[norm]
		if chapters == nil {
			chapters = make(map[int]bool)
			r.seen[norm] = chapters
		}
		for id := range chapters {
			if id != ch.ID {
				rep.Recurring = append(rep.Recurring, p)
				break
			}
		}
		chapters[ch.ID] = true
	}
	r.resolved++
	r.merged += int64(rep.Merged)
	r.mu.Unlock()

	if r.knowledge == nil {
		return rep, nil
	}

	var errs []error
	for _, name := range narrative.KnownCharacters(ch) {
		_, err := r.knowledge.Get(ctx, CharacterKey(name))
		switch {
		case err == nil:
			rep.KnownCharacters = append(rep.KnownCharacters, name)
		case !errors.Is(err, longterm.ErrNotFound):
			errs = append(errs, fmt.Errorf("lookup character %s: %w", name, err))
		}
	}
	for _, p := range rep.Phrases {
		hits, err := r.knowledge.Search(ctx, p, 3)
		if err != nil {
			errs = append(errs, fmt.Errorf("lookup phrase %q: %w", p, err))
			continue
		}
		norm := normalizePhrase(p)
		for _, h := range hits {
			if strings.Contains(strings.ToLower(h.Snippet), norm) {
				rep.KnownFacts = append(rep.KnownFacts, p)
				break
			}
		}
	}

	r.logger.Debug("duplicates resolved",
		"chapter_id", ch.ID,
		"phrases", len(rep.Phrases),
		"merged", rep.Merged,
		"recurring", len(rep.Recurring),
		"known_facts", len(rep.KnownFacts))
	return rep, errors.Join(errs...)
}

// Recurring returns phrases seen in at least minChapters chapters with their
// chapter counts.
func (r *DuplicateResolver) Recurring(minChapters int) map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int)
	for norm, chapters := range r.seen {
		if len(chapters) >= minChapters {
			out[norm] = len(chapters)
		}
	}
	return out
}

// Forget drops bookkeeping for chapters below id, bounding memory use.
func (r *DuplicateResolver) Forget(below int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for norm, chapters := range r.seen {
		for id := range chapters {
			if id < below {
				delete(chapters, id)
			}
		}
		if len(chapters) == 0 {
			delete(r.seen, norm)
		}
	}
}

// DuplicateStats are cumulative resolver counters.
type DuplicateStats struct {
	Chapters       int64 `json:"chapters"`
	Merged         int64 `json:"merged"`
	TrackedPhrases int   `json:"tracked_phrases"`
}

// Stats returns cumulative counters.
func (r *DuplicateResolver) Stats() DuplicateStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return DuplicateStats{Chapters: r.resolved, Merged: r.merged, TrackedPhrases: len(r.seen)}
}
