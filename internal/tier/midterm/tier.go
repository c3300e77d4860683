// Package midterm holds per-chapter analytics over a longer window than the
// short-term tier: character evolution, plot progression, counting
// statistics and quality. Each sub-manager runs independently per chapter
// and persists its results to its own file.
package midterm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scrypster/loom/internal/backup"
	"github.com/scrypster/loom/internal/fanout"
	"github.com/scrypster/loom/internal/keys"
	"github.com/scrypster/loom/internal/storage"
	"github.com/scrypster/loom/pkg/types"
)

const tierDir = string(types.TierMidTerm)

// Kinds lists the analysis kinds in the order they are reported.
var Kinds = []types.AnalysisKind{
	types.AnalysisEvolution,
	types.AnalysisProgression,
	types.AnalysisStatistics,
	types.AnalysisQuality,
}

// ErrKindMismatch is returned when an analyzer answers with the wrong kind.
var ErrKindMismatch = errors.New("analysis kind mismatch")

// Config configures the mid-term tier.
type Config struct {
	// RetentionWindow is the number of chapters kept per kind (default: 50).
	RetentionWindow int

	// DefaultScore is the score reported by unconfigured sub-managers (default: 0.5).
	DefaultScore float64

	// Timeout bounds each sub-manager call. Zero means no timeout.
	Timeout time.Duration

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Managers are the sub-managers. Nil fields fall back to NoopAnalyzer.
type Managers struct {
	Evolution   Analyzer
	Progression Analyzer
	Statistics  Analyzer
	Quality     Analyzer
}

// DefaultManagers returns the built-in sub-managers. Quality has no
// built-in implementation.
func DefaultManagers() Managers {
	return Managers{
		Evolution:   NewEvolutionTracker(50),
		Progression: ProgressionTracker{},
		Statistics:  StatisticsManager{},
	}
}

func (m Managers) byKind() map[types.AnalysisKind]Analyzer {
	return map[types.AnalysisKind]Analyzer{
		types.AnalysisEvolution:   m.Evolution,
		types.AnalysisProgression: m.Progression,
		types.AnalysisStatistics:  m.Statistics,
		types.AnalysisQuality:     m.Quality,
	}
}

// Seeder is implemented by analyzers that keep state derived from earlier
// chapters. Load hands them the persisted results of their kind.
type Seeder interface {
	Seed(results []types.AnalysisResult)
}

// Summary is the merged analytics for one chapter.
type Summary struct {
	ChapterID int                    `json:"chapter_id"`
	Analyses  []types.AnalysisResult `json:"analyses"`
	Score     float64                `json:"score"` // mean of the analyses' scores
}

// kindFile is the persisted form of one sub-manager's results.
type kindFile struct {
	Kind      types.AnalysisKind     `json:"kind"`
	Analyzer  string                 `json:"analyzer"`
	Results   []types.AnalysisResult `json:"results"`
	UpdatedAt time.Time              `json:"updated_at"`
}

type kindState struct {
	kind     types.AnalysisKind
	analyzer Analyzer

	mu       sync.Mutex
	results  map[int]types.AnalysisResult
	failures atomic.Int64
}

// Tier is the mid-term memory tier.
type Tier struct {
	store  storage.Provider
	config Config
	logger *slog.Logger
	now    func() time.Time
	kinds  map[types.AnalysisKind]*kindState

	errors atomic.Int64
}

// New creates a mid-term tier. Call Load to restore persisted results.
func New(store storage.Provider, config Config, managers Managers, logger *slog.Logger) (*Tier, error) {
	if store == nil {
		return nil, fmt.Errorf("midterm: storage provider is required")
	}
	if config.RetentionWindow <= 0 {
		config.RetentionWindow = 50
	}
	if config.DefaultScore <= 0 {
		config.DefaultScore = 0.5
	}
	if logger == nil {
		logger = slog.Default()
	}
	now := config.Clock
	if now == nil {
		now = time.Now
	}

	t := &Tier{
		store:  store,
		config: config,
		logger: logger.With("tier", types.TierMidTerm),
		now:    now,
		kinds:  make(map[types.AnalysisKind]*kindState, len(Kinds)),
	}
	byKind := managers.byKind()
	for _, kind := range Kinds {
		a := byKind[kind]
		if a == nil {
			a = NewNoopAnalyzer(kind, config.DefaultScore)
		}
		t.kinds[kind] = &kindState{kind: kind, analyzer: a, results: make(map[int]types.AnalysisResult)}
	}
	return t, nil
}

// Analyzers returns the analyzer name configured for each kind.
func (t *Tier) Analyzers() map[types.AnalysisKind]string {
	out := make(map[types.AnalysisKind]string, len(t.kinds))
	for kind, ks := range t.kinds {
		out[kind] = ks.analyzer.Name()
	}
	return out
}

// Load restores persisted results. Missing files are not an error.
func (t *Tier) Load(ctx context.Context) error {
	var errs []error
	total := 0
	for _, kind := range Kinds {
		ks := t.kinds[kind]
		var f kindFile
		err := storage.ReadJSON(ctx, t.store, kindPath(kind), &f)
		if errors.Is(err, storage.ErrNotFound) {
			ks.mu.Lock()
			ks.results = make(map[int]types.AnalysisResult)
			ks.mu.Unlock()
			continue
		}
		if err != nil {
			t.errors.Add(1)
			errs = append(errs, fmt.Errorf("midterm: load %s: %w", kind, err))
			continue
		}
		results := make(map[int]types.AnalysisResult, len(f.Results))
		for _, r := range f.Results {
			if r.Kind != kind {
				t.errors.Add(1)
				t.logger.Warn("skipping result with wrong kind", "file_kind", kind, "result_kind", r.Kind, "chapter_id", r.ChapterID)
				continue
			}
			results[r.ChapterID] = r
		}
		ks.mu.Lock()
		ks.results = results
		t.enforceWindowLocked(ks)
		total += len(ks.results)
		kept := make([]types.AnalysisResult, 0, len(ks.results))
		for _, id := range sortedIDs(ks.results) {
			kept = append(kept, ks.results[id])
		}
		ks.mu.Unlock()
		if s, ok := ks.analyzer.(Seeder); ok {
			s.Seed(kept)
		}
	}
	t.logger.Info("mid-term tier loaded", "results", total)
	return errors.Join(errs...)
}

// AddChapter runs every sub-manager concurrently. A failing sub-manager
// does not affect the others; each outcome is reported in the result. The
// returned error is non-nil only when the chapter itself is invalid.
func (t *Tier) AddChapter(ctx context.Context, ch *types.Chapter) (*fanout.Result, error) {
	if err := ch.Validate(); err != nil {
		return nil, err
	}
	ch = ch.Clone()

	branches := make([]fanout.Branch, 0, len(Kinds))
	for _, kind := range Kinds {
		ks := t.kinds[kind]
		branches = append(branches, fanout.Branch{
			Name: string(kind),
			Run: func(ctx context.Context) error {
				err := t.analyze(ctx, ks, ch)
				if err != nil {
					ks.failures.Add(1)
				}
				return err
			},
		})
	}
	res := fanout.Run(ctx, fanout.Options{Timeout: t.config.Timeout}, branches...)
	if !res.Success {
		t.logger.Warn("mid-term analysis partially failed", "chapter_id", ch.ID, "error", res.Error())
	} else {
		t.logger.Debug("mid-term analysis complete", "chapter_id", ch.ID, "duration", res.Duration)
	}
	return res, nil
}

func (t *Tier) analyze(ctx context.Context, ks *kindState, ch *types.Chapter) error {
	res, err := ks.analyzer.Analyze(ctx, ch)
	if err != nil {
		return err
	}
	if res == nil {
		return fmt.Errorf("%s returned no result", ks.analyzer.Name())
	}
	if res.Kind != ks.kind {
		return fmt.Errorf("%w: %s returned %q, want %q", ErrKindMismatch, ks.analyzer.Name(), res.Kind, ks.kind)
	}
	res.ChapterID = ch.ID

	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.results[ch.ID] = *res
	t.enforceWindowLocked(ks)
	if err := t.persistLocked(ctx, ks); err != nil {
		t.errors.Add(1)
		return err
	}
	return nil
}

func (t *Tier) enforceWindowLocked(ks *kindState) {
	over := len(ks.results) - t.config.RetentionWindow
	if over <= 0 {
		return
	}
	ids := sortedIDs(ks.results)
	for _, id := range ids[:over] {
		delete(ks.results, id)
	}
}

func (t *Tier) persistLocked(ctx context.Context, ks *kindState) error {
	f := kindFile{Kind: ks.kind, Analyzer: ks.analyzer.Name(), UpdatedAt: t.now()}
	for _, id := range sortedIDs(ks.results) {
		f.Results = append(f.Results, ks.results[id])
	}
	if err := storage.WriteJSON(ctx, t.store, kindPath(ks.kind), f); err != nil {
		return fmt.Errorf("midterm: persist %s: %w", ks.kind, err)
	}
	return nil
}

// Analyses returns every stored analysis for chapterID in Kinds order.
func (t *Tier) Analyses(chapterID int) []types.AnalysisResult {
	var out []types.AnalysisResult
	for _, kind := range Kinds {
		ks := t.kinds[kind]
		ks.mu.Lock()
		r, ok := ks.results[chapterID]
		ks.mu.Unlock()
		if ok {
			out = append(out, r)
		}
	}
	return out
}

// Summary merges the analyses stored for chapterID.
func (t *Tier) Summary(chapterID int) (*Summary, bool) {
	analyses := t.Analyses(chapterID)
	if len(analyses) == 0 {
		return nil, false
	}
	s := &Summary{ChapterID: chapterID, Analyses: analyses}
	for _, a := range analyses {
		s.Score += a.Score
	}
	s.Score /= float64(len(analyses))
	return s, true
}

// Timeline returns up to n results of kind, oldest first, ending at the
// newest chapter. n <= 0 returns all.
func (t *Tier) Timeline(kind types.AnalysisKind, n int) []types.AnalysisResult {
	ks, ok := t.kinds[kind]
	if !ok {
		return nil
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ids := sortedIDs(ks.results)
	if n > 0 && len(ids) > n {
		ids = ids[len(ids)-n:]
	}
	out := make([]types.AnalysisResult, 0, len(ids))
	for _, id := range ids {
		out = append(out, ks.results[id])
	}
	return out
}

// ChapterIDs returns every chapter with at least one stored analysis.
func (t *Tier) ChapterIDs() []int {
	seen := make(map[int]types.AnalysisResult)
	for _, ks := range t.kinds {
		ks.mu.Lock()
		for id, r := range ks.results {
			seen[id] = r
		}
		ks.mu.Unlock()
	}
	return sortedIDs(seen)
}

// Search matches query terms against plot threads and character changes.
func (t *Tier) Search(query string, limit int) []types.SearchResult {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil
	}

	var out []types.SearchResult
	for _, kind := range []types.AnalysisKind{types.AnalysisProgression, types.AnalysisEvolution} {
		for _, r := range t.Timeline(kind, 0) {
			text := searchableText(r)
			if text == "" {
				continue
			}
			lower := strings.ToLower(text)
			hits := 0
			for _, term := range terms {
				hits += strings.Count(lower, term)
			}
			if hits == 0 {
				continue
			}
			out = append(out, types.SearchResult{
				Tier:      types.TierMidTerm,
				ChapterID: r.ChapterID,
				Key:       keys.Chapter(keys.NamespaceMidTerm, string(kind), r.ChapterID).String(),
				Snippet:   text,
				Score:     float64(hits) / float64(hits+3),
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ChapterID > out[j].ChapterID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func searchableText(r types.AnalysisResult) string {
	var parts []string
	switch {
	case r.Progression != nil:
		for _, th := range r.Progression.NewThreads {
			parts = append(parts, "opened: "+th)
		}
		for _, th := range r.Progression.ResolvedThread {
			parts = append(parts, "resolved: "+th)
		}
	case r.Evolution != nil:
		for _, c := range r.Evolution.Changes {
			parts = append(parts, fmt.Sprintf("%s: %s -> %s", c.Name, strings.Join(c.FromMood, ","), strings.Join(c.ToMood, ",")))
		}
	}
	return strings.Join(parts, "; ")
}

// Health reports store reachability, result integrity and error counts.
func (t *Tier) Health(ctx context.Context) types.TierHealth {
	h := types.TierHealth{Tier: types.TierMidTerm, ErrorCount: t.errors.Load()}
	if _, err := t.store.List(ctx, tierDir+"/"); err != nil {
		h.State = types.HealthUnavailable
		h.Message = err.Error()
		return h
	}
	h.Reachable = true
	h.DataIntegrity = true

	var failing []string
	for _, kind := range Kinds {
		ks := t.kinds[kind]
		ks.mu.Lock()
		h.Entries += len(ks.results)
		if len(ks.results) > t.config.RetentionWindow {
			h.DataIntegrity = false
		}
		for id, r := range ks.results {
			if r.Kind != kind || r.ChapterID != id {
				h.DataIntegrity = false
			}
		}
		ks.mu.Unlock()
		if ks.failures.Load() > 0 {
			failing = append(failing, string(kind))
		}
	}

	switch {
	case !h.DataIntegrity:
		h.State = types.HealthCritical
		h.Message = "result integrity check failed"
	case h.ErrorCount > 0 || len(failing) > 0:
		h.State = types.HealthDegraded
		h.Message = fmt.Sprintf("%d storage errors; failing analyzers: %s", h.ErrorCount, strings.Join(failing, ","))
	default:
		h.State = types.HealthHealthy
	}
	return h
}

// BackupComponent describes the tier to the backup engine.
func (t *Tier) BackupComponent() backup.Component {
	return backup.Component{
		Name:        tierDir,
		Paths:       []string{tierDir + "/"},
		PostRestore: t.Load,
	}
}

func kindPath(kind types.AnalysisKind) string {
	return storage.MetadataPath(tierDir, string(kind))
}

func sortedIDs(m map[int]types.AnalysisResult) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
