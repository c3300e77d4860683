package midterm

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/scrypster/loom/internal/narrative"
	"github.com/scrypster/loom/pkg/types"
)

// Analyzer is a mid-term sub-manager. Implementations must be safe for
// concurrent use; AddChapter calls every analyzer in parallel.
type Analyzer interface {
	Name() string
	Analyze(ctx context.Context, ch *types.Chapter) (*types.AnalysisResult, error)
}

// NoopAnalyzer stands in for an unconfigured sub-manager. It returns an
// empty payload of its kind with a fixed score.
type NoopAnalyzer struct {
	kind  types.AnalysisKind
	score float64
}

// NewNoopAnalyzer returns a NoopAnalyzer for kind.
func NewNoopAnalyzer(kind types.AnalysisKind, score float64) *NoopAnalyzer {
	return &NoopAnalyzer{kind: kind, score: score}
}

func (n *NoopAnalyzer) Name() string { return "noop-" + string(n.kind) }

func (n *NoopAnalyzer) Analyze(_ context.Context, ch *types.Chapter) (*types.AnalysisResult, error) {
	res := &types.AnalysisResult{Kind: n.kind, ChapterID: ch.ID, Score: n.score}
	switch n.kind {
	case types.AnalysisQuality:
		res.Quality = &types.QualityScores{Overall: n.score, Coherence: n.score, Pacing: n.score, Consistency: n.score}
	case types.AnalysisEvolution:
		res.Evolution = &types.EvolutionDelta{}
	case types.AnalysisProgression:
		res.Progression = &types.ProgressionPoint{}
	case types.AnalysisStatistics:
		res.Statistics = &types.ChapterStatistics{}
	}
	return res, nil
}

// EvolutionTracker records character moods per chapter and reports the
// changes against the closest earlier chapter it has seen.
type EvolutionTracker struct {
	keep int

	mu      sync.Mutex
	history map[int]map[string][]string
}

// NewEvolutionTracker keeps mood history for up to keep chapters.
func NewEvolutionTracker(keep int) *EvolutionTracker {
	if keep <= 0 {
		keep = 50
	}
	return &EvolutionTracker{keep: keep, history: make(map[int]map[string][]string)}
}

func (e *EvolutionTracker) Name() string { return "evolution" }

func (e *EvolutionTracker) Analyze(ctx context.Context, ch *types.Chapter) (*types.AnalysisResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	moods := make(map[string][]string)
	for name, st := range narrative.Characters(ch) {
		moods[name] = st.Moods
	}

	e.mu.Lock()
	prev := e.previousLocked(ch.ID)
	e.history[ch.ID] = moods
	e.trimLocked()
	e.mu.Unlock()

	names := make([]string, 0, len(moods))
	for name := range moods {
		names = append(names, name)
	}
	sort.Strings(names)

	delta := &types.EvolutionDelta{Moods: make(map[string][]string, len(moods))}
	for _, name := range names {
		to := moods[name]
		delta.Moods[name] = append([]string(nil), to...)
		from, seen := prev[name]
		if len(to) == 0 || (seen && sameMoods(from, to)) {
			continue
		}
		delta.Changes = append(delta.Changes, types.CharacterChange{Name: name, FromMood: from, ToMood: to})
	}

	res := &types.AnalysisResult{Kind: types.AnalysisEvolution, ChapterID: ch.ID, Evolution: delta}
	if len(names) > 0 {
		res.Score = float64(len(delta.Changes)) / float64(len(names))
	}
	return res, nil
}

// Seed restores mood history from persisted evolution results. Results
// without a mood baseline are ignored.
func (e *EvolutionTracker) Seed(results []types.AnalysisResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range results {
		if r.Evolution == nil || r.Evolution.Moods == nil {
			continue
		}
		moods := make(map[string][]string, len(r.Evolution.Moods))
		for name, m := range r.Evolution.Moods {
			moods[name] = append([]string(nil), m...)
		}
		e.history[r.ChapterID] = moods
	}
	e.trimLocked()
}

func (e *EvolutionTracker) previousLocked(id int) map[string][]string {
	best := -1
	for seen := range e.history {
		if seen < id && seen > best {
			best = seen
		}
	}
	return e.history[best]
}

func (e *EvolutionTracker) trimLocked() {
	for len(e.history) > e.keep {
		oldest := math.MaxInt
		for id := range e.history {
			if id < oldest {
				oldest = id
			}
		}
		delete(e.history, oldest)
	}
}

func sameMoods(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ProgressionTracker measures plot movement: tension, opened and resolved
// threads, and scene count.
type ProgressionTracker struct{}

func (ProgressionTracker) Name() string { return "progression" }

func (ProgressionTracker) Analyze(ctx context.Context, ch *types.Chapter) (*types.AnalysisResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opened, resolved := narrative.Threads(ch.Body)
	p := &types.ProgressionPoint{
		Tension:        narrative.Tension(ch.Body),
		NewThreads:     opened,
		ResolvedThread: resolved,
		SceneCount:     narrative.SceneCount(ch),
	}
	return &types.AnalysisResult{Kind: types.AnalysisProgression, ChapterID: ch.ID, Score: p.Tension, Progression: p}, nil
}

// StatisticsManager computes counting metrics. Its score rewards an average
// sentence length near idealSentenceLen words.
type StatisticsManager struct{}

const idealSentenceLen = 15.0

func (StatisticsManager) Name() string { return "statistics" }

func (StatisticsManager) Analyze(ctx context.Context, ch *types.Chapter) (*types.AnalysisResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st := narrative.Statistics(ch)
	score := 1 - math.Abs(st.AvgSentenceLen-idealSentenceLen)/(2*idealSentenceLen)
	if score < 0 {
		score = 0
	}
	return &types.AnalysisResult{Kind: types.AnalysisStatistics, ChapterID: ch.ID, Score: score, Statistics: &st}, nil
}
