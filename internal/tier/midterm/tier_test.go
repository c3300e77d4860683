package midterm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/loom/internal/llm"
	"github.com/scrypster/loom/internal/logger"
	"github.com/scrypster/loom/internal/storage"
	"github.com/scrypster/loom/pkg/types"
)

func chapter(id int) *types.Chapter {
	return &types.Chapter{
		ID:    id,
		Title: fmt.Sprintf("Chapter %d", id),
		Body: `Mara was worried. Why did the tower fall? Mara must find the lantern. ` +
			`"Run," Tomas said. The storm came with fire and blood.`,
		Metadata: types.ChapterMetadata{Scenes: []types.Scene{{Index: 0, Characters: []string{"Mara"}}}},
	}
}

func moodChapter(id int, mood string) *types.Chapter {
	return &types.Chapter{
		ID:       id,
		Body:     "Mara was " + mood + ".",
		Metadata: types.ChapterMetadata{Scenes: []types.Scene{{Characters: []string{"Mara"}}}},
	}
}

func newTestTier(t *testing.T, store storage.Provider, cfg Config, managers Managers) *Tier {
	t.Helper()
	tier, err := New(store, cfg, managers, logger.Discard())
	require.NoError(t, err)
	return tier
}

func guarded(fn llm.AnalyzerFunc) *llm.GuardedAnalyzer {
	guard := llm.NewGuard(llm.GuardConfig{Name: "quality", Timeout: time.Second}, logger.Discard())
	return llm.NewGuardedAnalyzer(fn, guard, types.AnalysisQuality)
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(nil, Config{}, DefaultManagers(), nil)
	assert.Error(t, err)
}

// TestAddChapterDefaultManagers tests that every kind gets a result and is
// persisted to its own file.
func TestAddChapterDefaultManagers(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryProvider()
	tier := newTestTier(t, store, Config{}, DefaultManagers())

	res, err := tier.AddChapter(ctx, chapter(1))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 4, res.Succeeded)
	for _, kind := range Kinds {
		assert.Contains(t, res.Outcomes, string(kind))
		ok, err := store.Exists(ctx, "midterm/"+string(kind)+".json")
		require.NoError(t, err)
		assert.True(t, ok, "%s persisted", kind)
	}

	summary, ok := tier.Summary(1)
	require.True(t, ok)
	require.Len(t, summary.Analyses, 4)

	byKind := make(map[types.AnalysisKind]types.AnalysisResult)
	for _, a := range summary.Analyses {
		byKind[a.Kind] = a
	}
	q := byKind[types.AnalysisQuality]
	require.NotNil(t, q.Quality)
	assert.Equal(t, 0.5, q.Score, "unconfigured quality uses the default score")

	p := byKind[types.AnalysisProgression].Progression
	require.NotNil(t, p)
	assert.Equal(t, []string{"why did the tower fall", "find the lantern"}, p.NewThreads)
	assert.Greater(t, p.Tension, 0.0)
	assert.Equal(t, 1, p.SceneCount)

	st := byKind[types.AnalysisStatistics].Statistics
	require.NotNil(t, st)
	assert.Equal(t, 5, st.Sentences)

	ev := byKind[types.AnalysisEvolution].Evolution
	require.NotNil(t, ev)
	require.Len(t, ev.Changes, 1, "only Mara has a mood")
	assert.Equal(t, "Mara", ev.Changes[0].Name)
	assert.Equal(t, []string{"anxious"}, ev.Changes[0].ToMood)

	assert.Equal(t, "noop-quality", tier.Analyzers()[types.AnalysisQuality])
	_, err = tier.AddChapter(ctx, &types.Chapter{ID: 0, Body: "x"})
	assert.ErrorIs(t, err, types.ErrInvalidChapter)
}

// TestEvolutionTracksChanges tests mood deltas against the previous chapter.
func TestEvolutionTracksChanges(t *testing.T) {
	ctx := context.Background()
	tracker := NewEvolutionTracker(10)

	_, err := tracker.Analyze(ctx, moodChapter(1, "worried"))
	require.NoError(t, err)

	res, err := tracker.Analyze(ctx, moodChapter(2, "calm"))
	require.NoError(t, err)
	require.Len(t, res.Evolution.Changes, 1)
	assert.Equal(t, []string{"anxious"}, res.Evolution.Changes[0].FromMood)
	assert.Equal(t, []string{"calm"}, res.Evolution.Changes[0].ToMood)
	assert.Equal(t, 1.0, res.Score)

	res, err = tracker.Analyze(ctx, moodChapter(3, "calm"))
	require.NoError(t, err)
	assert.Empty(t, res.Evolution.Changes)
	assert.Zero(t, res.Score)

	// Re-analysing an earlier chapter compares against its own predecessor.
	res, err = tracker.Analyze(ctx, moodChapter(2, "calm"))
	require.NoError(t, err)
	require.Len(t, res.Evolution.Changes, 1)
	assert.Equal(t, []string{"anxious"}, res.Evolution.Changes[0].FromMood)
}

// TestEvolutionSurvivesReload tests that a reloaded tier compares the next
// chapter against the persisted mood baseline.
func TestEvolutionSurvivesReload(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryProvider()
	first := newTestTier(t, store, Config{}, DefaultManagers())
	_, err := first.AddChapter(ctx, moodChapter(1, "worried"))
	require.NoError(t, err)

	second := newTestTier(t, store, Config{}, DefaultManagers())
	require.NoError(t, second.Load(ctx))
	_, err = second.AddChapter(ctx, moodChapter(2, "worried"))
	require.NoError(t, err)

	var ev *types.EvolutionDelta
	for _, a := range second.Analyses(2) {
		if a.Kind == types.AnalysisEvolution {
			ev = a.Evolution
		}
	}
	require.NotNil(t, ev)
	assert.Empty(t, ev.Changes)
	assert.Equal(t, []string{"anxious"}, ev.Moods["Mara"])
}

// TestSubManagerFailureIsIndependent tests that one failing analyzer leaves
// the other results intact and degrades health.
func TestSubManagerFailureIsIndependent(t *testing.T) {
	ctx := context.Background()
	managers := DefaultManagers()
	managers.Quality = guarded(func(context.Context, types.AnalysisKind, *types.Chapter) ([]byte, error) {
		return nil, errors.New("service unavailable")
	})
	tier := newTestTier(t, storage.NewMemoryProvider(), Config{}, managers)

	res, err := tier.AddChapter(ctx, chapter(1))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 3, res.Succeeded)
	assert.Equal(t, []string{"quality"}, res.FailedNames())
	assert.Contains(t, res.Error(), "service unavailable")

	assert.Len(t, tier.Analyses(1), 3)
	h := tier.Health(ctx)
	assert.Equal(t, types.HealthDegraded, h.State)
	assert.Contains(t, h.Message, "quality")
}

// TestExternalQuality tests a guarded collaborator feeding the quality kind.
func TestExternalQuality(t *testing.T) {
	ctx := context.Background()
	managers := DefaultManagers()
	managers.Quality = guarded(func(_ context.Context, kind types.AnalysisKind, _ *types.Chapter) ([]byte, error) {
		assert.Equal(t, types.AnalysisQuality, kind)
		return []byte(`{"overall":0.8,"coherence":0.7,"pacing":0.9,"consistency":0.8}`), nil
	})
	tier := newTestTier(t, storage.NewMemoryProvider(), Config{}, managers)

	res, err := tier.AddChapter(ctx, chapter(4))
	require.NoError(t, err)
	require.True(t, res.Success)

	q := tier.Timeline(types.AnalysisQuality, 1)
	require.Len(t, q, 1)
	assert.Equal(t, 4, q[0].ChapterID)
	assert.Equal(t, 0.8, q[0].Score)
	assert.Equal(t, 0.9, q[0].Quality.Pacing)
	assert.Equal(t, "external-quality", tier.Analyzers()[types.AnalysisQuality])
}

type wrongKind struct{}

func (wrongKind) Name() string { return "wrong" }

func (wrongKind) Analyze(_ context.Context, ch *types.Chapter) (*types.AnalysisResult, error) {
	return &types.AnalysisResult{Kind: types.AnalysisStatistics, ChapterID: ch.ID}, nil
}

func TestKindMismatchFails(t *testing.T) {
	managers := DefaultManagers()
	managers.Progression = wrongKind{}
	tier := newTestTier(t, storage.NewMemoryProvider(), Config{}, managers)

	res, err := tier.AddChapter(context.Background(), chapter(1))
	require.NoError(t, err)
	assert.Equal(t, []string{"progression"}, res.FailedNames())
	assert.ErrorIs(t, res.Outcomes["progression"].Err(), ErrKindMismatch)
}

type slowAnalyzer struct{}

func (slowAnalyzer) Name() string { return "slow" }

func (slowAnalyzer) Analyze(ctx context.Context, ch *types.Chapter) (*types.AnalysisResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestTimeoutFailsOnlySlowAnalyzer(t *testing.T) {
	managers := DefaultManagers()
	managers.Statistics = slowAnalyzer{}
	tier := newTestTier(t, storage.NewMemoryProvider(), Config{Timeout: 20 * time.Millisecond}, managers)

	res, err := tier.AddChapter(context.Background(), chapter(1))
	require.NoError(t, err)
	assert.Equal(t, []string{"statistics"}, res.FailedNames())
	assert.Equal(t, 3, res.Succeeded)
}

// TestRetentionAndReload tests the per-kind window and restoring from storage.
func TestRetentionAndReload(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryProvider()
	tier := newTestTier(t, store, Config{RetentionWindow: 3}, DefaultManagers())

	for id := 1; id <= 5; id++ {
		_, err := tier.AddChapter(ctx, chapter(id))
		require.NoError(t, err)
	}
	assert.Equal(t, []int{3, 4, 5}, tier.ChapterIDs())
	_, ok := tier.Summary(2)
	assert.False(t, ok)

	stats := tier.Timeline(types.AnalysisStatistics, 2)
	require.Len(t, stats, 2)
	assert.Equal(t, 4, stats[0].ChapterID)
	assert.Equal(t, 5, stats[1].ChapterID)

	reloaded := newTestTier(t, store, Config{RetentionWindow: 3}, DefaultManagers())
	require.NoError(t, reloaded.Load(ctx))
	assert.Equal(t, []int{3, 4, 5}, reloaded.ChapterIDs())
	summary, ok := reloaded.Summary(5)
	require.True(t, ok)
	assert.Len(t, summary.Analyses, 4)

	h := reloaded.Health(ctx)
	assert.Equal(t, types.HealthHealthy, h.State)
	assert.Equal(t, 12, h.Entries)
	assert.True(t, h.DataIntegrity)
}

func TestLoadRejectsCorruptFile(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryProvider()
	require.NoError(t, store.Write(ctx, "midterm/statistics.json", []byte("{not json")))

	tier := newTestTier(t, store, Config{}, DefaultManagers())
	err := tier.Load(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "statistics")
	assert.Equal(t, types.HealthDegraded, tier.Health(ctx).State)
}

func TestSearch(t *testing.T) {
	ctx := context.Background()
	tier := newTestTier(t, storage.NewMemoryProvider(), Config{}, DefaultManagers())
	_, err := tier.AddChapter(ctx, chapter(1))
	require.NoError(t, err)
	_, err = tier.AddChapter(ctx, moodChapter(2, "calm"))
	require.NoError(t, err)

	hits := tier.Search("lantern", 10)
	require.Len(t, hits, 1)
	assert.Equal(t, types.TierMidTerm, hits[0].Tier)
	assert.Equal(t, 1, hits[0].ChapterID)
	assert.Contains(t, hits[0].Snippet, "find the lantern")

	hits = tier.Search("mara", 10)
	require.Len(t, hits, 2)
	assert.Empty(t, tier.Search("", 10))
}

func TestBackupComponent(t *testing.T) {
	tier := newTestTier(t, storage.NewMemoryProvider(), Config{}, DefaultManagers())
	c := tier.BackupComponent()
	assert.Equal(t, "midterm", c.Name)
	assert.Equal(t, []string{"midterm/"}, c.Paths)
	require.NotNil(t, c.PostRestore)
	assert.NoError(t, c.PostRestore(context.Background()))
}
