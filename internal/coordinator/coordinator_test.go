package coordinator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/loom/internal/config"
	"github.com/scrypster/loom/internal/integration"
	"github.com/scrypster/loom/internal/llm"
	"github.com/scrypster/loom/internal/logger"
	"github.com/scrypster/loom/internal/notify"
	"github.com/scrypster/loom/internal/storage"
	"github.com/scrypster/loom/internal/tier/midterm"
	"github.com/scrypster/loom/pkg/types"
)

const opening = `Mara vowed to find the lost crown. "Who opened the vault?" Tomas asked.
Mara trusted Tomas, and she smiled.`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	dir := t.TempDir()
	cfg.Storage.DataPath = dir
	cfg.LongTerm.DBPath = filepath.Join(dir, "longterm", "knowledge.db")
	cfg.Coordinator.OperationTimeout = 5 * time.Second
	cfg.Coordinator.EnableEventWatcher = false
	cfg.Backup.Enabled = false
	return cfg
}

func start(t *testing.T, cfg *config.Config, deps Deps) *Coordinator {
	t.Helper()
	if deps.Store == nil {
		deps.Store = storage.NewMemoryProvider()
	}
	deps.Logger = logger.Discard()
	c, err := New(cfg, deps)
	require.NoError(t, err)
	require.NoError(t, c.Initialize(context.Background()))
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })
	return c
}

func chapter(id int, body string) *types.Chapter {
	return &types.Chapter{
		ID:       id,
		Title:    "Chapter",
		Body:     body,
		Metadata: types.ChapterMetadata{Scenes: []types.Scene{{Characters: []string{"Mara", "Tomas"}}}},
	}
}

type failingAnalyzer struct{}

func (failingAnalyzer) Name() string { return "failing" }

func (failingAnalyzer) Analyze(context.Context, *types.Chapter) (*types.AnalysisResult, error) {
	return nil, errors.New("analysis backend down")
}

type panickingAnalyzer struct{}

func (panickingAnalyzer) Name() string { return "panicking" }

func (panickingAnalyzer) Analyze(context.Context, *types.Chapter) (*types.AnalysisResult, error) {
	panic("analyzer exploded")
}

func TestNewValidatesArguments(t *testing.T) {
	_, err := New(nil, Deps{Store: storage.NewMemoryProvider()})
	assert.Error(t, err)

	_, err = New(testConfig(t), Deps{})
	assert.Error(t, err)
}

func TestOperationsBeforeInitialize(t *testing.T) {
	ctx := context.Background()
	c, err := New(testConfig(t), Deps{Store: storage.NewMemoryProvider(), Logger: logger.Discard()})
	require.NoError(t, err)

	res := c.ProcessChapter(ctx, chapter(1, opening))
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err(), ErrNotInitialized)
	assert.Empty(t, res.Operations)

	resp := c.Access(ctx, types.AccessRequest{Kind: types.AccessContext})
	assert.False(t, resp.Success)
	assert.Equal(t, ErrNotInitialized.Error(), resp.Error)

	assert.Equal(t, ErrNotInitialized.Error(), c.UnifiedSearch(ctx, "crown").Error)

	_, err = c.GetSystemStatus(ctx)
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = c.PerformDiagnostics(ctx)
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = c.OptimizeSystem(ctx)
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = c.Backups()
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.ErrorIs(t, c.Shutdown(ctx), ErrNotInitialized)
}

func TestInitializeTwice(t *testing.T) {
	c := start(t, testConfig(t), Deps{})
	assert.ErrorIs(t, c.Initialize(context.Background()), ErrAlreadyInitialized)
}

func TestProcessChapterRunsEveryOperation(t *testing.T) {
	ctx := context.Background()
	c := start(t, testConfig(t), Deps{})

	ch := chapter(1, opening)
	before := *ch
	res := c.ProcessChapter(ctx, ch)

	require.True(t, res.Success, res.Error)
	assert.Equal(t, 5, res.SuccessfulOperations)
	assert.Zero(t, res.FailedOperations)
	for _, op := range []string{OpShortTermIngest, OpMidTermIngest, OpDataIntegration, OpDuplicateResolution, OpCacheCoordination} {
		assert.True(t, res.Operations[op].Completed, op)
	}
	assert.Equal(t, before, *ch, "caller's chapter must not change")

	entry, ok := c.short.Get(1)
	require.True(t, ok)
	assert.Contains(t, entry.CharacterStates, "Mara")
	assert.Len(t, c.mid.Analyses(1), len(midterm.Kinds))

	k, err := c.long.Get(ctx, integration.ThreadKey("find the lost crown"))
	require.NoError(t, err)
	assert.Equal(t, types.KnowledgePlot, k.Kind)
	require.NotNil(t, res.Integration)
	assert.Contains(t, res.Integration.Characters, "Mara")
	require.NotNil(t, res.Duplicates)

	require.NotNil(t, entry.Quality, "mid-term quality scores are copied to short-term")
}

func TestProcessChapterRejectsInvalidChapter(t *testing.T) {
	c := start(t, testConfig(t), Deps{})
	res := c.ProcessChapter(context.Background(), &types.Chapter{ID: 0, Body: "x"})
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err(), types.ErrInvalidChapter)
	assert.Empty(t, res.Operations)
}

func TestProcessChapterPartialFailure(t *testing.T) {
	ctx := context.Background()
	c := start(t, testConfig(t), Deps{Managers: midterm.Managers{Evolution: failingAnalyzer{}}})

	res := c.ProcessChapter(ctx, chapter(1, opening))

	assert.False(t, res.Success)
	assert.Equal(t, 1, res.FailedOperations)
	assert.Equal(t, 4, res.SuccessfulOperations)
	assert.False(t, res.Operations[OpMidTermIngest].Completed)
	assert.Contains(t, res.Operations[OpMidTermIngest].Error, "analysis backend down")
	assert.Contains(t, res.Error, OpMidTermIngest)

	_, ok := c.short.Get(1)
	assert.True(t, ok, "short-term ingest still applied")
	_, err := c.long.Get(ctx, integration.ThreadKey("find the lost crown"))
	assert.NoError(t, err, "integration still applied")

	st, err := c.GetSystemStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.HealthDegraded, st.State)
	assert.Equal(t, int64(1), st.Operations[OpMidTermIngest].Failed)
}

func TestProcessChapterSurvivesPanickingAnalyzer(t *testing.T) {
	c := start(t, testConfig(t), Deps{Managers: midterm.Managers{Statistics: panickingAnalyzer{}}})

	res := c.ProcessChapter(context.Background(), chapter(1, opening))

	assert.False(t, res.Success)
	assert.Equal(t, 4, res.SuccessfulOperations)
	assert.Contains(t, res.Operations[OpMidTermIngest].Error, "panic")
}

func TestProcessChapterWithGenerator(t *testing.T) {
	ctx := context.Background()
	gen := llm.GeneratorFunc(func(context.Context, string, llm.GenerateOptions) (string, error) {
		return "Mara swears to recover the crown.", nil
	})
	c := start(t, testConfig(t), Deps{Generator: gen})

	res := c.ProcessChapter(ctx, chapter(1, opening))
	require.True(t, res.Success, res.Error)
	assert.True(t, res.Integration.Summarised)

	k, err := c.long.Get(ctx, integration.SummaryKey(1))
	require.NoError(t, err)
	assert.Equal(t, "Mara swears to recover the crown.", k.Content)
}

func TestExternalQualityAnalyzer(t *testing.T) {
	ctx := context.Background()
	analyzer := llm.AnalyzerFunc(func(context.Context, types.AnalysisKind, *types.Chapter) ([]byte, error) {
		return []byte(`{"overall":0.8,"coherence":0.7,"pacing":0.9,"consistency":0.8}`), nil
	})
	c := start(t, testConfig(t), Deps{Analyzer: analyzer})
	assert.Equal(t, "external-quality", c.mid.Analyzers()[types.AnalysisQuality])

	require.True(t, c.ProcessChapter(ctx, chapter(1, opening)).Success)
	entry, ok := c.short.Get(1)
	require.True(t, ok)
	require.NotNil(t, entry.Quality)
	assert.InDelta(t, 0.8, entry.Quality.Overall, 1e-9)
}

func TestAccessMergesTiersAndCaches(t *testing.T) {
	ctx := context.Background()
	c := start(t, testConfig(t), Deps{})
	require.True(t, c.ProcessChapter(ctx, chapter(1, opening)).Success)

	req := types.AccessRequest{ChapterID: 1, Kind: types.AccessContext}
	resp := c.Access(ctx, req)
	require.True(t, resp.Success, resp.Error)
	assert.False(t, resp.CacheHit)
	assert.ElementsMatch(t, types.AllTiers, resp.Provenance)
	require.NotNil(t, resp.Context[types.TierShortTerm].Entry)
	assert.NotEmpty(t, resp.Context[types.TierMidTerm].Analyses)
	assert.NotEmpty(t, resp.Context[types.TierLongTerm].Unresolved)

	again := c.Access(ctx, req)
	assert.True(t, again.CacheHit)
	assert.True(t, again.Success)

	// A new chapter invalidates cached answers.
	require.True(t, c.ProcessChapter(ctx, chapter(2, "Tomas waited by the gate.")).Success)
	assert.False(t, c.Access(ctx, req).CacheHit)
}

func TestAccessValidation(t *testing.T) {
	ctx := context.Background()
	c := start(t, testConfig(t), Deps{})

	assert.NotEmpty(t, c.Access(ctx, types.AccessRequest{Kind: types.AccessSearch}).Error)
	assert.NotEmpty(t, c.Access(ctx, types.AccessRequest{Kind: "gossip"}).Error)
	assert.NotEmpty(t, c.Access(ctx, types.AccessRequest{Kind: types.AccessPlot, Tiers: []types.Tier{"archive"}}).Error)
}

func TestAccessSingleTierCharacters(t *testing.T) {
	ctx := context.Background()
	c := start(t, testConfig(t), Deps{})
	require.True(t, c.ProcessChapter(ctx, chapter(1, opening)).Success)

	resp := c.Access(ctx, types.AccessRequest{Kind: types.AccessCharacter, Tiers: []types.Tier{types.TierLongTerm, types.TierLongTerm}})
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, []types.Tier{types.TierLongTerm}, resp.Provenance)
	assert.NotEmpty(t, resp.Context[types.TierLongTerm].Knowledge)
	assert.NotContains(t, resp.Context, types.TierShortTerm)
}

func TestUnavailableShortTermDegrades(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryProvider()
	require.NoError(t, store.Write(ctx, storage.MetadataPath(string(types.TierShortTerm), "index"), []byte("{broken")))
	c := start(t, testConfig(t), Deps{Store: store})

	_, err := c.ShortTerm()
	assert.ErrorIs(t, err, ErrTierUnavailable)

	res := c.ProcessChapter(ctx, chapter(1, opening))
	assert.False(t, res.Success)
	assert.Equal(t, 4, res.SuccessfulOperations)
	assert.Contains(t, res.Operations[OpShortTermIngest].Error, "unavailable")

	resp := c.Access(ctx, types.AccessRequest{ChapterID: 1, Kind: types.AccessContext})
	assert.False(t, resp.Success)
	require.Len(t, resp.Failed, 1)
	assert.Equal(t, types.TierShortTerm, resp.Failed[0].Tier)
	assert.NotEmpty(t, resp.Context[types.TierLongTerm].Unresolved, "other tiers still answer")

	st, err := c.GetSystemStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.HealthUnavailable, st.Tiers[types.TierShortTerm].State)
	assert.NotEqual(t, types.HealthHealthy, st.State)
}

func TestLongTermFailureIsFatal(t *testing.T) {
	cfg := testConfig(t)
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))
	cfg.LongTerm.DBPath = filepath.Join(blocker, "sub", "knowledge.db")

	c, err := New(cfg, Deps{Store: storage.NewMemoryProvider(), Logger: logger.Discard()})
	require.NoError(t, err)
	assert.Error(t, c.Initialize(context.Background()))

	res := c.ProcessChapter(context.Background(), chapter(1, opening))
	assert.ErrorIs(t, res.Err(), ErrNotInitialized)
}

func TestRollup(t *testing.T) {
	c := start(t, testConfig(t), Deps{})
	healthy := map[types.Tier]types.TierHealth{
		types.TierShortTerm: {State: types.HealthHealthy},
		types.TierLongTerm:  {State: types.HealthHealthy},
	}
	assert.Equal(t, types.HealthHealthy, c.rollup(0, healthy))
	assert.Equal(t, types.HealthHealthy, c.rollup(0.05, healthy))
	assert.Equal(t, types.HealthDegraded, c.rollup(0.06, healthy))
	assert.Equal(t, types.HealthDegraded, c.rollup(0.20, healthy))
	assert.Equal(t, types.HealthCritical, c.rollup(0.21, healthy))

	down := map[types.Tier]types.TierHealth{types.TierMidTerm: {State: types.HealthUnavailable}}
	assert.Equal(t, types.HealthDegraded, c.rollup(0, down))
	broken := map[types.Tier]types.TierHealth{types.TierMidTerm: {State: types.HealthCritical}}
	assert.Equal(t, types.HealthCritical, c.rollup(0, broken))
}

func TestOutcomeWindowRolls(t *testing.T) {
	w := newOutcomeWindow(4)
	for i := 0; i < 4; i++ {
		w.record("op", true)
	}
	rate, n := w.rate()
	assert.Equal(t, 1.0, rate)
	assert.Equal(t, 4, n)

	for i := 0; i < 3; i++ {
		w.record("op", false)
	}
	rate, n = w.rate()
	assert.InDelta(t, 0.25, rate, 1e-9)
	assert.Equal(t, 4, n)
	assert.Equal(t, OperationCounters{Succeeded: 3, Failed: 4}, w.snapshot()["op"])
}

func TestStatusAndDiagnostics(t *testing.T) {
	ctx := context.Background()
	c := start(t, testConfig(t), Deps{})
	require.True(t, c.ProcessChapter(ctx, chapter(1, opening)).Success)

	st, err := c.GetSystemStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.HealthHealthy, st.State)
	assert.Equal(t, 5, st.Samples)
	assert.Len(t, st.Tiers, 3)

	d, err := c.PerformDiagnostics(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.HealthHealthy, d.State)
	assert.Empty(t, d.Issues)
	assert.Len(t, d.Caches, 4)
	assert.Contains(t, d.Guards, "analysis")
	assert.Positive(t, d.Knowledge)
	assert.Equal(t, int64(1), d.Duplicates.Chapters)
}

func TestUnifiedSearch(t *testing.T) {
	ctx := context.Background()
	c := start(t, testConfig(t), Deps{})
	require.True(t, c.ProcessChapter(ctx, chapter(1, opening)).Success)

	resp := c.UnifiedSearch(ctx, "crown")
	require.True(t, resp.Success)
	assert.NotEmpty(t, resp.Results)
	assert.Len(t, resp.Consulted, 3)

	again := c.UnifiedSearch(ctx, "crown", types.TierShortTerm, types.TierMidTerm, types.TierLongTerm)
	assert.True(t, again.CacheHit)
}

func TestSearchOverWideLowercaseKeepsTierWritable(t *testing.T) {
	ctx := context.Background()
	c := start(t, testConfig(t), Deps{})
	require.True(t, c.ProcessChapter(ctx, chapter(1, strings.Repeat("Ⱥ", 300)+" Mara found the dragon.")).Success)

	resp := c.UnifiedSearch(ctx, "dragon", types.TierShortTerm)
	require.True(t, resp.Success, resp.Error)
	require.NotEmpty(t, resp.Results)
	assert.Contains(t, resp.Results[0].Snippet, "dragon")

	done := make(chan *ProcessResult, 1)
	go func() { done <- c.ProcessChapter(ctx, chapter(2, "Tomas slept.")) }()
	select {
	case res := <-done:
		assert.True(t, res.Success)
	case <-time.After(10 * time.Second):
		t.Fatal("ProcessChapter blocked after search")
	}
}

func TestAccessCacheHitIsIsolated(t *testing.T) {
	ctx := context.Background()
	c := start(t, testConfig(t), Deps{})
	require.True(t, c.ProcessChapter(ctx, chapter(1, opening)).Success)

	req := types.AccessRequest{ChapterID: 1, Kind: types.AccessContext}
	first := c.Access(ctx, req)
	require.True(t, first.Success, first.Error)
	first.Context[types.TierShortTerm].Entry.Chapter.Body = "overwritten"
	delete(first.Context, types.TierMidTerm)

	hit := c.Access(ctx, req)
	require.True(t, hit.CacheHit)
	assert.Equal(t, opening, hit.Context[types.TierShortTerm].Entry.Chapter.Body)
	assert.Contains(t, hit.Context, types.TierMidTerm)

	hit.Context[types.TierShortTerm].Entry.Chapter.Body = "again"
	assert.Equal(t, opening, c.Access(ctx, req).Context[types.TierShortTerm].Entry.Chapter.Body)
}

func TestOptimizeSystem(t *testing.T) {
	ctx := context.Background()
	c := start(t, testConfig(t), Deps{})
	require.True(t, c.ProcessChapter(ctx, chapter(1, opening)).Success)
	c.Access(ctx, types.AccessRequest{ChapterID: 1, Kind: types.AccessPlot})

	done, err := c.OptimizeSystem(ctx)
	require.NoError(t, err)
	select {
	case rep := <-done:
		assert.Len(t, rep.Caches, 4)
		assert.Contains(t, rep.Strategy, types.AccessPlot)
		assert.Equal(t, 1, rep.ForgottenBelow)
	case <-time.After(5 * time.Second):
		t.Fatal("optimization did not finish")
	}
	_, open := <-done
	assert.False(t, open)
}

func TestShutdownAndReopen(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	store := storage.NewMemoryProvider()

	c, err := New(cfg, Deps{Store: store, Logger: logger.Discard()})
	require.NoError(t, err)
	require.NoError(t, c.Initialize(ctx))
	require.True(t, c.ProcessChapter(ctx, chapter(1, opening)).Success)
	require.NoError(t, c.Shutdown(ctx))

	assert.ErrorIs(t, c.ProcessChapter(ctx, chapter(2, opening)).Err(), ErrNotInitialized)
	assert.ErrorIs(t, c.Shutdown(ctx), ErrNotInitialized)

	reopened := start(t, cfg, Deps{Store: store})
	_, ok := reopened.short.Get(1)
	assert.True(t, ok)
	assert.NotEmpty(t, reopened.mid.Analyses(1))
	_, err = reopened.long.Get(ctx, integration.ThreadKey("find the lost crown"))
	assert.NoError(t, err)
}

func TestBackupEmitsCompletionEvent(t *testing.T) {
	ctx := context.Background()
	eventsDir := t.TempDir()
	c := start(t, testConfig(t), Deps{Events: notify.NewEventWriter(eventsDir)})
	require.True(t, c.ProcessChapter(ctx, chapter(1, opening)).Success)

	engine, err := c.Backups()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"shortterm", "midterm", "longterm"}, engine.Components())

	rec, err := engine.CreateFullBackup(ctx, "test")
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(eventsDir, "events"))
	require.NoError(t, err)
	var found bool
	for _, e := range entries {
		if strings.Contains(e.Name(), notify.EventBackupCompleted) {
			data, err := os.ReadFile(filepath.Join(eventsDir, "events", e.Name()))
			require.NoError(t, err)
			found = strings.Contains(string(data), rec.ID)
		}
	}
	assert.True(t, found, "backup_completed event carries the backup id")
}

func TestInvalidationEventDropsCachedAnswers(t *testing.T) {
	ctx := context.Background()
	c := start(t, testConfig(t), Deps{})
	require.True(t, c.ProcessChapter(ctx, chapter(1, opening)).Success)

	req := types.AccessRequest{ChapterID: 1, Kind: types.AccessPlot}
	c.Access(ctx, req)
	require.True(t, c.Access(ctx, req).CacheHit)

	c.handleEvent(notify.Event{Type: notify.EventChapterInvalidated, ChapterID: 1})
	assert.False(t, c.Access(ctx, req).CacheHit)
}
