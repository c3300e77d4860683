package shortterm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/loom/internal/logger"
	"github.com/scrypster/loom/internal/storage"
	"github.com/scrypster/loom/pkg/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func newTestTier(t *testing.T, store storage.Provider, window int) *Tier {
	t.Helper()
	clock := newClock()
	tier, err := New(store, Config{RetentionWindow: window, Clock: clock.Now}, logger.Discard())
	require.NoError(t, err)
	return tier
}

func chapter(id int) *types.Chapter {
	return &types.Chapter{
		ID:    id,
		Title: fmt.Sprintf("Chapter %d", id),
		Body: fmt.Sprintf("Mara said the map was gone. Mara was worried and Tomas was her friend. "+
			"They must find the Ashen Gate before dusk. Chapter marker %d.", id),
		Metadata: types.ChapterMetadata{
			Scenes: []types.Scene{{Index: 0, Characters: []string{"Mara", "Tomas"}}},
		},
	}
}

// TestRetentionWindow tests that only the newest W chapter ids are held.
func TestRetentionWindow(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryProvider()
	tier := newTestTier(t, store, 5)

	var evicted []int
	for id := 1; id <= 8; id++ {
		res, err := tier.Ingest(ctx, chapter(id))
		require.NoError(t, err)
		evicted = append(evicted, res.Evicted...)
	}

	assert.Equal(t, []int{4, 5, 6, 7, 8}, tier.IDs())
	assert.Equal(t, []int{1, 2, 3}, evicted)

	for id := 1; id <= 3; id++ {
		ok, err := store.Exists(ctx, storage.ChapterPath("shortterm", id))
		require.NoError(t, err)
		assert.False(t, ok, "evicted chapter %d file must be deleted", id)
	}
	ok, err := store.Exists(ctx, storage.ChapterPath("shortterm", 8))
	require.NoError(t, err)
	assert.True(t, ok)

	// Retention is by id, not by access.
	_, found := tier.Get(4)
	require.True(t, found)
	_, err = tier.Ingest(ctx, chapter(9))
	require.NoError(t, err)
	assert.Equal(t, []int{5, 6, 7, 8, 9}, tier.IDs())

	// An out-of-order older chapter is evicted immediately.
	res, err := tier.Ingest(ctx, chapter(2))
	require.NoError(t, err)
	assert.Equal(t, []int{2}, res.Evicted)
	assert.Equal(t, []int{5, 6, 7, 8, 9}, tier.IDs())
}

// TestIdempotentIngest tests that unchanged content is not re-extracted.
func TestIdempotentIngest(t *testing.T) {
	ctx := context.Background()
	tier := newTestTier(t, storage.NewMemoryProvider(), 5)

	res, err := tier.Ingest(ctx, chapter(1))
	require.NoError(t, err)
	assert.False(t, res.Skipped)

	res, err = tier.Ingest(ctx, chapter(1))
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	e, ok := tier.Get(1)
	require.True(t, ok)
	assert.Equal(t, 1, e.ExtractionRuns)
	assert.Len(t, tier.IDs(), 1)

	changed := chapter(1)
	changed.Body += " Tomas laughed."
	res, err = tier.Ingest(ctx, changed)
	require.NoError(t, err)
	assert.False(t, res.Skipped)

	e, ok = tier.Get(1)
	require.True(t, ok)
	assert.Equal(t, 2, e.ExtractionRuns)
	assert.Equal(t, changed.ContentHash(), e.ContentHash)
}

// TestIngestDoesNotAliasCaller tests that callers keep ownership of chapters.
func TestIngestDoesNotAliasCaller(t *testing.T) {
	ctx := context.Background()
	tier := newTestTier(t, storage.NewMemoryProvider(), 5)

	ch := chapter(1)
	_, err := tier.Ingest(ctx, ch)
	require.NoError(t, err)

	ch.Title = "mutated"
	ch.Metadata.Scenes[0].Characters[0] = "Nobody"

	e, _ := tier.Get(1)
	assert.Equal(t, "Chapter 1", e.Chapter.Title)
	assert.Equal(t, "Mara", e.Chapter.Metadata.Scenes[0].Characters[0])

	e.Chapter.Title = "also mutated"
	again, _ := tier.Get(1)
	assert.Equal(t, "Chapter 1", again.Chapter.Title)
}

// TestIngestRejectsInvalid tests chapter validation.
func TestIngestRejectsInvalid(t *testing.T) {
	tier := newTestTier(t, storage.NewMemoryProvider(), 5)
	_, err := tier.Ingest(context.Background(), &types.Chapter{ID: 0, Body: "x"})
	assert.ErrorIs(t, err, types.ErrInvalidChapter)
	_, err = tier.Ingest(context.Background(), &types.Chapter{ID: 1, Body: "  "})
	assert.ErrorIs(t, err, types.ErrInvalidChapter)
}

// TestLoadRestoresState tests that a new tier picks up persisted chapters.
func TestLoadRestoresState(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryProvider()
	first := newTestTier(t, store, 3)
	for id := 1; id <= 4; id++ {
		_, err := first.Ingest(ctx, chapter(id))
		require.NoError(t, err)
	}

	second := newTestTier(t, store, 3)
	require.NoError(t, second.Load(ctx))
	assert.Equal(t, []int{2, 3, 4}, second.IDs())

	e, ok := second.Get(4)
	require.True(t, ok)
	assert.NotEmpty(t, e.KeyPhrases)

	// A smaller window on reload trims and persists.
	third := newTestTier(t, store, 2)
	require.NoError(t, third.Load(ctx))
	assert.Equal(t, []int{3, 4}, third.IDs())
	ok, err := store.Exists(ctx, storage.ChapterPath("shortterm", 2))
	require.NoError(t, err)
	assert.False(t, ok)

	empty := newTestTier(t, storage.NewMemoryProvider(), 3)
	require.NoError(t, empty.Load(ctx))
	assert.Empty(t, empty.IDs())
}

// TestRecentAndCharacters tests ordering and merged character state.
func TestRecentAndCharacters(t *testing.T) {
	ctx := context.Background()
	tier := newTestTier(t, storage.NewMemoryProvider(), 5)
	for id := 1; id <= 3; id++ {
		_, err := tier.Ingest(ctx, chapter(id))
		require.NoError(t, err)
	}
	last := &types.Chapter{ID: 4, Title: "Dusk", Body: "Mara smiled at the gate. Mara felt hopeful."}
	_, err := tier.Ingest(ctx, last)
	require.NoError(t, err)

	recent := tier.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, 4, recent[0].Chapter.ID)
	assert.Equal(t, 3, recent[1].Chapter.ID)
	assert.Len(t, tier.Recent(0), 4)

	// Chapter 4 has no scenes or dialogue verbs, so Mara's latest state
	// comes from chapter 3.
	st, ok := tier.CharacterState("mara")
	require.True(t, ok)
	assert.Equal(t, "Mara", st.Name)
	assert.Equal(t, 3, st.LastSeenChapter)
	assert.Contains(t, st.Moods, "anxious")
	assert.Equal(t, "friend", st.Relationships["Tomas"])

	cached, ok := tier.CharacterState("Mara")
	require.True(t, ok)
	assert.Equal(t, st, cached)

	_, ok = tier.CharacterState("Nobody")
	assert.False(t, ok)

	names := []string{}
	for _, c := range tier.Characters() {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"Mara", "Tomas"}, names)
}

// TestFormatContextCaching tests rendering and cache invalidation on ingest.
func TestFormatContextCaching(t *testing.T) {
	ctx := context.Background()
	tier := newTestTier(t, storage.NewMemoryProvider(), 5)
	_, err := tier.Ingest(ctx, chapter(1))
	require.NoError(t, err)

	out := tier.FormatContext(3)
	assert.Contains(t, out, "Chapter 1: Chapter 1")
	assert.Contains(t, out, "- Mara (anxious)")

	assert.Equal(t, out, tier.FormatContext(3))
	stats := tier.CacheStats()
	assert.EqualValues(t, 1, stats[1].Hits)

	_, err = tier.Ingest(ctx, chapter(2))
	require.NoError(t, err)
	out = tier.FormatContext(3)
	assert.Contains(t, out, "Chapter 2: Chapter 2")
}

// TestSearch tests term scoring and ordering.
func TestSearch(t *testing.T) {
	ctx := context.Background()
	tier := newTestTier(t, storage.NewMemoryProvider(), 5)
	_, err := tier.Ingest(ctx, &types.Chapter{ID: 1, Title: "The Lighthouse", Body: "The keeper climbed the lighthouse stairs."})
	require.NoError(t, err)
	_, err = tier.Ingest(ctx, &types.Chapter{ID: 2, Title: "Harbor", Body: "Boats rocked in the harbor near a lighthouse."})
	require.NoError(t, err)
	_, err = tier.Ingest(ctx, &types.Chapter{ID: 3, Title: "Market", Body: "Nothing relevant here."})
	require.NoError(t, err)

	hits := tier.Search("lighthouse", 10)
	require.Len(t, hits, 2)
	assert.Equal(t, 1, hits[0].ChapterID, "title match ranks first")
	assert.Equal(t, types.TierShortTerm, hits[0].Tier)
	assert.Contains(t, hits[0].Snippet, "lighthouse")
	assert.Greater(t, hits[0].Score, hits[1].Score)

	assert.Len(t, tier.Search("lighthouse", 1), 1)
	assert.Empty(t, tier.Search("a", 10))
}

// TestSearchSnippetChangingCase tests snippets over bodies whose lower-case
// form is longer than the original.
func TestSearchSnippetChangingCase(t *testing.T) {
	ctx := context.Background()
	tier := newTestTier(t, storage.NewMemoryProvider(), 5)
	_, err := tier.Ingest(ctx, &types.Chapter{ID: 1, Body: strings.Repeat("Ⱥ", 300) + " dragon"})
	require.NoError(t, err)
	_, err = tier.Ingest(ctx, &types.Chapter{ID: 2, Body: strings.Repeat("\xff", 300) + " the DRAGON slept"})
	require.NoError(t, err)

	var hits []types.SearchResult
	require.NotPanics(t, func() { hits = tier.Search("dragon", 5) })
	require.Len(t, hits, 2)
	for _, h := range hits {
		assert.Contains(t, strings.ToLower(h.Snippet), "dragon", "chapter %d", h.ChapterID)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := tier.Ingest(ctx, chapter(3))
		assert.NoError(t, err)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ingest blocked after search")
	}
}

func TestFoldIndex(t *testing.T) {
	tests := []struct {
		s, term string
		want    int
	}{
		{"The Dragon", "dragon", 4},
		{"ȺȺ dragon", "dragon", 5},
		{"\xff\xffDRAGON", "dragon", 2},
		{"ȺȺ", "ⱥ", 0},
		{"no match", "dragon", -1},
		{"", "dragon", -1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, foldIndex(tt.s, tt.term), "%q in %q", tt.term, tt.s)
	}
}

// TestHealth tests health states.
func TestHealth(t *testing.T) {
	ctx := context.Background()
	tier := newTestTier(t, storage.NewMemoryProvider(), 5)
	_, err := tier.Ingest(ctx, chapter(1))
	require.NoError(t, err)

	h := tier.Health(ctx)
	assert.Equal(t, types.HealthHealthy, h.State)
	assert.True(t, h.Reachable)
	assert.True(t, h.DataIntegrity)
	assert.Equal(t, 1, h.Entries)

	tier.mu.Lock()
	tier.entries[1].ContentHash = "tampered"
	tier.mu.Unlock()
	assert.Equal(t, types.HealthCritical, tier.Health(ctx).State)
}

// TestSetQuality tests quality persistence and survival across re-ingest.
func TestSetQuality(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryProvider()
	tier := newTestTier(t, store, 5)
	_, err := tier.Ingest(ctx, chapter(1))
	require.NoError(t, err)

	require.NoError(t, tier.SetQuality(ctx, 1, types.QualityScores{Overall: 0.7}))
	assert.Error(t, tier.SetQuality(ctx, 9, types.QualityScores{}))

	var persisted types.TierEntry
	require.NoError(t, storage.ReadJSON(ctx, store, storage.ChapterPath("shortterm", 1), &persisted))
	require.NotNil(t, persisted.Quality)
	assert.InDelta(t, 0.7, persisted.Quality.Overall, 1e-9)

	changed := chapter(1)
	changed.Body += " More."
	_, err = tier.Ingest(ctx, changed)
	require.NoError(t, err)
	e, _ := tier.Get(1)
	require.NotNil(t, e.Quality)
}

// TestStartStop tests the background timer lifecycle.
func TestStartStop(t *testing.T) {
	tier := newTestTier(t, storage.NewMemoryProvider(), 5)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, tier.Start(ctx))
	assert.Error(t, tier.Start(ctx))
	tier.Stop()
	tier.Stop()
}
