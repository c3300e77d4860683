package longterm

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/loom/internal/backup"
	"github.com/scrypster/loom/internal/logger"
	"github.com/scrypster/loom/internal/storage"
	"github.com/scrypster/loom/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "longterm", "knowledge.db"), logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedKnowledge(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	for _, k := range []types.Knowledge{
		{Key: "character:mara", Kind: types.KnowledgeCharacter, Content: "Mara is a cartographer who distrusts the guild", SourceChapter: 1, Confidence: 0.9},
		{Key: "world:ashen-gate", Kind: types.KnowledgeWorld, Content: "The Ashen Gate opens only at dusk", SourceChapter: 2, Confidence: 0.8},
		{Key: "thread:missing-map", Kind: types.KnowledgePlot, Content: "Who stole the guild map", SourceChapter: 3},
		{Key: "thread:brother", Kind: types.KnowledgePlot, Content: "Mara's brother has not written", SourceChapter: 1},
	} {
		require.NoError(t, s.UpsertKnowledge(ctx, k))
	}
}

// TestOpenFailsOnBadPath tests that an unusable database path is reported.
func TestOpenFailsOnBadPath(t *testing.T) {
	_, err := Open("", logger.Discard())
	assert.Error(t, err)

	dir := t.TempDir()
	_, err = Open(dir, logger.Discard()) // a directory, not a database file
	assert.Error(t, err)
}

// TestUpsertAndGet tests insert, replace and validation.
func TestUpsertAndGet(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	seedKnowledge(t, s)

	k, err := s.Get(ctx, "character:mara")
	require.NoError(t, err)
	assert.Equal(t, types.KnowledgeCharacter, k.Kind)
	assert.Equal(t, 1, k.SourceChapter)
	assert.InDelta(t, 0.9, k.Confidence, 1e-9)
	assert.False(t, k.UpdatedAt.IsZero())

	require.NoError(t, s.UpsertKnowledge(ctx, types.Knowledge{
		Key: "character:mara", Kind: types.KnowledgeCharacter, Content: "Mara now trusts the guild", SourceChapter: 4, Confidence: 0.95,
	}))
	k, err = s.Get(ctx, "character:mara")
	require.NoError(t, err)
	assert.Equal(t, "Mara now trusts the guild", k.Content)
	assert.Equal(t, 4, k.SourceChapter)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)

	_, err = s.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.UpsertKnowledge(ctx, types.Knowledge{Kind: types.KnowledgeWorld}), ErrInvalidKnowledge)
	assert.ErrorIs(t, s.UpsertKnowledge(ctx, types.Knowledge{Key: "x", Kind: "rumour"}), ErrInvalidKnowledge)
}

// TestUnresolvedThreads tests listing and resolving plot threads.
func TestUnresolvedThreads(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	seedKnowledge(t, s)

	open, err := s.GetUnresolved(ctx)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "thread:brother", open[0].Key, "ordered by introducing chapter")
	assert.Equal(t, "thread:missing-map", open[1].Key)

	require.NoError(t, s.ResolveThread(ctx, "thread:brother", 5))
	open, err = s.GetUnresolved(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "thread:missing-map", open[0].Key)

	resolved, err := s.Get(ctx, "thread:brother")
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)
	assert.Equal(t, 5, resolved.SourceChapter)

	assert.ErrorIs(t, s.ResolveThread(ctx, "character:mara", 5), ErrNotFound, "only plot threads resolve")
	assert.ErrorIs(t, s.ResolveThread(ctx, "thread:none", 5), ErrNotFound)

	world, err := s.ListByKind(ctx, types.KnowledgeWorld)
	require.NoError(t, err)
	assert.Len(t, world, 1)
}

// TestSearch tests full-text search ranking and query sanitisation.
func TestSearch(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	seedKnowledge(t, s)

	hits, err := s.Search(ctx, "guild", 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	for _, h := range hits {
		assert.Equal(t, types.TierLongTerm, h.Tier)
		assert.Greater(t, h.Score, 0.0)
		assert.Less(t, h.Score, 1.0)
	}

	hits, err = s.Search(ctx, `"Ashen" (gate) OR NOT*`, 10)
	require.NoError(t, err, "special characters must not break MATCH")
	require.NotEmpty(t, hits)
	assert.Equal(t, "world:ashen-gate", hits[0].Key)

	hits, err = s.Search(ctx, "the of", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = s.Search(ctx, "cartog", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1, "prefix match")
	assert.Equal(t, 1, hits[0].ChapterID)
}

// TestHealthAndClose tests health reporting and use after close.
func TestHealthAndClose(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	seedKnowledge(t, s)

	h := s.Health(ctx)
	assert.Equal(t, types.HealthHealthy, h.State)
	assert.True(t, h.Reachable)
	assert.True(t, h.DataIntegrity)
	assert.Equal(t, 4, h.Entries)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Get(ctx, "character:mara")
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, types.HealthUnavailable, s.Health(ctx).State)
}

// TestReopenKeepsData tests durability across Close and Open.
func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "knowledge.db")

	s, err := Open(path, logger.Discard())
	require.NoError(t, err)
	seedKnowledge(t, s)
	require.NoError(t, s.Close())

	s, err = Open(path, logger.Discard())
	require.NoError(t, err)
	defer s.Close()

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)
}

// TestSnapshotRestore tests snapshot verification and restoring into a live store.
func TestSnapshotRestore(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	seedKnowledge(t, s)

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.NoError(t, VerifySnapshot(snap))
	assert.Error(t, VerifySnapshot([]byte("not a database")))

	require.NoError(t, s.UpsertKnowledge(ctx, types.Knowledge{Key: "world:later", Kind: types.KnowledgeWorld, Content: "added after snapshot"}))
	require.NoError(t, s.ResolveThread(ctx, "thread:brother", 9))

	require.NoError(t, s.Restore(ctx, snap))

	_, err = s.Get(ctx, "world:later")
	assert.ErrorIs(t, err, ErrNotFound)
	open, err := s.GetUnresolved(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 2)

	hits, err := s.Search(ctx, "dusk", 5)
	require.NoError(t, err)
	assert.Len(t, hits, 1, "FTS index survives restore")

	assert.Error(t, s.Restore(ctx, []byte("garbage")))
	n, err := s.Count(ctx)
	require.NoError(t, err, "a rejected restore leaves the store usable")
	assert.EqualValues(t, 4, n)
}

// TestBackupComponentRoundTrip tests the long-term tier through the backup engine.
func TestBackupComponentRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	seedKnowledge(t, s)

	store := storage.NewMemoryProvider()
	engine, err := backup.NewEngine(ctx, store, backup.Config{VerifyAfterBackup: true}, logger.Discard())
	require.NoError(t, err)
	require.NoError(t, engine.RegisterComponent(s.BackupComponent(store)))

	rec, err := engine.CreateFullBackup(ctx, "knowledge")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.FileCount)

	require.NoError(t, s.UpsertKnowledge(ctx, types.Knowledge{Key: "world:later", Kind: types.KnowledgeWorld, Content: "lost on restore"}))

	res, err := engine.RestoreData(ctx, backup.RestoreOptions{BackupID: rec.ID, Overwrite: true, ValidateBeforeRestore: true})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"longterm"}, res.RestoredComponents)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)
}

func TestRestoreWithoutOverwriteKeepsLaterFacts(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.UpsertKnowledge(ctx, types.Knowledge{Key: "world:a", Kind: types.KnowledgeWorld, Content: "the old city"}))

	store := storage.NewMemoryProvider()
	engine, err := backup.NewEngine(ctx, store, backup.Config{}, logger.Discard())
	require.NoError(t, err)
	require.NoError(t, engine.RegisterComponent(s.BackupComponent(store)))

	rec, err := engine.CreateFullBackup(ctx, "")
	require.NoError(t, err)
	require.NoError(t, s.UpsertKnowledge(ctx, types.Knowledge{Key: "world:b", Kind: types.KnowledgeWorld, Content: "the new harbor"}))

	res, err := engine.RestoreData(ctx, backup.RestoreOptions{BackupID: rec.ID})
	require.NoError(t, err)
	assert.Zero(t, res.FilesRestored)
	assert.Equal(t, 1, res.FilesSkipped)

	_, err = s.Get(ctx, "world:b")
	assert.NoError(t, err)
	_, err = s.Get(ctx, "world:a")
	assert.NoError(t, err)
}
