package types_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/loom/pkg/types"
)

func TestChapterValidate(t *testing.T) {
	tests := []struct {
		name    string
		chapter *types.Chapter
		wantErr bool
	}{
		{"valid", &types.Chapter{ID: 1, Body: "Mara woke."}, false},
		{"nil", nil, true},
		{"zero id", &types.Chapter{ID: 0, Body: "text"}, true},
		{"negative id", &types.Chapter{ID: -3, Body: "text"}, true},
		{"blank body", &types.Chapter{ID: 2, Body: " \n\t"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.chapter.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, types.ErrInvalidChapter)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestChapterCloneIsDeep(t *testing.T) {
	orig := &types.Chapter{
		ID:   1,
		Body: "text",
		Metadata: types.ChapterMetadata{
			Tags:   []string{"draft"},
			Scenes: []types.Scene{{Index: 0, Characters: []string{"Mara"}}},
		},
	}
	cp := orig.Clone()
	cp.Metadata.Tags[0] = "final"
	cp.Metadata.Scenes[0].Characters[0] = "Tomas"

	assert.Equal(t, "draft", orig.Metadata.Tags[0])
	assert.Equal(t, "Mara", orig.Metadata.Scenes[0].Characters[0])
	assert.Nil(t, (*types.Chapter)(nil).Clone())
}

func TestContentHash(t *testing.T) {
	a := &types.Chapter{ID: 1, Title: "One", Body: "Mara woke."}
	b := &types.Chapter{ID: 9, Title: "One", Body: "Mara woke."}
	assert.Equal(t, a.ContentHash(), b.ContentHash(), "id is not content")

	c := &types.Chapter{ID: 1, Title: "One", Body: "Mara slept."}
	assert.NotEqual(t, a.ContentHash(), c.ContentHash())

	// Title and body are separated, so shifting text between them changes the hash.
	d := &types.Chapter{Title: "ab", Body: "c"}
	e := &types.Chapter{Title: "a", Body: "bc"}
	assert.NotEqual(t, d.ContentHash(), e.ContentHash())
}

func TestChapterWords(t *testing.T) {
	ch := &types.Chapter{Body: "one two  three\nfour"}
	assert.Equal(t, 4, ch.Words())
	ch.Metadata.WordCount = 10
	assert.Equal(t, 10, ch.Words())
}

func TestParseTier(t *testing.T) {
	for _, tier := range types.AllTiers {
		got, err := types.ParseTier(string(tier))
		require.NoError(t, err)
		assert.Equal(t, tier, got)
	}
	_, err := types.ParseTier("attic")
	assert.Error(t, err)
}

func TestDecodeAnalysis(t *testing.T) {
	res, err := types.DecodeAnalysis(types.AnalysisQuality, 4, []byte(`{"overall": 0.7, "pacing": 0.5}`))
	require.NoError(t, err)
	assert.Equal(t, 4, res.ChapterID)
	require.NotNil(t, res.Quality)
	assert.InDelta(t, 0.7, res.Score, 1e-9)
	assert.InDelta(t, 0.5, res.Quality.Pacing, 1e-9)
	assert.Nil(t, res.Progression)

	res, err = types.DecodeAnalysis(types.AnalysisProgression, 4, []byte(`{"tension": 0.4, "score": 3}`))
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.Score, "explicit score wins and is clamped")

	res, err = types.DecodeAnalysis(types.AnalysisStatistics, 4, []byte(`{"words": 120, "scenes": 2}`))
	require.NoError(t, err)
	assert.Equal(t, 120, res.Statistics.Words)
	assert.Zero(t, res.Score)

	_, err = types.DecodeAnalysis("sentiment", 4, []byte(`{}`))
	assert.ErrorIs(t, err, types.ErrUnknownAnalysisKind)

	_, err = types.DecodeAnalysis(types.AnalysisQuality, 4, []byte(`not json`))
	assert.Error(t, err)
}
