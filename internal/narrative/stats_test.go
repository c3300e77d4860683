package narrative

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/scrypster/loom/pkg/types"
)

func TestSentencesAndParagraphs(t *testing.T) {
	body := "The gate opened. Nobody moved!\n\nThen Mara asked why? Silence."
	assert.Equal(t, []string{"The gate opened", "Nobody moved", "Then Mara asked why", "Silence."}, Sentences(body))
	assert.Len(t, Paragraphs(body), 2)
	assert.Empty(t, Sentences("   "))
}

func TestStatistics(t *testing.T) {
	ch := &types.Chapter{ID: 1, Body: "\"Run,\" she said. They ran.\n\n***\n\nThe night was quiet."}
	st := Statistics(ch)
	assert.Equal(t, 10, st.Words, "the scene marker counts as a word")
	assert.Equal(t, 3, st.Sentences)
	assert.Equal(t, 2, st.Scenes, "one scene break marker")
	assert.InDelta(t, 10.0/3, st.AvgSentenceLen, 0.001)
	assert.Greater(t, st.DialogueRatio, 0.0)
	assert.Less(t, st.DialogueRatio, 1.0)

	ch.Metadata.Scenes = []types.Scene{{Index: 0}, {Index: 1}, {Index: 2}}
	assert.Equal(t, 3, Statistics(ch).Scenes, "scene metadata wins")
}

func TestTension(t *testing.T) {
	assert.Zero(t, Tension(""))
	assert.Zero(t, Tension("The garden was green and the tea was warm."))
	assert.Equal(t, 1.0, Tension("Blood and fire. Danger everywhere."))
	mid := Tension("The storm rolled slowly over the distant hills while the whole village slept on " +
		"under a grey and patient sky until the morning bells rang out.")
	assert.Greater(t, mid, 0.0)
	assert.Less(t, mid, 1.0)
}

func TestThreads(t *testing.T) {
	opened, resolved := Threads("Why did the tower fall? Mara must find the lantern. " +
		"Tomas finally opened the vault. Mara must find the lantern.")
	assert.Equal(t, []string{"why did the tower fall", "find the lantern"}, opened)
	assert.Equal(t, []string{"opened the vault"}, resolved)

	opened, resolved = Threads("Nothing happened.")
	assert.Empty(t, opened)
	assert.Empty(t, resolved)
}
