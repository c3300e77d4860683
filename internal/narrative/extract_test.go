package narrative

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/loom/pkg/types"
)

func TestExtractCharacters(t *testing.T) {
	ch := &types.Chapter{
		ID: 7,
		Body: `Iris whispered a warning. Iris and Kael were rivals, and Iris was furious. ` +
			`Kael trembled. Later Kael smiled at the Iris Garden.`,
	}
	states := Characters(ch)
	require.Contains(t, states, "Iris")
	require.NotContains(t, states, "Kael", "Kael is neither in a scene nor attached to a dialogue verb")

	iris := states["Iris"]
	assert.Equal(t, 7, iris.LastSeenChapter)
	assert.Equal(t, 3, iris.Mentions)
	assert.Equal(t, []string{"angry", "happy"}, iris.Moods, "the Iris Garden sentence still mentions Iris")
	assert.Empty(t, iris.Relationships, "relationships need two known characters")

	ch.Metadata.Scenes = []types.Scene{{Characters: []string{"Kael"}}}
	states = Characters(ch)
	assert.Equal(t, "rival", states["Iris"].Relationships["Kael"])
	assert.Equal(t, "rival", states["Kael"].Relationships["Iris"])
	assert.ElementsMatch(t, []string{"angry", "afraid", "happy"}, states["Kael"].Moods)
}

func TestExtractCharactersNone(t *testing.T) {
	assert.Nil(t, Characters(&types.Chapter{ID: 1, Body: "rain fell on the empty road."}))
}

func TestExtractKeyPhrases(t *testing.T) {
	body := "The Ashen Gate stood open. She held the map of the north. " +
		"They must reach the harbor soon. The Ashen Gate closed."
	phrases := KeyPhrases(body)

	assert.Contains(t, phrases, "The Ashen Gate")
	assert.Contains(t, phrases, "the map of the north")
	assert.Contains(t, phrases, "must reach the harbor soon")

	count := 0
	for _, p := range phrases {
		if p == "The Ashen Gate" {
			count++
		}
	}
	assert.Equal(t, 1, count, "phrases are de-duplicated")
}

func TestContainsWord(t *testing.T) {
	assert.True(t, ContainsWord("Ann left.", "Ann"))
	assert.False(t, ContainsWord("Anna left.", "Ann"))
	assert.True(t, ContainsWord("Anna and Ann left.", "Ann"))
}
