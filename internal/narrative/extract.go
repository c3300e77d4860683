// Package narrative extracts structure from chapter text with fixed
// vocabularies and patterns: characters and their moods, key phrases,
// plot threads and counting statistics.
package narrative

import (
	"regexp"
	"sort"
	"strings"

	"github.com/scrypster/loom/pkg/types"
)

// moodVocabulary maps surface words to the mood they indicate.
var moodVocabulary = map[string]string{
	"happy": "happy", "glad": "happy", "joyful": "happy", "delighted": "happy", "smiled": "happy", "laughed": "happy",
	"sad": "sad", "grief": "sad", "mourned": "sad", "wept": "sad", "tears": "sad", "sorrow": "sad",
	"angry": "angry", "furious": "angry", "rage": "angry", "snarled": "angry", "shouted": "angry",
	"afraid": "afraid", "scared": "afraid", "terrified": "afraid", "fear": "afraid", "trembled": "afraid",
	"anxious": "anxious", "nervous": "anxious", "worried": "anxious", "uneasy": "anxious",
	"calm": "calm", "serene": "calm", "steady": "calm", "relaxed": "calm",
	"hopeful": "hopeful", "hope": "hopeful", "optimistic": "hopeful",
	"determined": "determined", "resolved": "determined", "resolute": "determined", "vowed": "determined",
	"confused": "confused", "puzzled": "confused", "bewildered": "confused",
	"suspicious": "suspicious", "distrust": "suspicious", "distrusted": "suspicious", "wary": "suspicious",
}

// relationVocabulary maps surface words to a relationship keyword.
var relationVocabulary = map[string]string{
	"friend": "friend", "friends": "friend", "companion": "friend",
	"ally": "ally", "allies": "ally", "alongside": "ally",
	"enemy": "enemy", "enemies": "enemy", "foe": "enemy", "hated": "enemy",
	"rival": "rival", "rivals": "rival",
	"loved": "lover", "lover": "lover", "kissed": "lover",
	"brother": "family", "sister": "family", "mother": "family", "father": "family",
	"mentor": "mentor", "taught": "mentor", "apprentice": "mentor",
	"trusted": "trust", "trusts": "trust",
	"betrayed": "betrayal", "betrayal": "betrayal",
}

var (
	sentenceSplit = regexp.MustCompile(`[.!?]+["']?\s+`)
	wordPattern   = regexp.MustCompile(`[A-Za-z']+`)

	// speakerPattern finds names attached to dialogue verbs: "Mara said".
	speakerPattern = regexp.MustCompile(`\b([A-Z][a-z]{2,})\s+(?:said|asked|whispered|shouted|replied|muttered|called)\b`)

	// Key phrase patterns.
	properNounPhrase = regexp.MustCompile(`\b[A-Z][a-z]+(?:\s+[A-Z][a-z]+)+\b`)
	ofPhrase         = regexp.MustCompile(`\b(?:the|a|an)\s+[a-z]+\s+of\s+(?:the\s+)?[A-Za-z]+\b`)
	goalPhrase       = regexp.MustCompile(`\b(?:must|promised to|swore to|vowed to|needs? to)\s+[a-z]+(?:\s+[a-z]+){0,3}`)
)

const maxKeyPhrases = 20

// KnownCharacters returns scene characters plus names found next to dialogue verbs, sorted.
func KnownCharacters(ch *types.Chapter) []string {
	seen := make(map[string]bool)
	var names []string
	add := func(n string) {
		n = strings.TrimSpace(n)
		if n != "" && !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	for _, s := range ch.Metadata.Scenes {
		for _, c := range s.Characters {
			add(c)
		}
	}
	for _, m := range speakerPattern.FindAllStringSubmatch(ch.Body, -1) {
		add(m[1])
	}
	sort.Strings(names)
	return names
}

// Characters derives per-character mood, relationship and mention data by
// matching sentences that name a known character against fixed vocabularies.
func Characters(ch *types.Chapter) map[string]types.CharacterState {
	names := KnownCharacters(ch)
	if len(names) == 0 {
		return nil
	}

	states := make(map[string]types.CharacterState, len(names))
	for _, n := range names {
		states[n] = types.CharacterState{Name: n, LastSeenChapter: ch.ID}
	}

	for _, sentence := range Sentences(ch.Body) {
		var present []string
		for _, n := range names {
			if ContainsWord(sentence, n) {
				present = append(present, n)
			}
		}
		if len(present) == 0 {
			continue
		}

		var moods, relations []string
		for _, w := range wordPattern.FindAllString(sentence, -1) {
			lw := strings.ToLower(w)
			if m, ok := moodVocabulary[lw]; ok {
				moods = append(moods, m)
			}
			if r, ok := relationVocabulary[lw]; ok {
				relations = append(relations, r)
			}
		}

		for _, n := range present {
			st := states[n]
			st.Mentions++
			for _, m := range moods {
				st.Moods = appendUnique(st.Moods, m)
			}
			if len(relations) > 0 {
				for _, other := range present {
					if other == n {
						continue
					}
					if st.Relationships == nil {
						st.Relationships = make(map[string]string)
					}
					// The last relation word in a sentence wins.
					st.Relationships[other] = relations[len(relations)-1]
				}
			}
			states[n] = st
		}
	}
	return states
}

// KeyPhrases returns proper-noun runs, "the X of Y" phrases and goal
// phrases, de-duplicated case-insensitively.
func KeyPhrases(body string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, re := range []*regexp.Regexp{properNounPhrase, ofPhrase, goalPhrase} {
		for _, m := range re.FindAllString(body, -1) {
			m = strings.Join(strings.Fields(m), " ")
			norm := strings.ToLower(m)
			if seen[norm] {
				continue
			}
			seen[norm] = true
			out = append(out, m)
			if len(out) == maxKeyPhrases {
				return out
			}
		}
	}
	return out
}

// ContainsWord reports whether word occurs in s on letter boundaries.
func ContainsWord(s, word string) bool {
	for i := 0; ; {
		j := strings.Index(s[i:], word)
		if j < 0 {
			return false
		}
		start := i + j
		end := start + len(word)
		if (start == 0 || !isLetter(s[start-1])) && (end == len(s) || !isLetter(s[end])) {
			return true
		}
		i = start + 1
	}
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
