package integration

import (
	"strings"

	"github.com/scrypster/loom/internal/keys"
)

var leadingArticles = []string{"the ", "a ", "an "}

// normalizePhrase lower-cases, collapses whitespace and strips one leading
// article, so "The  Ashen Gate" and "ashen gate" compare equal.
func normalizePhrase(s string) string {
	s = strings.ToLower(strings.Join(strings.Fields(s), " "))
	for _, a := range leadingArticles {
		if strings.HasPrefix(s, a) {
			return s[len(a):]
		}
	}
	return s
}

// CharacterKey is the long-term knowledge key for a character.
func CharacterKey(name string) string {
	return keys.New(keys.NamespaceLongTerm, "character", strings.ToLower(strings.TrimSpace(name))).String()
}

// ThreadKey is the long-term knowledge key for a plot thread.
func ThreadKey(thread string) string {
	return keys.New(keys.NamespaceLongTerm, "thread", normalizePhrase(thread)).String()
}

// SummaryKey is the long-term knowledge key for a chapter summary.
func SummaryKey(chapterID int) string {
	return keys.Chapter(keys.NamespaceLongTerm, "summary", chapterID).String()
}

// significantWords returns the words of s longer than three letters.
func significantWords(s string) []string {
	var out []string
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, `.,;:!?"'()`)
		if len(w) > 3 {
			out = append(out, w)
		}
	}
	return out
}

// overlap is the share of a's significant words that also occur in b.
func overlap(a, b string) float64 {
	wa := significantWords(a)
	if len(wa) == 0 {
		return 0
	}
	inB := make(map[string]bool)
	for _, w := range significantWords(b) {
		inB[w] = true
	}
	n := 0
	for _, w := range wa {
		if inB[w] {
			n++
		}
	}
	return float64(n) / float64(len(wa))
}
