package narrative

import (
	"regexp"
	"strings"

	"github.com/scrypster/loom/pkg/types"
)

var (
	paragraphSplit = regexp.MustCompile(`\n\s*\n`)
	sceneBreak     = regexp.MustCompile(`(?m)^\s*(?:\*\s*\*\s*\*|#{1,3}\s|---)\s*$`)
	dialogue       = regexp.MustCompile(`"[^"]*"|“[^”]*”`)

	// Thread patterns. An open question or an unfinished goal opens a
	// thread; "finally"/"at last" clauses resolve one.
	questionThread = regexp.MustCompile(`(?i)\b(?:who|why|what|where|whether)\s+[^.!?]{3,80}\?`)
	goalThread     = regexp.MustCompile(`\b(?:must|vowed to|swore to|promised to)\s+([a-z]+(?:\s+[a-z]+){0,4})`)
	resolvedThread = regexp.MustCompile(`\b(?:finally|at last)\s+([a-z]+(?:\s+[a-z]+){0,4})`)
)

// tensionVocabulary holds words that raise narrative tension.
var tensionVocabulary = map[string]bool{
	"danger": true, "blood": true, "scream": true, "screamed": true, "fight": true, "fought": true,
	"chase": true, "chased": true, "death": true, "dead": true, "storm": true, "fire": true,
	"threat": true, "ran": true, "run": true, "knife": true, "sword": true, "attack": true,
	"attacked": true, "trap": true, "fear": true, "terrified": true, "explosion": true, "hunted": true,
}

// Sentences splits text into trimmed, non-empty sentences.
func Sentences(text string) []string {
	var out []string
	for _, s := range sentenceSplit.Split(strings.TrimSpace(text), -1) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Paragraphs splits text on blank lines.
func Paragraphs(text string) []string {
	var out []string
	for _, p := range paragraphSplit.Split(strings.TrimSpace(text), -1) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// SceneCount uses scene metadata when present, otherwise counts scene
// break markers in the body.
func SceneCount(ch *types.Chapter) int {
	if n := len(ch.Metadata.Scenes); n > 0 {
		return n
	}
	return len(sceneBreak.FindAllStringIndex(ch.Body, -1)) + 1
}

// Statistics computes counting metrics for a chapter.
func Statistics(ch *types.Chapter) types.ChapterStatistics {
	sentences := Sentences(ch.Body)
	words := len(strings.Fields(ch.Body))
	st := types.ChapterStatistics{
		Words:      words,
		Sentences:  len(sentences),
		Paragraphs: len(Paragraphs(ch.Body)),
		Scenes:     SceneCount(ch),
	}
	if st.Sentences > 0 {
		st.AvgSentenceLen = float64(words) / float64(st.Sentences)
	}
	if n := len(ch.Body); n > 0 {
		quoted := 0
		for _, m := range dialogue.FindAllString(ch.Body, -1) {
			quoted += len(m)
		}
		st.DialogueRatio = float64(quoted) / float64(n)
	}
	return st
}

// Tension scores tension-vocabulary density in 0..1. One tension word per
// twenty words saturates the score.
func Tension(text string) float64 {
	words := wordPattern.FindAllString(text, -1)
	if len(words) == 0 {
		return 0
	}
	hits := 0
	for _, w := range words {
		if tensionVocabulary[strings.ToLower(w)] {
			hits++
		}
	}
	t := float64(hits) * 20 / float64(len(words))
	if t > 1 {
		t = 1
	}
	return t
}

// Threads returns plot threads opened and resolved in text, normalised to
// lower case and de-duplicated.
func Threads(text string) (opened, resolved []string) {
	seen := make(map[string]bool)
	add := func(list []string, s string) []string {
		s = strings.ToLower(strings.Join(strings.Fields(s), " "))
		if s == "" || seen[s] {
			return list
		}
		seen[s] = true
		return append(list, s)
	}
	for _, m := range questionThread.FindAllString(text, -1) {
		opened = add(opened, strings.TrimSuffix(m, "?"))
	}
	for _, m := range goalThread.FindAllStringSubmatch(text, -1) {
		opened = add(opened, m[1])
	}
	for _, m := range resolvedThread.FindAllStringSubmatch(text, -1) {
		resolved = add(resolved, m[1])
	}
	return opened, resolved
}
