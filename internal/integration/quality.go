package integration

import (
	"log/slog"
	"strings"

	"github.com/scrypster/loom/internal/narrative"
	"github.com/scrypster/loom/pkg/types"
)

// Severity grades a quality issue.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Issue is one failed cross-tier consistency check.
type Issue struct {
	Check     string   `json:"check"`
	Severity  Severity `json:"severity"`
	ChapterID int      `json:"chapter_id"`
	Message   string   `json:"message"`
}

// QualityAssurance runs consistency checks across the short- and mid-term tiers.
type QualityAssurance struct {
	short  ShortTermReader
	mid    MidTermReader
	logger *slog.Logger
}

// NewQualityAssurance creates the checker. Either reader may be nil when the
// tier is unavailable; checks that need it are skipped.
func NewQualityAssurance(short ShortTermReader, mid MidTermReader, logger *slog.Logger) *QualityAssurance {
	if logger == nil {
		logger = slog.Default()
	}
	return &QualityAssurance{short: short, mid: mid, logger: logger.With("component", "quality_assurance")}
}

// Check runs every check over all chapters held in short-term memory.
func (q *QualityAssurance) Check() []Issue {
	if q.short == nil {
		return nil
	}
	var issues []Issue
	for _, id := range q.short.IDs() {
		issues = append(issues, q.CheckChapter(id)...)
	}
	if len(issues) > 0 {
		q.logger.Warn("quality checks found issues", "issues", len(issues))
	}
	return issues
}

// CheckChapter runs every check for one chapter.
func (q *QualityAssurance) CheckChapter(id int) []Issue {
	if q.short == nil {
		return nil
	}
	entry, ok := q.short.Get(id)
	if !ok {
		return []Issue{{Check: "present_shortterm", Severity: SeverityWarning, ChapterID: id, Message: "chapter not held in short-term memory"}}
	}

	var issues []Issue
	if entry.Chapter == nil || entry.Chapter.ContentHash() != entry.ContentHash {
		issues = append(issues, Issue{Check: "content_hash", Severity: SeverityError, ChapterID: id, Message: "stored content does not match its hash"})
		return issues
	}

	known := make(map[string]bool)
	for _, n := range narrative.KnownCharacters(entry.Chapter) {
		known[n] = true
	}
	for name, st := range entry.CharacterStates {
		if !known[name] {
			issues = append(issues, Issue{Check: "character_known", Severity: SeverityWarning, ChapterID: id,
				Message: "state recorded for " + name + " who does not appear in the chapter"})
		}
		if st.LastSeenChapter != id {
			issues = append(issues, Issue{Check: "character_last_seen", Severity: SeverityWarning, ChapterID: id,
				Message: name + " state points at another chapter"})
		}
	}

	if q.mid == nil {
		return issues
	}
	analyses := q.mid.Analyses(id)
	if len(analyses) == 0 {
		issues = append(issues, Issue{Check: "present_midterm", Severity: SeverityWarning, ChapterID: id, Message: "no mid-term analyses for chapter"})
		return issues
	}
	for _, a := range analyses {
		if a.Kind != types.AnalysisEvolution || a.Evolution == nil {
			continue
		}
		for _, c := range a.Evolution.Changes {
			st, ok := entry.CharacterStates[c.Name]
			if !ok {
				continue
			}
			if strings.Join(st.Moods, ",") != strings.Join(c.ToMood, ",") {
				issues = append(issues, Issue{Check: "mood_coherent", Severity: SeverityWarning, ChapterID: id,
					Message: c.Name + " moods differ between short-term and mid-term"})
			}
		}
	}
	return issues
}
