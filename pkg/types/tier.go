package types

import (
	"fmt"
	"time"
)

// Tier names one layer of the memory hierarchy.
type Tier string

const (
	TierShortTerm Tier = "shortterm"
	TierMidTerm   Tier = "midterm"
	TierLongTerm  Tier = "longterm"
)

// AllTiers lists the tiers in consultation order.
var AllTiers = []Tier{TierShortTerm, TierMidTerm, TierLongTerm}

// IsValid reports whether t is a known tier.
func (t Tier) IsValid() bool {
	switch t {
	case TierShortTerm, TierMidTerm, TierLongTerm:
		return true
	}
	return false
}

// ParseTier converts a string into a Tier.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.IsValid() {
		return "", fmt.Errorf("unknown tier %q", s)
	}
	return t, nil
}

// TierEntry is the short-term record held for one chapter.
type TierEntry struct {
	Chapter         *Chapter                  `json:"chapter"`
	ContentHash     string                    `json:"content_hash"`
	KeyPhrases      []string                  `json:"key_phrases,omitempty"`
	CharacterStates map[string]CharacterState `json:"character_states,omitempty"`
	Quality         *QualityScores            `json:"quality,omitempty"`
	IngestedAt      time.Time                 `json:"ingested_at"`
	UpdatedAt       time.Time                 `json:"updated_at"`

	// ExtractionRuns counts how many times derived fields were computed.
	// Idempotent ingest leaves it untouched.
	ExtractionRuns int `json:"extraction_runs"`
}

// Clone returns a deep copy of the entry.
func (e *TierEntry) Clone() *TierEntry {
	if e == nil {
		return nil
	}
	out := *e
	out.Chapter = e.Chapter.Clone()
	out.KeyPhrases = append([]string(nil), e.KeyPhrases...)
	if e.CharacterStates != nil {
		out.CharacterStates = make(map[string]CharacterState, len(e.CharacterStates))
		for k, v := range e.CharacterStates {
			out.CharacterStates[k] = v.Clone()
		}
	}
	if e.Quality != nil {
		q := *e.Quality
		out.Quality = &q
	}
	return &out
}

// CharacterState is the snapshot of a character as seen in one chapter.
type CharacterState struct {
	Name            string            `json:"name"`
	Moods           []string          `json:"moods,omitempty"`
	Relationships   map[string]string `json:"relationships,omitempty"` // other character -> relation keyword
	LastSeenChapter int               `json:"last_seen_chapter"`
	Mentions        int               `json:"mentions"`
}

// Clone returns a copy that shares no slices or maps with s.
func (s CharacterState) Clone() CharacterState {
	s.Moods = append([]string(nil), s.Moods...)
	if s.Relationships != nil {
		rel := make(map[string]string, len(s.Relationships))
		for a, b := range s.Relationships {
			rel[a] = b
		}
		s.Relationships = rel
	}
	return s
}

// HealthState is the rolled-up health of a tier or the whole system.
type HealthState string

const (
	HealthHealthy     HealthState = "HEALTHY"
	HealthDegraded    HealthState = "DEGRADED"
	HealthCritical    HealthState = "CRITICAL"
	HealthUnavailable HealthState = "UNAVAILABLE"
)

// TierHealth reports the health of a single tier.
type TierHealth struct {
	Tier          Tier        `json:"tier"`
	State         HealthState `json:"state"`
	Reachable     bool        `json:"reachable"`
	DataIntegrity bool        `json:"data_integrity"`
	Entries       int         `json:"entries"`
	ErrorCount    int64       `json:"error_count"`
	Message       string      `json:"message,omitempty"`
}

// SearchResult is a ranked hit from any tier.
type SearchResult struct {
	Tier      Tier    `json:"tier"`
	ChapterID int     `json:"chapter_id,omitempty"`
	Key       string  `json:"key"`
	Snippet   string  `json:"snippet"`
	Score     float64 `json:"score"`
}
