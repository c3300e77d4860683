package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownAnalysisKind is returned by DecodeAnalysis for unsupported kinds.
var ErrUnknownAnalysisKind = errors.New("unknown analysis kind")

// AnalysisKind tags which payload an AnalysisResult carries.
type AnalysisKind string

const (
	AnalysisQuality     AnalysisKind = "quality"
	AnalysisEvolution   AnalysisKind = "evolution"
	AnalysisProgression AnalysisKind = "progression"
	AnalysisStatistics  AnalysisKind = "statistics"
)

// AnalysisResult is a tagged union. Exactly one payload pointer matching
// Kind is non-nil.
type AnalysisResult struct {
	Kind        AnalysisKind       `json:"kind"`
	ChapterID   int                `json:"chapter_id"`
	Score       float64            `json:"score"`
	Quality     *QualityScores     `json:"quality,omitempty"`
	Evolution   *EvolutionDelta    `json:"evolution,omitempty"`
	Progression *ProgressionPoint  `json:"progression,omitempty"`
	Statistics  *ChapterStatistics `json:"statistics,omitempty"`
}

// QualityScores are 0..1 quality dimensions for a chapter.
type QualityScores struct {
	Overall     float64 `json:"overall"`
	Coherence   float64 `json:"coherence"`
	Pacing      float64 `json:"pacing"`
	Consistency float64 `json:"consistency"`
}

// EvolutionDelta records how characters changed relative to the previous chapter.
type EvolutionDelta struct {
	Changes []CharacterChange `json:"changes,omitempty"`

	// Moods is every character's mood set in this chapter, the baseline the
	// next chapter is compared against.
	Moods map[string][]string `json:"moods,omitempty"`
}

// CharacterChange is a single mood transition.
type CharacterChange struct {
	Name     string   `json:"name"`
	FromMood []string `json:"from_mood,omitempty"`
	ToMood   []string `json:"to_mood,omitempty"`
}

// ProgressionPoint captures plot movement for a chapter.
type ProgressionPoint struct {
	Tension        float64  `json:"tension"`
	NewThreads     []string `json:"new_threads,omitempty"`
	ResolvedThread []string `json:"resolved_threads,omitempty"`
	SceneCount     int      `json:"scene_count"`
}

// ChapterStatistics are counting metrics for a chapter.
type ChapterStatistics struct {
	Words          int     `json:"words"`
	Sentences      int     `json:"sentences"`
	Paragraphs     int     `json:"paragraphs"`
	Scenes         int     `json:"scenes"`
	DialogueRatio  float64 `json:"dialogue_ratio"`
	AvgSentenceLen float64 `json:"avg_sentence_len"`
}

// Clone returns a deep copy of r.
func (r AnalysisResult) Clone() AnalysisResult {
	if r.Quality != nil {
		q := *r.Quality
		r.Quality = &q
	}
	if r.Evolution != nil {
		ev := EvolutionDelta{Changes: make([]CharacterChange, len(r.Evolution.Changes))}
		for i, c := range r.Evolution.Changes {
			c.FromMood = append([]string(nil), c.FromMood...)
			c.ToMood = append([]string(nil), c.ToMood...)
			ev.Changes[i] = c
		}
		if r.Evolution.Moods != nil {
			ev.Moods = make(map[string][]string, len(r.Evolution.Moods))
			for name, m := range r.Evolution.Moods {
				ev.Moods[name] = append([]string(nil), m...)
			}
		}
		r.Evolution = &ev
	}
	if r.Progression != nil {
		p := *r.Progression
		p.NewThreads = append([]string(nil), p.NewThreads...)
		p.ResolvedThread = append([]string(nil), p.ResolvedThread...)
		r.Progression = &p
	}
	if r.Statistics != nil {
		st := *r.Statistics
		r.Statistics = &st
	}
	return r
}

// DecodeAnalysis decodes a raw collaborator response into a typed result.
// The raw payload is the kind-specific object, optionally carrying a
// top-level "score".
func DecodeAnalysis(kind AnalysisKind, chapterID int, raw []byte) (*AnalysisResult, error) {
	res := &AnalysisResult{Kind: kind, ChapterID: chapterID}

	var envelope struct {
		Score *float64 `json:"score"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode %s analysis: %w", kind, err)
	}

	var err error
	switch kind {
	case AnalysisQuality:
		res.Quality = &QualityScores{}
		err = json.Unmarshal(raw, res.Quality)
		res.Score = res.Quality.Overall
	case AnalysisEvolution:
		res.Evolution = &EvolutionDelta{}
		err = json.Unmarshal(raw, res.Evolution)
	case AnalysisProgression:
		res.Progression = &ProgressionPoint{}
		err = json.Unmarshal(raw, res.Progression)
		res.Score = res.Progression.Tension
	case AnalysisStatistics:
		res.Statistics = &ChapterStatistics{}
		err = json.Unmarshal(raw, res.Statistics)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAnalysisKind, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s analysis: %w", kind, err)
	}

	if envelope.Score != nil {
		res.Score = *envelope.Score
	}
	res.Score = clamp01(res.Score)
	return res, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
