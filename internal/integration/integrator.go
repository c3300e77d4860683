package integration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/scrypster/loom/internal/llm"
	"github.com/scrypster/loom/internal/narrative"
	"github.com/scrypster/loom/internal/tier/longterm"
	"github.com/scrypster/loom/pkg/types"
)

// resolveOverlap is the share of a resolution clause's significant words
// that must appear in an open thread for the clause to close it.
const resolveOverlap = 0.5

// IntegrationReport describes what Integrate promoted to long-term memory.
type IntegrationReport struct {
	ChapterID       int      `json:"chapter_id"`
	ThreadsOpened   []string `json:"threads_opened,omitempty"`
	ThreadsResolved []string `json:"threads_resolved,omitempty"`
	Characters      []string `json:"characters,omitempty"`
	Summarised      bool     `json:"summarised"`
	SummaryError    string   `json:"summary_error,omitempty"`
}

// DataIntegrator promotes plot threads and character facts from a chapter
// into long-term knowledge. With a Generator it also stores a one-line
// chapter summary as world knowledge.
type DataIntegrator struct {
	knowledge KnowledgeStore
	generator llm.Generator
	logger    *slog.Logger
}

// NewDataIntegrator creates an integrator. generator may be nil.
func NewDataIntegrator(knowledge KnowledgeStore, generator llm.Generator, logger *slog.Logger) *DataIntegrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &DataIntegrator{knowledge: knowledge, generator: generator, logger: logger.With("component", "data_integrator")}
}

// Integrate extracts threads and character states from ch and writes them
// to long-term knowledge. Threads already known keep the chapter that
// introduced them. A summary failure is reported but does not fail the call.
func (d *DataIntegrator) Integrate(ctx context.Context, ch *types.Chapter) (*IntegrationReport, error) {
	if err := ch.Validate(); err != nil {
		return nil, err
	}
	if d.knowledge == nil {
		return nil, errors.New("integrate: long-term store unavailable")
	}
	rep := &IntegrationReport{ChapterID: ch.ID}
	opened, resolved := narrative.Threads(ch.Body)

	for _, th := range opened {
		key := ThreadKey(th)
		_, err := d.knowledge.Get(ctx, key)
		if err == nil {
			continue
		}
		if !errors.Is(err, longterm.ErrNotFound) {
			return rep, fmt.Errorf("integrate: lookup thread %q: %w", th, err)
		}
		k := types.Knowledge{Key: key, Kind: types.KnowledgePlot, Content: th, SourceChapter: ch.ID, Confidence: 0.6}
		if err := d.knowledge.UpsertKnowledge(ctx, k); err != nil {
			return rep, fmt.Errorf("integrate: store thread %q: %w", th, err)
		}
		rep.ThreadsOpened = append(rep.ThreadsOpened, th)
	}

	if len(resolved) > 0 {
		open, err := d.knowledge.GetUnresolved(ctx)
		if err != nil {
			return rep, fmt.Errorf("integrate: list open threads: %w", err)
		}
		done := make(map[string]bool)
		for _, clause := range resolved {
			for _, k := range open {
				if done[k.Key] || k.SourceChapter > ch.ID || overlap(clause, k.Content) < resolveOverlap {
					continue
				}
				if err := d.knowledge.ResolveThread(ctx, k.Key, ch.ID); err != nil {
					return rep, fmt.Errorf("integrate: resolve %s: %w", k.Key, err)
				}
				done[k.Key] = true
				rep.ThreadsResolved = append(rep.ThreadsResolved, k.Content)
			}
		}
	}

	states := narrative.Characters(ch)
	names := make([]string, 0, len(states))
	for n := range states {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		st := states[n]
		k := types.Knowledge{
			Key:           CharacterKey(n),
			Kind:          types.KnowledgeCharacter,
			Content:       describeCharacter(st),
			SourceChapter: ch.ID,
			Confidence:    math.Min(1, float64(st.Mentions)/5),
		}
		if err := d.knowledge.UpsertKnowledge(ctx, k); err != nil {
			return rep, fmt.Errorf("integrate: store character %s: %w", n, err)
		}
		rep.Characters = append(rep.Characters, n)
	}

	if d.generator != nil {
		if err := d.summarise(ctx, ch); err != nil {
			rep.SummaryError = err.Error()
			d.logger.Warn("chapter summary failed", "chapter_id", ch.ID, "error", err)
		} else {
			rep.Summarised = true
		}
	}

	d.logger.Debug("chapter integrated",
		"chapter_id", ch.ID,
		"threads_opened", len(rep.ThreadsOpened),
		"threads_resolved", len(rep.ThreadsResolved),
		"characters", len(rep.Characters))
	return rep, nil
}

func (d *DataIntegrator) summarise(ctx context.Context, ch *types.Chapter) error {
	prompt := fmt.Sprintf("Summarise chapter %d (%q) in one sentence.\n\n%s", ch.ID, ch.Title, ch.Body)
	text, err := d.generator.Generate(ctx, prompt, llm.GenerateOptions{MaxTokens: 120, Temperature: 0.2})
	if err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("empty summary")
	}
	return d.knowledge.UpsertKnowledge(ctx, types.Knowledge{
		Key:           SummaryKey(ch.ID),
		Kind:          types.KnowledgeWorld,
		Content:       text,
		SourceChapter: ch.ID,
		Confidence:    0.5,
	})
}

func describeCharacter(st types.CharacterState) string {
	var b strings.Builder
	b.WriteString(st.Name)
	if len(st.Moods) > 0 {
		fmt.Fprintf(&b, " feels %s.", strings.Join(st.Moods, ", "))
	} else {
		b.WriteString(" appears.")
	}
	if len(st.Relationships) > 0 {
		others := make([]string, 0, len(st.Relationships))
		for o := range st.Relationships {
			others = append(others, o)
		}
		sort.Strings(others)
		parts := make([]string, 0, len(others))
		for _, o := range others {
			parts = append(parts, o+" ("+st.Relationships[o]+")")
		}
		fmt.Fprintf(&b, " Relationships: %s.", strings.Join(parts, ", "))
	}
	return b.String()
}
