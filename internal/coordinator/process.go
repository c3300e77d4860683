package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/scrypster/loom/internal/fanout"
	"github.com/scrypster/loom/internal/integration"
	"github.com/scrypster/loom/internal/notify"
	"github.com/scrypster/loom/internal/tier/shortterm"
	"github.com/scrypster/loom/pkg/types"
)

// Pipeline operation names, as reported in ProcessResult.Operations.
const (
	OpShortTermIngest     = "shortterm_ingest"
	OpMidTermIngest       = "midterm_ingest"
	OpDataIntegration     = "data_integration"
	OpDuplicateResolution = "duplicate_resolution"
	OpCacheCoordination   = "cache_coordination"
)

// OperationStatus is the outcome of one pipeline operation.
type OperationStatus struct {
	Completed bool          `json:"completed"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// ProcessResult aggregates the pipeline operations run for one chapter.
// Success is true only when every operation completed; the effects of the
// operations that did complete are kept either way.
type ProcessResult struct {
	ChapterID            int                        `json:"chapter_id"`
	Success              bool                       `json:"success"`
	SuccessfulOperations int                        `json:"successful_operations"`
	FailedOperations     int                        `json:"failed_operations"`
	Operations           map[string]OperationStatus `json:"operations"`
	Duration             time.Duration              `json:"duration"`
	Error                string                     `json:"error,omitempty"`

	Ingest      *shortterm.IngestResult        `json:"ingest,omitempty"`
	Integration *integration.IntegrationReport `json:"integration,omitempty"`
	Duplicates  *integration.DuplicateReport   `json:"duplicates,omitempty"`

	err error
}

// Err returns the error behind Error, for errors.Is checks.
func (r *ProcessResult) Err() error { return r.err }

func (r *ProcessResult) fail(err error) *ProcessResult {
	r.err = err
	r.Error = err.Error()
	return r
}

// ProcessChapter runs the chapter pipeline: short-term ingest, mid-term
// analysis, integration into long-term knowledge, duplicate resolution and
// cache coordination, all concurrently. One operation failing or panicking
// never stops the others. The caller's chapter is never modified.
func (c *Coordinator) ProcessChapter(ctx context.Context, ch *types.Chapter) *ProcessResult {
	start := c.now()
	res := &ProcessResult{Operations: make(map[string]OperationStatus)}
	if ch != nil {
		res.ChapterID = ch.ID
	}

	release, err := c.enter()
	if err != nil {
		return res.fail(err)
	}
	defer release()
	if err := ch.Validate(); err != nil {
		return res.fail(fmt.Errorf("process chapter: %w", err))
	}
	chapter := ch.Clone()

	out := fanout.Run(ctx, fanout.Options{Timeout: c.config.Coordinator.OperationTimeout},
		fanout.Branch{Name: OpShortTermIngest, Run: func(ctx context.Context) error {
			if c.short == nil {
				return c.unavailableErr(types.TierShortTerm)
			}
			r, err := c.short.Ingest(ctx, chapter)
			res.Ingest = r
			return err
		}},
		fanout.Branch{Name: OpMidTermIngest, Run: func(ctx context.Context) error {
			if c.mid == nil {
				return c.unavailableErr(types.TierMidTerm)
			}
			r, err := c.mid.AddChapter(ctx, chapter)
			if err != nil {
				return err
			}
			if !r.Success {
				return errors.New(r.Error())
			}
			return nil
		}},
		fanout.Branch{Name: OpDataIntegration, Run: func(ctx context.Context) error {
			r, err := c.integrator.Integrate(ctx, chapter)
			res.Integration = r
			return err
		}},
		fanout.Branch{Name: OpDuplicateResolution, Run: func(ctx context.Context) error {
			r, err := c.duplicates.Resolve(ctx, chapter)
			res.Duplicates = r
			return err
		}},
		fanout.Branch{Name: OpCacheCoordination, Run: func(ctx context.Context) error {
			if c.short != nil {
				c.short.InvalidateChapter(chapter.ID)
			}
			n := c.invalidateCaches()
			c.logger.Debug("caches invalidated for chapter", "chapter_id", chapter.ID, "entries", n)
			return nil
		}},
	)

	for name, o := range out.Outcomes {
		res.Operations[name] = OperationStatus{Completed: o.Completed, Error: o.Error, Duration: o.Duration}
		c.window.record(name, !o.Completed)
	}
	res.SuccessfulOperations = out.Succeeded
	res.FailedOperations = out.Failed
	res.Success = out.Success
	if !out.Success {
		res.err = errors.New(out.Error())
		res.Error = out.Error()
	}

	if res.Operations[OpShortTermIngest].Completed && res.Operations[OpMidTermIngest].Completed {
		c.syncQuality(ctx, chapter.ID)
	}
	// Answers cached while the branches ran may predate them.
	c.invalidateCaches()

	res.Duration = c.now().Sub(start)
	ref := "ok"
	if !res.Success {
		ref = "partial"
	}
	c.emit(notify.Event{Type: notify.EventChapterProcessed, ChapterID: chapter.ID, Ref: ref})

	if res.Success {
		c.logger.Info("chapter processed", "chapter_id", chapter.ID, "duration", res.Duration)
	} else {
		c.logger.Warn("chapter processed with failures",
			"chapter_id", chapter.ID,
			"failed", out.FailedNames(),
			"duration", res.Duration)
	}
	return res
}

// syncQuality copies the mid-term quality scores onto the short-term entry.
func (c *Coordinator) syncQuality(ctx context.Context, id int) {
	for _, a := range c.mid.Analyses(id) {
		if a.Kind != types.AnalysisQuality || a.Quality == nil {
			continue
		}
		if err := c.short.SetQuality(ctx, id, *a.Quality); err != nil {
			c.logger.Warn("quality scores not recorded in short-term", "chapter_id", id, "error", err)
		}
		return
	}
}

func (c *Coordinator) unavailableErr(tier types.Tier) error {
	return fmt.Errorf("%s: %w: %s", tier, ErrTierUnavailable, c.unavailable[tier])
}
