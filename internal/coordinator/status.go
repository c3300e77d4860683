package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/scrypster/loom/internal/backup"
	"github.com/scrypster/loom/internal/cache"
	"github.com/scrypster/loom/internal/fanout"
	"github.com/scrypster/loom/internal/integration"
	"github.com/scrypster/loom/internal/llm"
	"github.com/scrypster/loom/pkg/types"
)

// outcomeWindow keeps the most recent component outcomes in a ring buffer
// plus lifetime counters per operation name.
type outcomeWindow struct {
	mu       sync.Mutex
	samples  []bool // true means failed
	next     int
	filled   int
	failures int
	counters map[string]*OperationCounters
}

// OperationCounters are lifetime outcome counts for one operation.
type OperationCounters struct {
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}

func newOutcomeWindow(size int) *outcomeWindow {
	if size <= 0 {
		size = 100
	}
	return &outcomeWindow{samples: make([]bool, size), counters: make(map[string]*OperationCounters)}
}

func (w *outcomeWindow) record(name string, failed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.filled == len(w.samples) {
		if w.samples[w.next] {
			w.failures--
		}
	} else {
		w.filled++
	}
	w.samples[w.next] = failed
	if failed {
		w.failures++
	}
	w.next = (w.next + 1) % len(w.samples)

	c, ok := w.counters[name]
	if !ok {
		c = &OperationCounters{}
		w.counters[name] = c
	}
	if failed {
		c.Failed++
	} else {
		c.Succeeded++
	}
}

// rate returns the failure rate over the window and the sample count.
func (w *outcomeWindow) rate() (float64, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.filled == 0 {
		return 0, 0
	}
	return float64(w.failures) / float64(w.filled), w.filled
}

func (w *outcomeWindow) snapshot() map[string]OperationCounters {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]OperationCounters, len(w.counters))
	for name, c := range w.counters {
		out[name] = *c
	}
	return out
}

// SystemStatus is the rolled-up health of the hierarchy.
type SystemStatus struct {
	State       types.HealthState               `json:"state"`
	Tiers       map[types.Tier]types.TierHealth `json:"tiers"`
	FailureRate float64                         `json:"failure_rate"`
	Samples     int                             `json:"samples"`
	Operations  map[string]OperationCounters    `json:"operations"`
	CheckedAt   time.Time                       `json:"checked_at"`
}

// Diagnostics extends SystemStatus with cross-tier checks and component stats.
type Diagnostics struct {
	SystemStatus

	Issues     []integration.Issue                             `json:"issues,omitempty"`
	Caches     []cache.Stats                                   `json:"caches"`
	Backup     backup.HealthStatus                             `json:"backup"`
	Guards     map[string]llm.GuardMetrics                     `json:"guards"`
	Analyzers  map[types.AnalysisKind]string                   `json:"analyzers,omitempty"`
	Duplicates integration.DuplicateStats                      `json:"duplicates"`
	Access     map[types.AccessKind]integration.AccessStats    `json:"access"`
	Strategy   map[types.AccessKind]integration.Recommendation `json:"strategy"`
	Knowledge  int64                                           `json:"knowledge"`
	Duration   time.Duration                                   `json:"duration"`
}

// GetSystemStatus reports per-tier health and the rolling failure rate.
// More than CriticalFailRate failures, or a tier failing its integrity
// check, is CRITICAL. More than DegradedFailRate, or any tier not healthy,
// is DEGRADED.
func (c *Coordinator) GetSystemStatus(ctx context.Context) (*SystemStatus, error) {
	release, err := c.enter()
	if err != nil {
		return nil, err
	}
	defer release()
	return c.status(ctx), nil
}

func (c *Coordinator) status(ctx context.Context) *SystemStatus {
	st := &SystemStatus{
		Tiers:      make(map[types.Tier]types.TierHealth, len(types.AllTiers)),
		Operations: c.window.snapshot(),
		CheckedAt:  c.now(),
	}
	st.FailureRate, st.Samples = c.window.rate()

	var mu sync.Mutex
	set := func(h types.TierHealth) {
		mu.Lock()
		st.Tiers[h.Tier] = h
		mu.Unlock()
	}
	var branches []fanout.Branch
	for _, tier := range types.AllTiers {
		if reason, down := c.unavailable[tier]; down {
			set(types.TierHealth{Tier: tier, State: types.HealthUnavailable, Message: reason})
			continue
		}
		branches = append(branches, fanout.Branch{Name: string(tier), Run: func(ctx context.Context) error {
			set(c.tierHealth(ctx, tier))
			return nil
		}})
	}
	out := fanout.Run(ctx, fanout.Options{Timeout: c.config.Coordinator.OperationTimeout}, branches...)
	for _, name := range out.FailedNames() {
		set(types.TierHealth{Tier: types.Tier(name), State: types.HealthUnavailable, Message: out.Outcomes[name].Error})
	}

	st.State = c.rollup(st.FailureRate, st.Tiers)
	return st
}

func (c *Coordinator) tierHealth(ctx context.Context, tier types.Tier) types.TierHealth {
	switch tier {
	case types.TierShortTerm:
		return c.short.Health(ctx)
	case types.TierMidTerm:
		return c.mid.Health(ctx)
	default:
		return c.long.Health(ctx)
	}
}

func (c *Coordinator) rollup(rate float64, tiers map[types.Tier]types.TierHealth) types.HealthState {
	cfg := c.config.Coordinator
	critical, degraded := rate > cfg.CriticalFailRate, rate > cfg.DegradedFailRate
	for _, h := range tiers {
		switch h.State {
		case types.HealthCritical:
			critical = true
		case types.HealthHealthy:
		default:
			degraded = true
		}
	}
	switch {
	case critical:
		return types.HealthCritical
	case degraded:
		return types.HealthDegraded
	}
	return types.HealthHealthy
}

// PerformDiagnostics runs the status check plus cross-tier consistency
// checks and collects stats from every cache, guard and service. An
// error-severity consistency issue degrades a HEALTHY status.
func (c *Coordinator) PerformDiagnostics(ctx context.Context) (*Diagnostics, error) {
	release, err := c.enter()
	if err != nil {
		return nil, err
	}
	defer release()

	start := c.now()
	d := &Diagnostics{
		SystemStatus: *c.status(ctx),
		Issues:       c.quality.Check(),
		Backup:       c.backups.HealthCheck(),
		Guards: map[string]llm.GuardMetrics{
			"analysis":   c.analysisGuard.Metrics(),
			"generation": c.generationGuard.Metrics(),
		},
		Duplicates: c.duplicates.Stats(),
		Access:     c.access.Stats(),
		Strategy:   make(map[types.AccessKind]integration.Recommendation),
	}
	for _, kind := range []types.AccessKind{types.AccessContext, types.AccessCharacter, types.AccessPlot, types.AccessSearch} {
		d.Strategy[kind] = c.access.Recommend(kind)
	}
	if c.short != nil {
		d.Caches = append(d.Caches, c.short.CacheStats()...)
	}
	d.Caches = append(d.Caches, c.search.Cache().Stats(), c.responses.Stats())
	if c.mid != nil {
		d.Analyzers = c.mid.Analyzers()
	}
	if n, err := c.long.Count(ctx); err == nil {
		d.Knowledge = n
	} else {
		c.logger.Warn("knowledge count failed", "error", err)
	}

	if d.State == types.HealthHealthy {
		for _, is := range d.Issues {
			if is.Severity == integration.SeverityError {
				d.State = types.HealthDegraded
				break
			}
		}
	}
	d.Duration = c.now().Sub(start)
	c.logger.Info("diagnostics complete", "state", d.State, "issues", len(d.Issues), "duration", d.Duration)
	return d, nil
}

// OptimizationReport describes one OptimizeSystem pass.
type OptimizationReport struct {
	Caches            []cache.OptimizeResult                          `json:"caches"`
	Strategy          map[types.AccessKind]integration.Recommendation `json:"strategy"`
	GenerationCleaned int                                             `json:"generation_cleaned"`
	ForgottenBelow    int                                             `json:"forgotten_below,omitempty"`
	Duration          time.Duration                                   `json:"duration"`
}

// OptimizeSystem starts an optimization pass in the background and returns
// at once. The pass optimizes every cache, retunes the access strategy,
// cleans the generation cache and drops duplicate bookkeeping for chapters
// that left the mid-term window. The returned channel receives the report
// and is then closed.
func (c *Coordinator) OptimizeSystem(ctx context.Context) (<-chan OptimizationReport, error) {
	release, err := c.enter()
	if err != nil {
		return nil, err
	}
	if !c.optimizing.CompareAndSwap(false, true) {
		release()
		return nil, ErrOptimizationRunning
	}

	done := make(chan OptimizationReport, 1)
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		defer release()
		defer c.optimizing.Store(false)
		defer close(done)
		done <- c.optimize()
	}()
	return done, nil
}

func (c *Coordinator) optimize() OptimizationReport {
	start := c.now()
	var rep OptimizationReport
	if c.short != nil {
		rep.Caches = append(rep.Caches, c.short.OptimizeCaches()...)
		rep.GenerationCleaned = c.short.Generation().Cleanup()
	}
	rep.Caches = append(rep.Caches, c.search.Cache().Optimize(), c.responses.Optimize())
	rep.Strategy = c.access.Retune()

	if c.mid != nil {
		if ids := c.mid.ChapterIDs(); len(ids) > 0 {
			rep.ForgottenBelow = ids[0]
			c.duplicates.Forget(ids[0])
		}
	}
	rep.Duration = c.now().Sub(start)
	c.logger.Info("system optimized",
		"caches", len(rep.Caches),
		"generation_cleaned", rep.GenerationCleaned,
		"duration", rep.Duration)
	return rep
}
