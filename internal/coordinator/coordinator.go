// Package coordinator wires the memory tiers, the integration services, the
// cache engine and the backup engine together, and drives the per-chapter
// processing pipeline over them.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scrypster/loom/internal/backup"
	"github.com/scrypster/loom/internal/cache"
	"github.com/scrypster/loom/internal/config"
	"github.com/scrypster/loom/internal/integration"
	"github.com/scrypster/loom/internal/llm"
	"github.com/scrypster/loom/internal/notify"
	"github.com/scrypster/loom/internal/storage"
	"github.com/scrypster/loom/internal/tier/longterm"
	"github.com/scrypster/loom/internal/tier/midterm"
	"github.com/scrypster/loom/internal/tier/shortterm"
	"github.com/scrypster/loom/pkg/types"
)

var (
	// ErrNotInitialized is returned by every operation called before
	// Initialize or after Shutdown.
	ErrNotInitialized = errors.New("coordinator not initialized")

	// ErrAlreadyInitialized is returned by a second Initialize.
	ErrAlreadyInitialized = errors.New("coordinator already initialized")

	// ErrOptimizationRunning is returned when OptimizeSystem is called while
	// a previous pass is still running.
	ErrOptimizationRunning = errors.New("optimization already running")

	// ErrTierUnavailable is reported for a tier that failed to initialize.
	ErrTierUnavailable = errors.New("tier unavailable")
)

// Deps are the collaborators the coordinator does not build itself.
type Deps struct {
	// Store holds tier files, backups and system metadata. Required.
	Store storage.Provider

	// Analyzer, if set, backs the mid-term quality analysis. Calls go
	// through a guard with the configured timeout, breaker and rate limit.
	Analyzer llm.Analyzer

	// Generator, if set, writes one-line chapter summaries to long-term memory.
	Generator llm.Generator

	// Events, if set, receives chapter_processed and backup_completed events.
	Events *notify.EventWriter

	// Managers overrides mid-term sub-managers. Nil fields use the built-ins.
	Managers midterm.Managers

	Logger *slog.Logger

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Coordinator owns the memory hierarchy. Create it with New, then call
// Initialize before any other operation and Shutdown when done.
type Coordinator struct {
	config *config.Config
	deps   Deps
	logger *slog.Logger
	now    func() time.Time

	mu           sync.RWMutex
	initialized  bool
	shuttingDown bool
	inflight     sync.WaitGroup

	short       *shortterm.Tier
	mid         *midterm.Tier
	long        *longterm.Store
	unavailable map[types.Tier]string

	analysisGuard   *llm.Guard
	generationGuard *llm.Guard

	access     *integration.AccessOptimizer
	duplicates *integration.DuplicateResolver
	integrator *integration.DataIntegrator
	quality    *integration.QualityAssurance
	search     *integration.UnifiedSearch
	responses  *cache.Cache[types.AccessResponse]

	backups *backup.Engine
	watcher *notify.EventWatcher
	window  *outcomeWindow

	optimizing atomic.Bool
	bgCtx      context.Context
	bgCancel   context.CancelFunc
	bg         sync.WaitGroup
}

// New creates a coordinator. Nothing is opened or started until Initialize.
func New(cfg *config.Config, deps Deps) (*Coordinator, error) {
	if cfg == nil {
		return nil, errors.New("coordinator: config is required")
	}
	if deps.Store == nil {
		return nil, errors.New("coordinator: storage provider is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		config: cfg,
		deps:   deps,
		logger: deps.Logger.With("component", "coordinator"),
		now:    now,
	}, nil
}

// Initialize brings the hierarchy up in order: support services, the
// integration services that need no tier, the tiers, the tier-backed
// services and finally cross-tier consistency checks. A long-term tier that
// cannot be opened is fatal; any other tier that fails to load is marked
// unavailable and the system runs degraded.
func (c *Coordinator) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return ErrAlreadyInitialized
	}
	start := c.now()
	c.logger.Info("initializing memory coordinator")

	// Support services.
	c.window = newOutcomeWindow(c.config.Coordinator.HealthWindow)
	c.analysisGuard = llm.NewGuard(c.guardConfig("analysis"), c.deps.Logger)
	c.generationGuard = llm.NewGuard(c.guardConfig("generation"), c.deps.Logger)
	responses, err := cache.New[types.AccessResponse](c.cacheConfig("access-responses"), c.deps.Logger)
	if err != nil {
		return fmt.Errorf("initialize response cache: %w", err)
	}
	backups, err := backup.NewEngine(ctx, c.deps.Store, backup.Config{
		FullInterval:        c.config.Backup.FullInterval,
		IncrementalInterval: c.config.Backup.IncrementalInterval,
		RetentionDays:       c.config.Backup.RetentionDays,
		MaxBackups:          c.config.Backup.MaxBackups,
		VerifyAfterBackup:   c.config.Backup.VerifyAfterBackup,
		OnComplete:          c.onBackupComplete,
		Clock:               c.deps.Clock,
	}, c.deps.Logger)
	if err != nil {
		return fmt.Errorf("initialize backup engine: %w", err)
	}

	// Integration services with no tier dependency.
	c.access = integration.NewAccessOptimizer(integration.AccessConfig{}, c.deps.Logger)

	// Tiers.
	long, err := longterm.Open(c.config.LongTerm.DBPath, c.deps.Logger)
	if err != nil {
		return fmt.Errorf("initialize long-term tier: %w", err)
	}
	c.unavailable = make(map[types.Tier]string)
	short, err := c.openShortTerm(ctx)
	if err != nil {
		c.markUnavailable(types.TierShortTerm, err)
	}
	mid, err := c.openMidTerm(ctx)
	if err != nil {
		c.markUnavailable(types.TierMidTerm, err)
	}
	c.long, c.short, c.mid = long, short, mid

	// Tier-backed services.
	shortReader, midReader := c.readers()
	c.duplicates = integration.NewDuplicateResolver(c.long, c.deps.Logger)
	c.integrator = integration.NewDataIntegrator(c.long, c.generator(), c.deps.Logger)
	c.quality = integration.NewQualityAssurance(shortReader, midReader, c.deps.Logger)
	c.search, err = integration.NewUnifiedSearch(shortReader, midReader, c.long, integration.SearchConfig{
		Cache:   c.cacheConfig("unified-search"),
		Timeout: c.config.Coordinator.OperationTimeout,
		TTL:     func() time.Duration { return c.access.Recommend(types.AccessSearch).CacheTTL },
	}, c.deps.Logger)
	if err != nil {
		_ = long.Close()
		return fmt.Errorf("initialize unified search: %w", err)
	}
	c.responses = responses
	c.backups = backups
	c.registerBackupComponents()

	// Cross-tier checks.
	if issues := c.quality.Check(); len(issues) > 0 {
		c.logger.Warn("startup consistency checks found issues", "issues", len(issues))
	}

	c.startBackground(ctx)
	c.initialized = true
	c.logger.Info("memory coordinator initialized",
		"unavailable_tiers", len(c.unavailable),
		"duration", c.now().Sub(start))
	return nil
}

func (c *Coordinator) openShortTerm(ctx context.Context) (*shortterm.Tier, error) {
	st := c.config.ShortTerm
	t, err := shortterm.New(c.deps.Store, shortterm.Config{
		RetentionWindow: st.RetentionWindow,
		Cache:           c.cacheConfig("shortterm"),
		Generation: shortterm.GenerationConfig{
			MaxAge:       st.GenerationMaxAge,
			MaxActive:    st.GenerationMaxActive,
			CleanupEvery: st.GenerationCleanupEvery,
			Clock:        c.deps.Clock,
		},
		Clock: c.deps.Clock,
	}, c.deps.Logger)
	if err != nil {
		return nil, err
	}
	if err := t.Load(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func (c *Coordinator) openMidTerm(ctx context.Context) (*midterm.Tier, error) {
	managers := midterm.DefaultManagers()
	if m := c.deps.Managers.Evolution; m != nil {
		managers.Evolution = m
	}
	if m := c.deps.Managers.Progression; m != nil {
		managers.Progression = m
	}
	if m := c.deps.Managers.Statistics; m != nil {
		managers.Statistics = m
	}
	switch {
	case c.deps.Managers.Quality != nil:
		managers.Quality = c.deps.Managers.Quality
	case c.deps.Analyzer != nil:
		managers.Quality = llm.NewGuardedAnalyzer(c.deps.Analyzer, c.analysisGuard, types.AnalysisQuality)
	}

	t, err := midterm.New(c.deps.Store, midterm.Config{
		RetentionWindow: c.config.MidTerm.RetentionWindow,
		DefaultScore:    c.config.MidTerm.DefaultScore,
		Timeout:         c.config.Coordinator.OperationTimeout,
		Clock:           c.deps.Clock,
	}, managers, c.deps.Logger)
	if err != nil {
		return nil, err
	}
	if err := t.Load(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func (c *Coordinator) markUnavailable(tier types.Tier, err error) {
	c.unavailable[tier] = err.Error()
	c.logger.Error("tier unavailable, continuing degraded", "tier", tier, "error", err)
}

// readers returns the tier read surfaces, as nil interfaces for tiers that
// are unavailable.
func (c *Coordinator) readers() (integration.ShortTermReader, integration.MidTermReader) {
	var (
		short integration.ShortTermReader
		mid   integration.MidTermReader
	)
	if c.short != nil {
		short = c.short
	}
	if c.mid != nil {
		mid = c.mid
	}
	return short, mid
}

func (c *Coordinator) generator() llm.Generator {
	if c.deps.Generator == nil {
		return nil
	}
	return llm.NewGuardedGenerator(c.deps.Generator, c.generationGuard)
}

func (c *Coordinator) registerBackupComponents() {
	var comps []backup.Component
	if c.short != nil {
		comps = append(comps, c.short.BackupComponent())
	}
	if c.mid != nil {
		comps = append(comps, c.mid.BackupComponent())
	}
	comps = append(comps, c.long.BackupComponent(c.deps.Store))
	for _, comp := range comps {
		if err := c.backups.RegisterComponent(comp); err != nil {
			c.logger.Warn("backup component not registered", "component", comp.Name, "error", err)
		}
	}
}

func (c *Coordinator) startBackground(ctx context.Context) {
	c.bgCtx, c.bgCancel = context.WithCancel(context.WithoutCancel(ctx))

	if c.short != nil {
		if err := c.short.Start(c.bgCtx); err != nil {
			c.logger.Warn("short-term timers not started", "error", err)
		}
	}
	if err := c.responses.Start(c.bgCtx); err != nil {
		c.logger.Warn("response cache sweep not started", "error", err)
	}
	if err := c.search.Cache().Start(c.bgCtx); err != nil {
		c.logger.Warn("search cache sweep not started", "error", err)
	}
	if c.config.Backup.Enabled {
		if err := c.backups.Start(c.bgCtx); err != nil {
			c.logger.Warn("backup scheduler not started", "error", err)
		}
	}
	if c.config.Coordinator.EnableEventWatcher && c.config.Storage.DataPath != "" {
		w := notify.NewEventWatcher(c.config.Storage.DataPath, c.handleEvent, c.deps.Logger)
		if err := w.Start(); err != nil {
			c.logger.Warn("event watcher not started", "error", err)
		} else {
			c.watcher = w
		}
	}
}

// enter admits one operation, or returns ErrNotInitialized. Callers must
// call the returned release func when the operation finishes.
func (c *Coordinator) enter() (func(), error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.initialized || c.shuttingDown {
		return nil, ErrNotInitialized
	}
	c.inflight.Add(1)
	return c.inflight.Done, nil
}

// Shutdown rejects new operations, waits for in-flight ones, stops every
// timer and watcher and finally closes the long-term store. If ctx expires
// while draining, the remaining steps still run and ctx's error is returned.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if !c.initialized || c.shuttingDown {
		c.mu.Unlock()
		return ErrNotInitialized
	}
	c.shuttingDown = true
	c.mu.Unlock()

	c.logger.Info("shutting down memory coordinator")
	var errs []error
	if err := waitGroup(ctx, &c.inflight); err != nil {
		c.logger.Warn("in-flight operations did not drain", "error", err)
		errs = append(errs, err)
	}

	if c.watcher != nil {
		c.watcher.Stop()
	}
	c.backups.Stop()
	if c.short != nil {
		c.short.Stop()
	}
	c.responses.Stop()
	c.search.Cache().Stop()
	c.bgCancel()
	if err := waitGroup(ctx, &c.bg); err != nil {
		c.logger.Warn("background work did not drain", "error", err)
		errs = append(errs, err)
	}
	if err := c.long.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close long-term store: %w", err))
	}

	c.mu.Lock()
	c.initialized = false
	c.shuttingDown = false
	c.mu.Unlock()
	c.logger.Info("memory coordinator shut down")
	return errors.Join(errs...)
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Backups returns the backup engine.
func (c *Coordinator) Backups() (*backup.Engine, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.initialized || c.shuttingDown {
		return nil, ErrNotInitialized
	}
	return c.backups, nil
}

// ShortTerm returns the short-term tier, or ErrTierUnavailable.
func (c *Coordinator) ShortTerm() (*shortterm.Tier, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.initialized || c.shuttingDown {
		return nil, ErrNotInitialized
	}
	if c.short == nil {
		return nil, fmt.Errorf("%s: %w", types.TierShortTerm, ErrTierUnavailable)
	}
	return c.short, nil
}

func (c *Coordinator) handleEvent(evt notify.Event) {
	switch evt.Type {
	case notify.EventChapterInvalidated:
		if c.short != nil {
			c.short.InvalidateChapter(evt.ChapterID)
		}
		c.invalidateCaches()
		c.logger.Info("chapter invalidated by event", "chapter_id", evt.ChapterID)
	case notify.EventChapterProcessed:
		c.invalidateCaches()
	}
}

func (c *Coordinator) invalidateCaches() int {
	return c.search.Invalidate() + c.responses.InvalidateByTag(accessTag)
}

func (c *Coordinator) onBackupComplete(rec backup.Record) {
	c.logger.Info("backup completed", "backup_id", rec.ID, "kind", rec.Kind, "files", rec.FileCount)
	c.emit(notify.Event{Type: notify.EventBackupCompleted, Ref: rec.ID})
}

func (c *Coordinator) emit(evt notify.Event) {
	if c.deps.Events == nil {
		return
	}
	if evt.Time == 0 {
		evt.Time = c.now().UnixNano()
	}
	if err := c.deps.Events.Notify(evt); err != nil {
		c.logger.Warn("event not written", "type", evt.Type, "error", err)
	}
}

func (c *Coordinator) guardConfig(name string) llm.GuardConfig {
	a := c.config.Analysis
	return llm.GuardConfig{
		Name:           name,
		Timeout:        a.Timeout,
		MaxFailures:    a.MaxFailures,
		BreakerTimeout: a.BreakerTimeout,
		RequestsPerSec: a.RequestsPerSec,
		Burst:          a.Burst,
	}
}

func (c *Coordinator) cacheConfig(name string) cache.Config {
	cc := c.config.Cache
	return cache.Config{
		Name:           name,
		MaxEntries:     cc.MaxEntries,
		MaxSizeBytes:   cc.MaxSizeBytes,
		DefaultTTL:     cc.DefaultTTL,
		SweepInterval:  cc.SweepInterval,
		LatencySamples: cc.LatencySamples,
		Clock:          c.deps.Clock,
	}
}
