package shortterm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrGenerationNotFound is returned for unknown or expired generation ids.
var ErrGenerationNotFound = errors.New("generation entry not found")

// GenerationStatus is the lifecycle state of a generation entry.
type GenerationStatus string

const (
	GenerationActive    GenerationStatus = "active"
	GenerationCompleted GenerationStatus = "completed"
	GenerationFailed    GenerationStatus = "failed"
)

// GenerationEntry is scratch state for one generation pipeline run.
type GenerationEntry struct {
	ID        string           `json:"id"`
	Stage     string           `json:"stage"`
	Status    GenerationStatus `json:"status"`
	Data      json.RawMessage  `json:"data,omitempty"`
	Error     string           `json:"error,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Decode unmarshals the entry payload into v.
func (e GenerationEntry) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// GenerationConfig configures a GenerationCache.
type GenerationConfig struct {
	MaxAge       time.Duration // default: 4h
	MaxActive    int           // default: 50
	CleanupEvery time.Duration // default: 15m
	Clock        func() time.Time
}

// GenerationCache holds per-pipeline-stage scratch state with its own
// age-based expiry and a hard cap on entries.
type GenerationCache struct {
	config GenerationConfig
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*GenerationEntry

	cancel context.CancelFunc
	done   chan struct{}
}

// NewGenerationCache creates a cache, filling defaults for zero fields.
func NewGenerationCache(config GenerationConfig, logger *slog.Logger) *GenerationCache {
	if config.MaxAge <= 0 {
		config.MaxAge = 4 * time.Hour
	}
	if config.MaxActive <= 0 {
		config.MaxActive = 50
	}
	if config.CleanupEvery <= 0 {
		config.CleanupEvery = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &GenerationCache{
		config:  config,
		logger:  logger,
		now:     config.Clock,
		entries: make(map[string]*GenerationEntry),
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g
}

// Create stores data for stage under a new id. When the cache is full the
// oldest completed entries are reclaimed first, then the oldest overall.
func (g *GenerationCache) Create(stage string, data any) (string, error) {
	raw, err := marshalData(data)
	if err != nil {
		return "", err
	}
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	g.cleanupLocked(now)
	if over := len(g.entries) - g.config.MaxActive + 1; over > 0 {
		g.reclaimLocked(over)
	}

	id := uuid.NewString()
	g.entries[id] = &GenerationEntry{
		ID:        id,
		Stage:     stage,
		Status:    GenerationActive,
		Data:      raw,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return id, nil
}

// Update replaces the stage and payload of an active entry.
func (g *GenerationCache) Update(id, stage string, data any) error {
	raw, err := marshalData(data)
	if err != nil {
		return err
	}
	return g.mutate(id, func(e *GenerationEntry) {
		if stage != "" {
			e.Stage = stage
		}
		if raw != nil {
			e.Data = raw
		}
	})
}

// Complete marks an entry completed, making it the first to be reclaimed.
func (g *GenerationCache) Complete(id string) error {
	return g.mutate(id, func(e *GenerationEntry) { e.Status = GenerationCompleted })
}

// Fail marks an entry failed with cause.
func (g *GenerationCache) Fail(id string, cause error) error {
	return g.mutate(id, func(e *GenerationEntry) {
		e.Status = GenerationFailed
		if cause != nil {
			e.Error = cause.Error()
		}
	})
}

// Get returns a copy of the entry. Entries older than MaxAge are absent.
func (g *GenerationCache) Get(id string) (GenerationEntry, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[id]
	if !ok {
		return GenerationEntry{}, false
	}
	if g.expired(e, g.now()) {
		delete(g.entries, id)
		return GenerationEntry{}, false
	}
	return *e, true
}

// Delete removes an entry.
func (g *GenerationCache) Delete(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.entries[id]
	delete(g.entries, id)
	return ok
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (g *GenerationCache) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

// Cleanup removes expired entries and returns how many were removed.
func (g *GenerationCache) Cleanup() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cleanupLocked(g.now())
}

// Start runs Cleanup every CleanupEvery until ctx is cancelled or Stop is called.
func (g *GenerationCache) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		return fmt.Errorf("generation cleanup already running")
	}
	ctx, g.cancel = context.WithCancel(ctx)
	g.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(g.config.CleanupEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := g.Cleanup(); n > 0 {
					g.logger.Debug("generation cache cleanup", "removed", n)
				}
			}
		}
	}(g.done)
	return nil
}

// Stop cancels the cleanup timer and waits for it to exit.
func (g *GenerationCache) Stop() {
	g.mu.Lock()
	cancel, done := g.cancel, g.done
	g.cancel, g.done = nil, nil
	g.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (g *GenerationCache) mutate(id string, fn func(*GenerationEntry)) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	e, ok := g.entries[id]
	if !ok || g.expired(e, now) {
		delete(g.entries, id)
		return fmt.Errorf("%w: %s", ErrGenerationNotFound, id)
	}
	fn(e)
	e.UpdatedAt = now
	return nil
}

func (g *GenerationCache) expired(e *GenerationEntry, now time.Time) bool {
	return now.Sub(e.CreatedAt) > g.config.MaxAge
}

func (g *GenerationCache) cleanupLocked(now time.Time) int {
	removed := 0
	for id, e := range g.entries {
		if g.expired(e, now) {
			delete(g.entries, id)
			removed++
		}
	}
	return removed
}

// reclaimLocked removes n entries: oldest completed first, then oldest overall.
func (g *GenerationCache) reclaimLocked(n int) {
	all := make([]*GenerationEntry, 0, len(g.entries))
	for _, e := range g.entries {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool {
		ci, cj := all[i].Status == GenerationCompleted, all[j].Status == GenerationCompleted
		if ci != cj {
			return ci
		}
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})
	for i := 0; i < n && i < len(all); i++ {
		delete(g.entries, all[i].ID)
		g.logger.Debug("generation entry reclaimed", "id", all[i].ID, "status", all[i].Status)
	}
}

func marshalData(data any) (json.RawMessage, error) {
	if data == nil {
		return nil, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode generation data: %w", err)
	}
	return b, nil
}
