// Package shortterm holds the full raw data of the most recent chapters plus
// derived caches: character states, formatted context, and generation scratch
// state. Retention is by chapter id, not by access: the oldest ids go first.
package shortterm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/scrypster/loom/internal/backup"
	"github.com/scrypster/loom/internal/cache"
	"github.com/scrypster/loom/internal/keys"
	"github.com/scrypster/loom/internal/narrative"
	"github.com/scrypster/loom/internal/storage"
	"github.com/scrypster/loom/pkg/types"
)

const tierDir = string(types.TierShortTerm)

var indexPath = storage.MetadataPath(tierDir, "index")

// Config configures the short-term tier.
type Config struct {
	// RetentionWindow is the number of chapters kept in full (default: 5).
	RetentionWindow int

	// Cache configures the character-state and formatting caches.
	Cache cache.Config

	// Generation configures the generation scratch cache.
	Generation GenerationConfig

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// IngestResult reports what Ingest did.
type IngestResult struct {
	ChapterID int   `json:"chapter_id"`
	Skipped   bool  `json:"skipped"` // content unchanged, nothing re-extracted
	Evicted   []int `json:"evicted,omitempty"`
}

type index struct {
	IDs       []int          `json:"ids"`
	Hashes    map[int]string `json:"hashes"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Tier is the short-term memory tier.
type Tier struct {
	store  storage.Provider
	config Config
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	entries map[int]*types.TierEntry

	characters *cache.Cache[types.CharacterState]
	formatted  *cache.Cache[string]
	generation *GenerationCache

	errors atomic.Int64
}

// New creates a short-term tier over store. Call Load to restore persisted state.
func New(store storage.Provider, config Config, logger *slog.Logger) (*Tier, error) {
	if store == nil {
		return nil, fmt.Errorf("shortterm: storage provider is required")
	}
	if config.RetentionWindow <= 0 {
		config.RetentionWindow = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("tier", types.TierShortTerm)
	now := config.Clock
	if now == nil {
		now = time.Now
	}

	charCfg := config.Cache
	charCfg.Name = "shortterm-characters"
	charCfg.Clock = config.Clock
	characters, err := cache.New[types.CharacterState](charCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("shortterm: character cache: %w", err)
	}
	fmtCfg := config.Cache
	fmtCfg.Name = "shortterm-formatting"
	fmtCfg.Clock = config.Clock
	formatted, err := cache.New[string](fmtCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("shortterm: formatting cache: %w", err)
	}
	genCfg := config.Generation
	if genCfg.Clock == nil {
		genCfg.Clock = config.Clock
	}

	return &Tier{
		store:      store,
		config:     config,
		logger:     logger,
		now:        now,
		entries:    make(map[int]*types.TierEntry),
		characters: characters,
		formatted:  formatted,
		generation: NewGenerationCache(genCfg, logger),
	}, nil
}

// Load restores entries from storage. Unreadable chapter files are skipped
// and counted as errors.
func (t *Tier) Load(ctx context.Context) error {
	var idx index
	err := storage.ReadJSON(ctx, t.store, indexPath, &idx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		t.errors.Add(1)
		return fmt.Errorf("shortterm: load index: %w", err)
	}

	loaded := make(map[int]*types.TierEntry, len(idx.IDs))
	for _, id := range idx.IDs {
		var e types.TierEntry
		if err := storage.ReadJSON(ctx, t.store, storage.ChapterPath(tierDir, id), &e); err != nil {
			t.errors.Add(1)
			t.logger.Warn("skipping unreadable chapter", "chapter_id", id, "error", err)
			continue
		}
		if e.Chapter == nil || e.Chapter.ID != id {
			t.errors.Add(1)
			t.logger.Warn("skipping mismatched chapter file", "chapter_id", id)
			continue
		}
		loaded[id] = &e
	}

	t.mu.Lock()
	t.entries = loaded
	evicted := t.enforceWindowLocked()
	t.mu.Unlock()

	t.invalidateDerived()
	for _, id := range evicted {
		_ = t.store.Delete(ctx, storage.ChapterPath(tierDir, id))
	}
	if len(evicted) > 0 {
		if err := t.writeIndex(ctx); err != nil {
			return err
		}
	}
	t.logger.Info("short-term tier loaded", "chapters", len(loaded)-len(evicted))
	return nil
}

// Ingest stores a chapter. A chapter whose content hash matches the stored
// entry is skipped without re-extraction. Chapters beyond the retention
// window are evicted in ascending id order.
func (t *Tier) Ingest(ctx context.Context, ch *types.Chapter) (*IngestResult, error) {
	if err := ch.Validate(); err != nil {
		return nil, err
	}
	hash := ch.ContentHash()
	res := &IngestResult{ChapterID: ch.ID}

	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.entries[ch.ID]; ok && prev.ContentHash == hash {
		res.Skipped = true
		return res, nil
	}

	now := t.now()
	entry := &types.TierEntry{
		Chapter:         ch.Clone(),
		ContentHash:     hash,
		KeyPhrases:      narrative.KeyPhrases(ch.Body),
		CharacterStates: narrative.Characters(ch),
		IngestedAt:      now,
		UpdatedAt:       now,
		ExtractionRuns:  1,
	}
	if prev, ok := t.entries[ch.ID]; ok {
		entry.IngestedAt = prev.IngestedAt
		entry.ExtractionRuns = prev.ExtractionRuns + 1
		entry.Quality = prev.Quality
	}

	if err := storage.WriteJSON(ctx, t.store, storage.ChapterPath(tierDir, ch.ID), entry); err != nil {
		t.errors.Add(1)
		return nil, fmt.Errorf("shortterm: persist chapter %d: %w", ch.ID, err)
	}
	t.entries[ch.ID] = entry
	res.Evicted = t.enforceWindowLocked()

	for _, id := range res.Evicted {
		if err := t.store.Delete(ctx, storage.ChapterPath(tierDir, id)); err != nil {
			t.errors.Add(1)
			t.logger.Warn("failed to delete evicted chapter", "chapter_id", id, "error", err)
		}
	}
	if err := t.writeIndexLocked(ctx); err != nil {
		t.errors.Add(1)
		return nil, err
	}
	t.invalidateDerived()

	t.logger.Debug("chapter ingested",
		"chapter_id", ch.ID,
		"key_phrases", len(entry.KeyPhrases),
		"characters", len(entry.CharacterStates),
		"evicted", res.Evicted)
	return res, nil
}

// SetQuality records quality scores on a held chapter.
func (t *Tier) SetQuality(ctx context.Context, id int, q types.QualityScores) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return fmt.Errorf("shortterm: chapter %d not held", id)
	}
	updated := *e
	updated.Quality = &q
	updated.UpdatedAt = t.now()
	if err := storage.WriteJSON(ctx, t.store, storage.ChapterPath(tierDir, id), &updated); err != nil {
		t.errors.Add(1)
		return fmt.Errorf("shortterm: persist quality %d: %w", id, err)
	}
	t.entries[id] = &updated
	return nil
}

// Get returns a copy of the entry for id.
func (t *Tier) Get(id int) (*types.TierEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[id]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

// IDs returns held chapter ids in ascending order.
func (t *Tier) IDs() []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.idsLocked()
}

// Recent returns up to n entries, newest first. n <= 0 returns all.
func (t *Tier) Recent(n int) []*types.TierEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := t.idsLocked()
	if n <= 0 || n > len(ids) {
		n = len(ids)
	}
	out := make([]*types.TierEntry, 0, n)
	for i := len(ids) - 1; i >= len(ids)-n; i-- {
		out = append(out, t.entries[ids[i]].Clone())
	}
	return out
}

// CharacterState returns the most recent known state of a character, merged
// across held chapters. Results are cached until the next ingest.
func (t *Tier) CharacterState(name string) (types.CharacterState, bool) {
	key := keys.New(keys.NamespaceShortTerm, "character", strings.ToLower(name)).String()
	if st, ok := t.characters.Get(key); ok {
		return st, true
	}

	st, ok := t.mergeCharacter(name)
	if !ok {
		return types.CharacterState{}, false
	}
	if err := t.characters.Set(key, st, cache.SetOptions{Tags: []string{"character"}}); err != nil {
		t.logger.Debug("character cache set failed", "character", name, "error", err)
	}
	return st, true
}

// Characters returns the merged state of every character seen in held chapters.
func (t *Tier) Characters() []types.CharacterState {
	sorted := t.characterNames()

	out := make([]types.CharacterState, 0, len(sorted))
	for _, n := range sorted {
		if st, ok := t.CharacterState(n); ok {
			out = append(out, st)
		}
	}
	return out
}

func (t *Tier) characterNames() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make(map[string]bool)
	for _, e := range t.entries {
		for n := range e.CharacterStates {
			names[n] = true
		}
	}
	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)
	return sorted
}

func (t *Tier) mergeCharacter(name string) (types.CharacterState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.mergeCharacterLocked(name)
}

// mergeCharacterLocked folds a character's states across chapters in id
// order; later chapters overwrite moods and relationships.
func (t *Tier) mergeCharacterLocked(name string) (types.CharacterState, bool) {
	var merged types.CharacterState
	found := false
	for _, id := range t.idsLocked() {
		st, ok := lookupCharacter(t.entries[id].CharacterStates, name)
		if !ok {
			continue
		}
		if !found {
			merged = types.CharacterState{Name: st.Name}
			found = true
		}
		merged.Mentions += st.Mentions
		merged.LastSeenChapter = st.LastSeenChapter
		if len(st.Moods) > 0 {
			merged.Moods = append([]string(nil), st.Moods...)
		}
		for other, rel := range st.Relationships {
			if merged.Relationships == nil {
				merged.Relationships = make(map[string]string)
			}
			merged.Relationships[other] = rel
		}
	}
	return merged, found
}

func lookupCharacter(states map[string]types.CharacterState, name string) (types.CharacterState, bool) {
	if st, ok := states[name]; ok {
		return st, true
	}
	for n, st := range states {
		if strings.EqualFold(n, name) {
			return st, true
		}
	}
	return types.CharacterState{}, false
}

// FormatContext renders the n most recent chapters as prompt-ready text.
// Output is cached per chapter set until the next ingest.
func (t *Tier) FormatContext(n int) string {
	recent := t.Recent(n)
	parts := make([]string, 0, len(recent))
	for _, e := range recent {
		parts = append(parts, strconv.Itoa(e.Chapter.ID)+"@"+e.ContentHash[:12])
	}
	key := keys.New(keys.NamespaceShortTerm, "format", parts...).String()
	if s, ok := t.formatted.Get(key); ok {
		return s
	}

	var b strings.Builder
	for i := len(recent) - 1; i >= 0; i-- {
		e := recent[i]
		fmt.Fprintf(&b, "Chapter %d: %s\n", e.Chapter.ID, e.Chapter.Title)
		if len(e.KeyPhrases) > 0 {
			fmt.Fprintf(&b, "Key phrases: %s\n", strings.Join(e.KeyPhrases, "; "))
		}
		names := make([]string, 0, len(e.CharacterStates))
		for name := range e.CharacterStates {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			st := e.CharacterStates[name]
			if len(st.Moods) > 0 {
				fmt.Fprintf(&b, "- %s (%s)\n", name, strings.Join(st.Moods, ", "))
			} else {
				fmt.Fprintf(&b, "- %s\n", name)
			}
		}
		b.WriteString("\n")
	}
	out := strings.TrimRight(b.String(), "\n")
	if err := t.formatted.Set(key, out, cache.SetOptions{Priority: 3}); err != nil {
		t.logger.Debug("format cache set failed", "error", err)
	}
	return out
}

// Search scores held chapters against query terms. Title and key phrase
// matches weigh more than body matches.
func (t *Tier) Search(query string, limit int) []types.SearchResult {
	terms := searchTerms(query)
	if len(terms) == 0 {
		return nil
	}

	out := t.match(terms)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ChapterID > out[j].ChapterID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (t *Tier) match(terms []string) []types.SearchResult {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []types.SearchResult
	for _, id := range t.idsLocked() {
		e := t.entries[id]
		title := strings.ToLower(e.Chapter.Title)
		body := strings.ToLower(e.Chapter.Body)
		phrases := strings.ToLower(strings.Join(e.KeyPhrases, " "))

		hits := 0
		for _, term := range terms {
			hits += 3*strings.Count(title, term) + 2*strings.Count(phrases, term) + strings.Count(body, term)
		}
		if hits == 0 {
			continue
		}
		out = append(out, types.SearchResult{
			Tier:      types.TierShortTerm,
			ChapterID: id,
			Key:       keys.Chapter(keys.NamespaceShortTerm, "chapter", id).String(),
			Snippet:   snippetAround(e.Chapter.Body, terms[0], 160),
			Score:     float64(hits) / float64(hits+5),
		})
	}
	return out
}

// Health reports reachability of the store and whether held entries still
// match their content hashes and the retention window.
func (t *Tier) Health(ctx context.Context) types.TierHealth {
	h := types.TierHealth{Tier: types.TierShortTerm, ErrorCount: t.errors.Load()}

	if _, err := t.store.List(ctx, tierDir+"/"); err != nil {
		h.State = types.HealthUnavailable
		h.Message = err.Error()
		return h
	}
	h.Reachable = true

	h.Entries, h.DataIntegrity = t.integrity()

	switch {
	case !h.DataIntegrity:
		h.State = types.HealthCritical
		h.Message = "entry integrity check failed"
	case h.ErrorCount > 0:
		h.State = types.HealthDegraded
		h.Message = fmt.Sprintf("%d storage errors", h.ErrorCount)
	default:
		h.State = types.HealthHealthy
	}
	return h
}

// Generation returns the generation scratch cache.
func (t *Tier) Generation() *GenerationCache { return t.generation }

// InvalidateChapter drops derived caches that may reference chapter id.
func (t *Tier) InvalidateChapter(id int) {
	t.invalidateDerived()
	t.logger.Debug("derived caches invalidated", "chapter_id", id)
}

// OptimizeCaches runs an optimize pass over the tier's caches.
func (t *Tier) OptimizeCaches() []cache.OptimizeResult {
	return []cache.OptimizeResult{t.characters.Optimize(), t.formatted.Optimize()}
}

// CacheStats returns stats for the tier's caches.
func (t *Tier) CacheStats() []cache.Stats {
	return []cache.Stats{t.characters.Stats(), t.formatted.Stats()}
}

// Start launches the cache sweeps and the generation cleanup timer.
func (t *Tier) Start(ctx context.Context) error {
	if err := t.characters.Start(ctx); err != nil {
		return err
	}
	if err := t.formatted.Start(ctx); err != nil {
		t.characters.Stop()
		return err
	}
	if err := t.generation.Start(ctx); err != nil {
		t.characters.Stop()
		t.formatted.Stop()
		return err
	}
	return nil
}

// Stop stops background timers and waits for them.
func (t *Tier) Stop() {
	t.generation.Stop()
	t.formatted.Stop()
	t.characters.Stop()
}

// BackupComponent describes the tier to the backup engine. A restore
// reloads in-memory state from the restored files.
func (t *Tier) BackupComponent() backup.Component {
	return backup.Component{
		Name:        tierDir,
		Paths:       []string{tierDir + "/"},
		PostRestore: t.Load,
	}
}

func (t *Tier) enforceWindowLocked() []int {
	ids := t.idsLocked()
	over := len(ids) - t.config.RetentionWindow
	if over <= 0 {
		return nil
	}
	evicted := ids[:over]
	for _, id := range evicted {
		delete(t.entries, id)
	}
	return evicted
}

// integrity reports the entry count and whether every entry still matches
// its content hash within the retention window.
func (t *Tier) integrity() (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ok := len(t.entries) <= t.config.RetentionWindow
	for _, e := range t.entries {
		if e.Chapter == nil || e.Chapter.ContentHash() != e.ContentHash {
			ok = false
		}
	}
	return len(t.entries), ok
}

func (t *Tier) idsLocked() []int {
	ids := make([]int, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (t *Tier) writeIndex(ctx context.Context) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.writeIndexLocked(ctx)
}

func (t *Tier) writeIndexLocked(ctx context.Context) error {
	idx := index{IDs: t.idsLocked(), Hashes: make(map[int]string, len(t.entries)), UpdatedAt: t.now()}
	for id, e := range t.entries {
		idx.Hashes[id] = e.ContentHash
	}
	if err := storage.WriteJSON(ctx, t.store, indexPath, idx); err != nil {
		return fmt.Errorf("shortterm: write index: %w", err)
	}
	return nil
}

func (t *Tier) invalidateDerived() {
	t.characters.Clear()
	t.formatted.Clear()
}

func searchTerms(query string) []string {
	var terms []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.Trim(w, `.,;:!?"'()`)
		if len(w) >= 2 {
			terms = append(terms, w)
		}
	}
	return terms
}

// snippetAround returns up to width bytes of body centred on the first
// case-insensitive match of term. term must already be lower case.
func snippetAround(body, term string, width int) string {
	i := foldIndex(body, term)
	if i < 0 {
		i = 0
	}
	start := i - width/2
	if start < 0 {
		start = 0
	}
	end := start + width
	if end > len(body) {
		end = len(body)
	}
	if start > end {
		start = end
	}
	// Avoid cutting a multi-byte rune.
	for start > 0 && start < len(body) && !utf8RuneStart(body[start]) {
		start--
	}
	for end < len(body) && !utf8RuneStart(body[end]) {
		end++
	}
	return strings.TrimSpace(body[start:end])
}

// foldIndex is strings.Index against the lower-cased s, but returns a byte
// offset into s itself. Lower-casing can change a rune's encoded length.
func foldIndex(s, term string) int {
	if term == "" {
		return 0
	}
	for i := range s {
		if hasFoldPrefix(s[i:], term) {
			return i
		}
	}
	return -1
}

func hasFoldPrefix(s, term string) bool {
	for _, want := range term {
		if s == "" {
			return false
		}
		r, n := utf8.DecodeRuneInString(s)
		if r != want && unicode.ToLower(r) != want {
			return false
		}
		s = s[n:]
	}
	return true
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }
