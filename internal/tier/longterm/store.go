// Package longterm is the durable knowledge tier: consolidated character and
// world facts plus plot threads, stored in SQLite with full-text search.
package longterm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/scrypster/loom/pkg/types"
)

var (
	// ErrNotFound is returned when a knowledge key does not exist.
	ErrNotFound = errors.New("knowledge not found")

	// ErrInvalidKnowledge is returned for knowledge without a key or with an unknown kind.
	ErrInvalidKnowledge = errors.New("invalid knowledge")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("long-term store is closed")
)

// Store is the SQLite-backed long-term tier.
type Store struct {
	path   string
	logger *slog.Logger
	now    func() time.Time

	// mu guards db; Restore swaps the handle under the write lock.
	mu sync.RWMutex
	db *sql.DB

	errors atomic.Int64
}

// Open opens or creates the knowledge database at path. The caller treats a
// failure as fatal.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("longterm: database path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("longterm: create directory: %w", err)
	}
	db, err := openDB(path)
	if err != nil {
		return nil, fmt.Errorf("longterm: %w", err)
	}
	s := &Store{
		path:   path,
		logger: logger.With("tier", types.TierLongTerm),
		now:    time.Now,
		db:     db,
	}
	s.logger.Info("long-term store opened", "path", path)
	return s, nil
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection serialises writers; WAL keeps readers unblocked.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := newMigrator(db).Up(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// SetClock overrides the clock used for UpdatedAt, for tests.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// UpsertKnowledge inserts or replaces the fact with k.Key.
func (s *Store) UpsertKnowledge(ctx context.Context, k types.Knowledge) error {
	if strings.TrimSpace(k.Key) == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidKnowledge)
	}
	switch k.Kind {
	case types.KnowledgeCharacter, types.KnowledgeWorld, types.KnowledgePlot:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidKnowledge, k.Kind)
	}
	if k.UpdatedAt.IsZero() {
		k.UpdatedAt = s.now()
	}

	const q = `
		INSERT INTO knowledge (key, kind, content, source_chapter, resolved, confidence, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			kind = excluded.kind,
			content = excluded.content,
			source_chapter = excluded.source_chapter,
			resolved = excluded.resolved,
			confidence = excluded.confidence,
			updated_at = excluded.updated_at
	`
	return s.exec(ctx, "upsert", q,
		k.Key, string(k.Kind), k.Content, k.SourceChapter, boolToInt(k.Resolved), k.Confidence, formatTime(k.UpdatedAt))
}

// Get returns the fact with key.
func (s *Store) Get(ctx context.Context, key string) (*types.Knowledge, error) {
	db, unlock, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer unlock()

	row := db.QueryRowContext(ctx, `SELECT `+knowledgeColumns+` FROM knowledge WHERE key = ?`, key)
	k, err := scanKnowledge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		s.errors.Add(1)
		return nil, fmt.Errorf("longterm: get %s: %w", key, err)
	}
	return k, nil
}

// GetUnresolved returns open plot threads ordered by the chapter that introduced them.
func (s *Store) GetUnresolved(ctx context.Context) ([]types.Knowledge, error) {
	return s.query(ctx, "unresolved",
		`SELECT `+knowledgeColumns+` FROM knowledge WHERE kind = ? AND resolved = 0 ORDER BY source_chapter, key`,
		string(types.KnowledgePlot))
}

// ListByKind returns every fact of kind, ordered by key.
func (s *Store) ListByKind(ctx context.Context, kind types.KnowledgeKind) ([]types.Knowledge, error) {
	return s.query(ctx, "list",
		`SELECT `+knowledgeColumns+` FROM knowledge WHERE kind = ? ORDER BY key`, string(kind))
}

// ResolveThread marks the plot thread with key resolved as of chapterID.
func (s *Store) ResolveThread(ctx context.Context, key string, chapterID int) error {
	db, unlock, err := s.acquire()
	if err != nil {
		return err
	}
	defer unlock()

	res, err := db.ExecContext(ctx,
		`UPDATE knowledge SET resolved = 1, source_chapter = MAX(source_chapter, ?), updated_at = ? WHERE key = ? AND kind = ?`,
		chapterID, formatTime(s.now()), key, string(types.KnowledgePlot))
	if err != nil {
		s.errors.Add(1)
		return fmt.Errorf("longterm: resolve %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: plot thread %s", ErrNotFound, key)
	}
	return nil
}

// Search runs a full-text query over keys and content. Scores are in (0,1),
// higher is better.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]types.SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}
	match := sanitiseFTSQuery(query)
	if match == "" {
		return nil, nil
	}

	db, unlock, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer unlock()

	const q = `
		SELECT k.key, k.source_chapter, k.content, bm25(knowledge_fts)
		FROM knowledge_fts
		JOIN knowledge k ON k.id = knowledge_fts.rowid
		WHERE knowledge_fts MATCH ?
		ORDER BY rank
		LIMIT ?
	`
	rows, err := db.QueryContext(ctx, q, match, limit)
	if err != nil {
		s.errors.Add(1)
		return nil, fmt.Errorf("longterm: search MATCH %q: %w", query, err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.SearchResult
	for rows.Next() {
		var (
			key, content string
			chapter      int
			rank         float64
		)
		if err := rows.Scan(&key, &chapter, &content, &rank); err != nil {
			return nil, fmt.Errorf("longterm: search scan: %w", err)
		}
		// bm25 is negative; more negative is a better match.
		r := -rank
		if r < 0 {
			r = 0
		}
		out = append(out, types.SearchResult{
			Tier:      types.TierLongTerm,
			ChapterID: chapter,
			Key:       key,
			Snippet:   snippet(content, 160),
			Score:     r / (1 + r),
		})
	}
	return out, rows.Err()
}

// Count returns the number of stored facts.
func (s *Store) Count(ctx context.Context) (int64, error) {
	db, unlock, err := s.acquire()
	if err != nil {
		return 0, err
	}
	defer unlock()

	var n int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM knowledge`).Scan(&n); err != nil {
		return 0, fmt.Errorf("longterm: count: %w", err)
	}
	return n, nil
}

// SchemaVersion returns the highest applied schema migration.
func (s *Store) SchemaVersion(ctx context.Context) (uint, error) {
	db, unlock, err := s.acquire()
	if err != nil {
		return 0, err
	}
	defer unlock()
	return (&migrator{db: db}).Version(ctx)
}

// Health runs a quick integrity check and reports the tier state.
func (s *Store) Health(ctx context.Context) types.TierHealth {
	h := types.TierHealth{Tier: types.TierLongTerm, ErrorCount: s.errors.Load()}

	db, unlock, err := s.acquire()
	if err != nil {
		h.State = types.HealthUnavailable
		h.Message = err.Error()
		return h
	}
	defer unlock()

	if err := db.PingContext(ctx); err != nil {
		h.State = types.HealthUnavailable
		h.Message = err.Error()
		return h
	}
	h.Reachable = true

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil || result != "ok" {
		h.State = types.HealthCritical
		h.Message = fmt.Sprintf("quick_check: %s %v", result, err)
		return h
	}
	h.DataIntegrity = true
	_ = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM knowledge`).Scan(&h.Entries)

	h.State = types.HealthHealthy
	if h.ErrorCount > 0 {
		h.State = types.HealthDegraded
		h.Message = fmt.Sprintf("%d query errors", h.ErrorCount)
	}
	return h
}

// Close flushes the WAL into the main database file and releases the handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Warn("WAL checkpoint on close failed", "error", err)
	}
	err := s.db.Close()
	s.db = nil
	return err
}

const knowledgeColumns = `key, kind, content, source_chapter, resolved, confidence, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKnowledge(row rowScanner) (*types.Knowledge, error) {
	var (
		k        types.Knowledge
		kind     string
		resolved int
		updated  string
	)
	if err := row.Scan(&k.Key, &kind, &k.Content, &k.SourceChapter, &resolved, &k.Confidence, &updated); err != nil {
		return nil, err
	}
	k.Kind = types.KnowledgeKind(kind)
	k.Resolved = resolved != 0
	k.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &k, nil
}

func (s *Store) query(ctx context.Context, op, q string, args ...any) ([]types.Knowledge, error) {
	db, unlock, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer unlock()

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		s.errors.Add(1)
		return nil, fmt.Errorf("longterm: %s: %w", op, err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.Knowledge
	for rows.Next() {
		k, err := scanKnowledge(rows)
		if err != nil {
			return nil, fmt.Errorf("longterm: %s scan: %w", op, err)
		}
		out = append(out, *k)
	}
	return out, rows.Err()
}

func (s *Store) exec(ctx context.Context, op, q string, args ...any) error {
	db, unlock, err := s.acquire()
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := db.ExecContext(ctx, q, args...); err != nil {
		s.errors.Add(1)
		return fmt.Errorf("longterm: %s: %w", op, err)
	}
	return nil
}

// acquire read-locks the handle for the duration of one operation.
func (s *Store) acquire() (*sql.DB, func(), error) {
	s.mu.RLock()
	if s.db == nil {
		s.mu.RUnlock()
		return nil, nil, ErrClosed
	}
	return s.db, s.mu.RUnlock, nil
}

// sanitiseFTSQuery turns free-form input into an OR of prefix terms that
// FTS5 MATCH accepts.
func sanitiseFTSQuery(query string) string {
	replacer := strings.NewReplacer(
		`"`, ` `, `'`, ` `, `(`, ` `, `)`, ` `, `*`, ` `,
		`-`, ` `, `^`, ` `, `?`, ` `, `:`, ` `, `.`, ` `, `,`, ` `,
	)
	var terms []string
	for _, w := range strings.Fields(strings.ToLower(replacer.Replace(query))) {
		if len(w) < 2 || stopWords[w] {
			continue
		}
		terms = append(terms, `"`+w+`"*`)
	}
	return strings.Join(terms, " OR ")
}

var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "was": true, "were": true,
	"to": true, "of": true, "in": true, "on": true, "at": true, "by": true, "for": true,
	"with": true, "from": true, "and": true, "or": true, "not": true, "but": true,
	"what": true, "who": true, "where": true, "when": true, "how": true, "it": true,
}

func snippet(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
