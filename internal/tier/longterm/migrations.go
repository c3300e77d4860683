package longterm

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// migrator applies the numbered NNN_name.up.sql / NNN_name.down.sql files
// under migrations/ in order, tracking the applied versions in a
// schema_migrations table.
type migrator struct {
	db   *sql.DB
	fsys fs.FS
	dir  string
}

type migration struct {
	version uint
	name    string
	up      string
	down    string
}

func newMigrator(db *sql.DB) *migrator {
	return &migrator{db: db, fsys: migrationFiles, dir: "migrations"}
}

func (m *migrator) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`)
	return err
}

// Up applies every migration newer than the current version, each in its
// own transaction. It returns the number applied.
func (m *migrator) Up(ctx context.Context) (int, error) {
	if err := m.ensureTable(ctx); err != nil {
		return 0, fmt.Errorf("migrations: create schema table: %w", err)
	}
	all, err := m.load()
	if err != nil {
		return 0, err
	}
	current, err := m.Version(ctx)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, mg := range all {
		if mg.version <= current {
			continue
		}
		if err := m.apply(ctx, mg.up, `INSERT INTO schema_migrations (version) VALUES (?)`, mg.version); err != nil {
			return applied, fmt.Errorf("migrations: apply %03d_%s: %w", mg.version, mg.name, err)
		}
		applied++
	}
	return applied, nil
}

// Down rolls back every applied migration, newest first.
func (m *migrator) Down(ctx context.Context) error {
	all, err := m.load()
	if err != nil {
		return err
	}
	current, err := m.Version(ctx)
	if err != nil {
		return err
	}
	for i := len(all) - 1; i >= 0; i-- {
		mg := all[i]
		if mg.version > current {
			continue
		}
		if mg.down == "" {
			return fmt.Errorf("migrations: %03d_%s has no down file", mg.version, mg.name)
		}
		if err := m.apply(ctx, mg.down, `DELETE FROM schema_migrations WHERE version = ?`, mg.version); err != nil {
			return fmt.Errorf("migrations: roll back %03d_%s: %w", mg.version, mg.name, err)
		}
	}
	return nil
}

func (m *migrator) apply(ctx context.Context, file, record string, version uint) error {
	script, err := fs.ReadFile(m.fsys, file)
	if err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, string(script)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, record, version); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Version returns the highest applied version, 0 when none.
func (m *migrator) Version(ctx context.Context) (uint, error) {
	var v uint
	if err := m.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, fmt.Errorf("migrations: query version: %w", err)
	}
	return v, nil
}

// load pairs up and down files by version and sorts them ascending. Files
// without a numeric prefix are ignored.
func (m *migrator) load() ([]migration, error) {
	entries, err := fs.ReadDir(m.fsys, m.dir)
	if err != nil {
		return nil, fmt.Errorf("migrations: read %s: %w", m.dir, err)
	}

	byVersion := make(map[uint]*migration)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		prefix, rest, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		n, err := strconv.ParseUint(prefix, 10, 32)
		if err != nil {
			continue
		}
		mg, ok := byVersion[uint(n)]
		if !ok {
			mg = &migration{version: uint(n)}
			byVersion[uint(n)] = mg
		}
		full := path.Join(m.dir, name)
		switch {
		case strings.HasSuffix(rest, ".up.sql"):
			mg.name = strings.TrimSuffix(rest, ".up.sql")
			mg.up = full
		case strings.HasSuffix(rest, ".down.sql"):
			mg.down = full
		}
	}

	out := make([]migration, 0, len(byVersion))
	for _, mg := range byVersion {
		if mg.up != "" {
			out = append(out, *mg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}
