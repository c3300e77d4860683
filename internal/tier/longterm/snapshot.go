package longterm

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/scrypster/loom/internal/backup"
	"github.com/scrypster/loom/internal/storage"
	"github.com/scrypster/loom/pkg/types"
)

// SnapshotPath is where the backup component stages the database snapshot
// inside the storage provider.
var SnapshotPath = path.Join(string(types.TierLongTerm), "knowledge-snapshot.db")

// Snapshot returns a consistent point-in-time copy of the database.
// VACUUM INTO handles WAL mode and produces a compacted file.
func (s *Store) Snapshot(ctx context.Context) ([]byte, error) {
	db, unlock, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer unlock()

	dir, err := os.MkdirTemp("", "loom-snapshot-*")
	if err != nil {
		return nil, fmt.Errorf("longterm: snapshot temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	dest := filepath.Join(dir, "knowledge.db")
	if _, err := db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", strings.ReplaceAll(dest, "'", "''"))); err != nil {
		return nil, fmt.Errorf("longterm: snapshot: %w", err)
	}
	return os.ReadFile(dest)
}

// VerifySnapshot checks that data is a SQLite database that passes
// integrity_check and carries the knowledge table.
func VerifySnapshot(data []byte) error {
	dir, err := os.MkdirTemp("", "loom-verify-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.RemoveAll(dir) }()

	p := filepath.Join(dir, "verify.db")
	if err := os.WriteFile(p, data, 0o600); err != nil {
		return err
	}
	return verifyFile(p)
}

func verifyFile(file string) error {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", file))
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'knowledge'`).Scan(&n); err != nil {
		return fmt.Errorf("inspect snapshot: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("snapshot has no knowledge table")
	}
	return nil
}

// Restore replaces the live database with a verified snapshot and reopens it.
func (s *Store) Restore(ctx context.Context, data []byte) error {
	if err := VerifySnapshot(data); err != nil {
		return fmt.Errorf("longterm: restore: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			s.logger.Warn("WAL checkpoint before restore failed", "error", err)
		}
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("longterm: close before restore: %w", err)
		}
		s.db = nil
	}

	tmp := s.path + ".restore"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("longterm: stage restore: %w", err)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(s.path + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("longterm: remove %s: %w", suffix, err)
		}
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("longterm: swap database: %w", err)
	}

	db, err := openDB(s.path)
	if err != nil {
		return fmt.Errorf("longterm: reopen after restore: %w", err)
	}
	s.db = db
	s.logger.Info("long-term store restored from snapshot", "bytes", len(data))
	return nil
}

// BackupComponent describes the long-term tier to the backup engine. The
// database is snapshotted into store before each backup and reloaded from
// the restored snapshot afterwards.
func (s *Store) BackupComponent(store storage.Provider) backup.Component {
	return backup.Component{
		Name:  string(types.TierLongTerm),
		Paths: []string{SnapshotPath},
		PreBackup: func(ctx context.Context) error {
			data, err := s.Snapshot(ctx)
			if err != nil {
				return err
			}
			return store.Write(ctx, SnapshotPath, data)
		},
		Validate: func(_ string, data []byte) error {
			return VerifySnapshot(data)
		},
		PostRestore: func(ctx context.Context) error {
			data, err := store.Read(ctx, SnapshotPath)
			if err != nil {
				return err
			}
			return s.Restore(ctx, data)
		},
	}
}
