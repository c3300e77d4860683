// Package backup provides snapshot and incremental backup of named storage
// components with checksum verification, restore, scheduling, and retention.
package backup

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrBackupInProgress is returned when a backup or restore is already running.
	ErrBackupInProgress = errors.New("another backup operation is in progress")

	// ErrNoBaseBackup is returned when an incremental backup has no completed base.
	ErrNoBaseBackup = errors.New("no completed full backup to use as base")

	// ErrBaseMissing is returned when a backup's base chain is incomplete.
	ErrBaseMissing = errors.New("backup base chain is missing or not completed")

	// ErrBackupNotFound is returned for unknown backup ids.
	ErrBackupNotFound = errors.New("backup not found")

	// ErrNoComponents is returned when nothing is registered to back up.
	ErrNoComponents = errors.New("no backup components registered")

	// ErrUnknownComponent is returned for component names that are not registered.
	ErrUnknownComponent = errors.New("unknown backup component")
)

// Kind classifies a backup.
type Kind string

const (
	KindFull        Kind = "full"
	KindIncremental Kind = "incremental"
	KindManual      Kind = "manual"
)

// Status is the lifecycle state of a backup.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Record is the catalog entry for one backup.
type Record struct {
	ID           string     `json:"id"`
	Kind         Kind       `json:"kind"`
	Status       Status     `json:"status"`
	Description  string     `json:"description,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	SizeBytes    int64      `json:"size_bytes"`
	FileCount    int        `json:"file_count"`
	SkippedFiles int        `json:"skipped_files,omitempty"`
	Checksum     string     `json:"checksum,omitempty"`
	BaseBackupID string     `json:"base_backup_id,omitempty"`
	Components   []string   `json:"components"`
	Error        string     `json:"error,omitempty"`
}

// IsBase reports whether r can anchor an incremental chain.
func (r *Record) IsBase() bool {
	return r.Status == StatusCompleted && (r.Kind == KindFull || r.Kind == KindIncremental)
}

// ManifestFile describes one file stored inside a backup.
type ManifestFile struct {
	Component string    `json:"component"`
	Path      string    `json:"path"` // original storage path
	Size      int64     `json:"size"`
	ModTime   time.Time `json:"mod_time"`
	SHA256    string    `json:"sha256"`
}

// Manifest lists the files stored in one backup.
type Manifest struct {
	BackupID string         `json:"backup_id"`
	Files    []ManifestFile `json:"files"`
}

// Component is a named group of storage paths backed up together.
type Component struct {
	// Name is used as the directory name inside a backup.
	Name string

	// Paths are storage prefixes ("shortterm/") or exact file paths.
	Paths []string

	// PreBackup runs before the component's files are collected, e.g. to
	// write a consistent snapshot of a database into one of Paths.
	PreBackup func(ctx context.Context) error

	// Validate checks a restored file. Nil means .json files must parse.
	Validate func(path string, data []byte) error

	// PostRestore runs after the component's files were restored.
	PostRestore func(ctx context.Context) error
}

// Config holds backup engine configuration.
type Config struct {
	// FullInterval is the period between scheduled full backups (default: 24h).
	FullInterval time.Duration

	// IncrementalInterval is the period between scheduled incrementals (default: 1h).
	IncrementalInterval time.Duration

	// RetentionDays deletes backups older than this many days. Zero disables.
	RetentionDays int

	// MaxBackups caps the number of stored backups. Zero disables.
	MaxBackups int

	// VerifyAfterBackup re-reads and checksums each backup after writing it.
	VerifyAfterBackup bool

	// OnComplete, if set, is called with a copy of every backup record that
	// reached StatusCompleted.
	OnComplete func(Record)

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// RestoreOptions configure RestoreData.
type RestoreOptions struct {
	BackupID              string
	Components            []string // empty restores every component in the backup
	DryRun                bool
	Overwrite             bool
	ValidateBeforeRestore bool
}

// RestoreResult reports a restore per component. Success is true when at
// least one component restored.
type RestoreResult struct {
	Success            bool              `json:"success"`
	BackupID           string            `json:"backup_id"`
	Chain              []string          `json:"chain"`
	DryRun             bool              `json:"dry_run"`
	RestoredComponents []string          `json:"restored_components"`
	FailedComponents   []string          `json:"failed_components"`
	FilesRestored      int               `json:"files_restored"`
	FilesSkipped       int               `json:"files_skipped"`
	Errors             map[string]string `json:"errors,omitempty"`
	Duration           time.Duration     `json:"duration"`
	Error              string            `json:"error,omitempty"`
}

// ValidationResult reports the outcome of ValidateBackup.
type ValidationResult struct {
	BackupID         string   `json:"backup_id"`
	Valid            bool     `json:"valid"`
	ChecksumMatch    bool     `json:"checksum_match"`
	FileCountMatch   bool     `json:"file_count_match"`
	BaseChainPresent bool     `json:"base_chain_present"`
	Problems         []string `json:"problems,omitempty"`
}

// CleanupResult reports what a retention pass removed.
type CleanupResult struct {
	Deleted   []string `json:"deleted"`
	Protected []string `json:"protected,omitempty"` // kept because a retained incremental depends on them
	Remaining int      `json:"remaining"`
	Errors    []string `json:"errors,omitempty"`
}

// HealthStatus represents the health of the backup engine.
type HealthStatus struct {
	// Status is the overall health status: "healthy", "warning", or "error"
	Status string

	// Message provides additional context about the status
	Message string

	// LastBackup is when the last successful backup completed
	LastBackup time.Time

	// NextBackup is when the next scheduled backup runs (zero when not scheduled)
	NextBackup time.Time

	// TotalBackups is the number of backups in the catalog
	TotalBackups int

	// FailedBackups is the number of failed backups in the catalog
	FailedBackups int

	// DiskSpaceUsed is total bytes recorded for completed backups
	DiskSpaceUsed int64

	// InProgress reports whether a backup operation is running now
	InProgress bool
}
