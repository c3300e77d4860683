// Package storage provides the file-based key-value store that every tier
// and the backup engine persist through.
//
// The store is deliberately small: exists, read, write, list and delete over
// slash-separated relative paths, plus Stat for modification times. Layout:
//
//	<tier>/<logical-name>.json     tier metadata
//	<tier>/chapters/<id>.json      raw chapter payloads
//	backups/<backup-id>/<component>/...
//	system-metadata/               backup catalog
package storage

import (
	"context"
	"time"
)

// Provider is the storage contract consumed by the memory hierarchy.
// Implementations must be safe for concurrent use; concurrent writers to the
// same path follow last-write-wins.
type Provider interface {
	// Exists reports whether a file exists at path.
	Exists(ctx context.Context, path string) (bool, error)

	// Read returns the contents of path. Returns ErrNotFound if absent.
	Read(ctx context.Context, path string) ([]byte, error)

	// Write replaces the contents of path, creating parent directories.
	Write(ctx context.Context, path string, data []byte) error

	// List returns every file path below prefix, sorted lexically.
	// An empty prefix lists the whole store.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes path. Deleting a missing path is not an error.
	Delete(ctx context.Context, path string) error

	// Stat returns size and modification time for path.
	// Returns ErrNotFound if absent.
	Stat(ctx context.Context, path string) (FileInfo, error)
}

// FileInfo describes a stored file.
type FileInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
}
