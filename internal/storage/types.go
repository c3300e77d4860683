package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
)

var (
	// ErrNotFound indicates that the requested path does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrInvalidPath indicates a path that is empty, absolute, or escapes the root.
	ErrInvalidPath = errors.New("storage: invalid path")
)

// Well-known top-level directories.
const (
	BackupsDir        = "backups"
	SystemMetadataDir = "system-metadata"
	chaptersDir       = "chapters"
)

// ChapterPath returns "<tier>/chapters/<id>.json".
func ChapterPath(tier string, id int) string {
	return path.Join(tier, chaptersDir, strconv.Itoa(id)+".json")
}

// ChaptersPrefix returns "<tier>/chapters/".
func ChaptersPrefix(tier string) string {
	return path.Join(tier, chaptersDir) + "/"
}

// MetadataPath returns "<tier>/<name>.json".
func MetadataPath(tier, name string) string {
	return path.Join(tier, name+".json")
}

// CleanPath normalises a relative slash path and rejects anything that would
// leave the store root.
func CleanPath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	p = strings.ReplaceAll(p, "\\", "/")
	if strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: %q is absolute", ErrInvalidPath, p)
	}
	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q escapes the store root", ErrInvalidPath, p)
	}
	return cleaned, nil
}

// ReadJSON reads path and decodes it into v.
func ReadJSON(ctx context.Context, p Provider, path string, v any) error {
	data, err := p.Read(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// WriteJSON encodes v with indentation and writes it to path.
func WriteJSON(ctx context.Context, p Provider, path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return p.Write(ctx, path, data)
}
