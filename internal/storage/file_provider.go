package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileProvider stores files below a root directory on the local file system.
// Writes are atomic: data goes to a temporary sibling which is renamed over
// the target.
type FileProvider struct {
	root string
}

// NewFileProvider creates the root directory if needed and returns a provider.
func NewFileProvider(root string) (*FileProvider, error) {
	if root == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("storage: create root %s: %w", abs, err)
	}
	return &FileProvider{root: abs}, nil
}

// Root returns the absolute root directory.
func (p *FileProvider) Root() string { return p.root }

func (p *FileProvider) resolve(path string) (string, string, error) {
	cleaned, err := CleanPath(path)
	if err != nil {
		return "", "", err
	}
	full := filepath.Join(p.root, filepath.FromSlash(cleaned))
	if !strings.HasPrefix(full, p.root+string(filepath.Separator)) {
		return "", "", fmt.Errorf("%w: path traversal detected for %q", ErrInvalidPath, path)
	}
	return cleaned, full, nil
}

func (p *FileProvider) Exists(_ context.Context, path string) (bool, error) {
	_, full, err := p.resolve(path)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(full)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: stat %s: %w", path, err)
	}
	return !info.IsDir(), nil
}

func (p *FileProvider) Read(_ context.Context, path string) ([]byte, error) {
	_, full, err := p.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", path, err)
	}
	return data, nil
}

func (p *FileProvider) Write(_ context.Context, path string, data []byte) error {
	_, full, err := p.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return fmt.Errorf("storage: create parent of %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), "."+filepath.Base(full)+".*.tmp")
	if err != nil {
		return fmt.Errorf("storage: create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("storage: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("storage: close temp for %s: %w", path, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("storage: atomic rename %s: %w", path, err)
	}
	return nil
}

func (p *FileProvider) List(_ context.Context, prefix string) ([]string, error) {
	start := p.root
	if prefix != "" {
		cleaned, err := CleanPath(strings.TrimSuffix(prefix, "/"))
		if err != nil {
			return nil, err
		}
		start = filepath.Join(p.root, filepath.FromSlash(cleaned))
	}
	if _, err := os.Stat(start); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	var out []string
	err := filepath.WalkDir(start, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || isTempFile(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(p.root, full)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list %s: %w", prefix, err)
	}
	sort.Strings(out)
	return out, nil
}

func (p *FileProvider) Delete(_ context.Context, path string) error {
	_, full, err := p.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("storage: delete %s: %w", path, err)
	}
	return nil
}

func (p *FileProvider) Stat(_ context.Context, path string) (FileInfo, error) {
	cleaned, full, err := p.resolve(path)
	if err != nil {
		return FileInfo{}, err
	}
	info, err := os.Stat(full)
	if errors.Is(err, os.ErrNotExist) {
		return FileInfo{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return FileInfo{}, fmt.Errorf("storage: stat %s: %w", path, err)
	}
	return FileInfo{Path: cleaned, Size: info.Size(), ModTime: info.ModTime()}, nil
}

func isTempFile(name string) bool {
	return strings.HasPrefix(name, ".") && strings.HasSuffix(name, ".tmp")
}
