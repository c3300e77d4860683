package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryProvider is an in-memory Provider for tests and ephemeral runs.
type MemoryProvider struct {
	mu    sync.RWMutex
	files map[string]memFile
	now   func() time.Time
}

type memFile struct {
	data    []byte
	modTime time.Time
}

// NewMemoryProvider returns an empty in-memory store.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{files: make(map[string]memFile), now: time.Now}
}

// SetClock overrides the clock used for modification times.
func (p *MemoryProvider) SetClock(now func() time.Time) {
	p.mu.Lock()
	p.now = now
	p.mu.Unlock()
}

func (p *MemoryProvider) Exists(_ context.Context, path string) (bool, error) {
	cleaned, err := CleanPath(path)
	if err != nil {
		return false, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.files[cleaned]
	return ok, nil
}

func (p *MemoryProvider) Read(_ context.Context, path string) ([]byte, error) {
	cleaned, err := CleanPath(path)
	if err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	f, ok := p.files[cleaned]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return append([]byte(nil), f.data...), nil
}

func (p *MemoryProvider) Write(_ context.Context, path string, data []byte) error {
	cleaned, err := CleanPath(path)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.files[cleaned] = memFile{data: append([]byte(nil), data...), modTime: p.now()}
	return nil
}

func (p *MemoryProvider) List(_ context.Context, prefix string) ([]string, error) {
	if prefix != "" {
		cleaned, err := CleanPath(strings.TrimSuffix(prefix, "/"))
		if err != nil {
			return nil, err
		}
		prefix = cleaned + "/"
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []string
	for name := range p.files {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (p *MemoryProvider) Delete(_ context.Context, path string) error {
	cleaned, err := CleanPath(path)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.files, cleaned)
	return nil
}

func (p *MemoryProvider) Stat(_ context.Context, path string) (FileInfo, error) {
	cleaned, err := CleanPath(path)
	if err != nil {
		return FileInfo{}, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	f, ok := p.files[cleaned]
	if !ok {
		return FileInfo{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return FileInfo{Path: cleaned, Size: int64(len(f.data)), ModTime: f.modTime}, nil
}
