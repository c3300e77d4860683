package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/scrypster/loom/internal/storage"
)

const (
	catalogPath  = storage.SystemMetadataDir + "/backup-catalog.json"
	manifestName = "manifest.json"
)

// Engine creates, validates and restores backups of registered components.
// At most one backup or restore runs at a time.
type Engine struct {
	store  storage.Provider
	config Config
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	components map[string]Component
	catalog    []*Record

	inFlight atomic.Bool

	// Scheduler state
	schedMu      sync.Mutex
	schedCancel  context.CancelFunc
	schedDone    chan struct{}
	nextFullTime time.Time
	nextIncrTime time.Time
}

// NewEngine creates an engine over store and loads the existing catalog.
func NewEngine(ctx context.Context, store storage.Provider, config Config, logger *slog.Logger) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("storage provider is required")
	}
	if config.FullInterval <= 0 {
		config.FullInterval = 24 * time.Hour
	}
	if config.IncrementalInterval <= 0 {
		config.IncrementalInterval = time.Hour
	}
	if config.RetentionDays < 0 || config.MaxBackups < 0 {
		return nil, fmt.Errorf("retention values must be >= 0")
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		store:      store,
		config:     config,
		logger:     logger.With("component", "backup"),
		now:        config.Clock,
		components: make(map[string]Component),
	}
	if e.now == nil {
		e.now = time.Now
	}
	if err := e.loadCatalog(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// RegisterComponent adds or replaces a component.
func (e *Engine) RegisterComponent(c Component) error {
	if c.Name == "" || strings.ContainsAny(c.Name, "/\\") {
		return fmt.Errorf("invalid component name %q", c.Name)
	}
	if len(c.Paths) == 0 {
		return fmt.Errorf("component %s has no paths", c.Name)
	}
	for _, p := range c.Paths {
		if isReservedPath(p) {
			return fmt.Errorf("component %s: path %q overlaps backup storage", c.Name, p)
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.components[c.Name] = c
	return nil
}

// Components returns registered component names, sorted.
func (e *Engine) Components() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.components))
	for name := range e.components {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// InProgress reports whether a backup or restore is running.
func (e *Engine) InProgress() bool {
	return e.inFlight.Load()
}

// CreateFullBackup snapshots every registered component.
func (e *Engine) CreateFullBackup(ctx context.Context, description string) (*Record, error) {
	return e.createBackup(ctx, KindFull, description, nil, "")
}

// CreateManualBackup snapshots the named components, or all when none are named.
func (e *Engine) CreateManualBackup(ctx context.Context, description string, components ...string) (*Record, error) {
	return e.createBackup(ctx, KindManual, description, components, "")
}

// CreateIncrementalBackup copies files changed since the base backup was
// created. An empty baseID selects the latest completed full backup.
//
// A file counts as changed when it is absent from every manifest in the
// base chain, or when its storage modification time is after the base's
// creation time. Providers that do not report modification times fall back
// to the existence check alone; content is not diffed.
func (e *Engine) CreateIncrementalBackup(ctx context.Context, baseID string) (*Record, error) {
	var base *Record
	if baseID == "" {
		base = e.latest(func(r *Record) bool { return r.Kind == KindFull && r.Status == StatusCompleted })
		if base == nil {
			return nil, ErrNoBaseBackup
		}
	} else {
		r, err := e.GetBackup(baseID)
		if err != nil {
			return nil, err
		}
		if !r.IsBase() {
			return nil, fmt.Errorf("%w: %s is %s/%s", ErrNoBaseBackup, baseID, r.Kind, r.Status)
		}
		base = r
	}
	if _, err := e.chain(base.ID); err != nil {
		return nil, err
	}
	return e.createBackup(ctx, KindIncremental, "", nil, base.ID)
}

func (e *Engine) createBackup(ctx context.Context, kind Kind, description string, only []string, baseID string) (*Record, error) {
	if !e.inFlight.CompareAndSwap(false, true) {
		return nil, ErrBackupInProgress
	}
	defer e.inFlight.Store(false)

	comps, err := e.selectComponents(only)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		ID:           e.newID(),
		Kind:         kind,
		Status:       StatusRunning,
		Description:  description,
		CreatedAt:    e.now(),
		BaseBackupID: baseID,
	}
	for _, c := range comps {
		rec.Components = append(rec.Components, c.Name)
	}
	if err := e.appendRecord(ctx, rec); err != nil {
		return nil, err
	}

	log := e.logger.With("backup_id", rec.ID, "kind", kind)
	log.Info("backup started", "components", rec.Components)

	manifest, runErr := e.writeFiles(ctx, rec, comps)
	if runErr == nil {
		rec.Checksum = checksumOf(manifest.Files)
		runErr = e.writeManifest(ctx, rec.ID, manifest)
	}
	if runErr == nil && e.config.VerifyAfterBackup {
		if v := e.validate(ctx, rec, manifest); !v.Valid {
			runErr = fmt.Errorf("verification failed: %s", strings.Join(v.Problems, "; "))
		}
	}

	completed := e.now()
	rec.CompletedAt = &completed
	if runErr != nil {
		rec.Status = StatusFailed
		rec.Error = runErr.Error()
		log.Error("backup failed", "error", runErr)
	} else {
		rec.Status = StatusCompleted
		log.Info("backup completed", "files", rec.FileCount, "size_bytes", rec.SizeBytes, "skipped", rec.SkippedFiles)
	}
	if err := e.putRecord(ctx, rec); err != nil {
		return rec, fmt.Errorf("save backup catalog: %w", err)
	}
	if runErr != nil {
		return rec, runErr
	}
	if e.config.OnComplete != nil {
		e.config.OnComplete(*rec)
	}
	return rec, nil
}

// writeFiles copies every selected file into the backup directory.
// Unreadable files are skipped with a warning.
func (e *Engine) writeFiles(ctx context.Context, rec *Record, comps []Component) (*Manifest, error) {
	var known map[string]bool
	var base *Record
	if rec.Kind == KindIncremental {
		chain, err := e.chain(rec.BaseBackupID)
		if err != nil {
			return nil, err
		}
		base = chain[len(chain)-1]
		known = make(map[string]bool)
		for _, r := range chain {
			m, err := e.readManifest(ctx, r.ID)
			if err != nil {
				return nil, fmt.Errorf("read base manifest %s: %w", r.ID, err)
			}
			for _, f := range m.Files {
				known[f.Component+"\x00"+f.Path] = true
			}
		}
	}

	manifest := &Manifest{BackupID: rec.ID}
	for _, c := range comps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if c.PreBackup != nil {
			if err := c.PreBackup(ctx); err != nil {
				e.logger.Warn("backup: pre-backup hook failed, component skipped", "component", c.Name, "error", err)
				rec.SkippedFiles++
				continue
			}
		}
		files, err := e.componentFiles(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("list component %s: %w", c.Name, err)
		}
		for _, p := range files {
			info, statErr := e.store.Stat(ctx, p)
			if rec.Kind == KindIncremental {
				isNew := !known[c.Name+"\x00"+p]
				modified := statErr == nil && !info.ModTime.IsZero() && info.ModTime.After(base.CreatedAt)
				if !isNew && !modified {
					continue
				}
			}
			data, err := e.store.Read(ctx, p)
			if err != nil {
				e.logger.Warn("backup: skipping unreadable file", "component", c.Name, "path", p, "error", err)
				rec.SkippedFiles++
				continue
			}
			if err := e.store.Write(ctx, backupFilePath(rec.ID, c.Name, p), data); err != nil {
				return nil, fmt.Errorf("write %s: %w", p, err)
			}
			sum := sha256.Sum256(data)
			manifest.Files = append(manifest.Files, ManifestFile{
				Component: c.Name,
				Path:      p,
				Size:      int64(len(data)),
				ModTime:   info.ModTime,
				SHA256:    hex.EncodeToString(sum[:]),
			})
			rec.SizeBytes += int64(len(data))
			rec.FileCount++
		}
	}
	sortManifest(manifest.Files)
	return manifest, nil
}

// componentFiles expands a component's paths into concrete files.
func (e *Engine) componentFiles(ctx context.Context, c Component) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, p := range c.Paths {
		if strings.HasSuffix(p, "/") {
			files, err := e.store.List(ctx, p)
			if err != nil {
				return nil, err
			}
			for _, f := range files {
				if !seen[f] && !isReservedPath(f) {
					seen[f] = true
					out = append(out, f)
				}
			}
			continue
		}
		ok, err := e.store.Exists(ctx, p)
		if err != nil {
			return nil, err
		}
		if ok && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ValidateBackup recomputes the checksum and file count of a backup from
// the stored files and checks that its base chain is intact.
func (e *Engine) ValidateBackup(ctx context.Context, id string) (*ValidationResult, error) {
	rec, err := e.GetBackup(id)
	if err != nil {
		return nil, err
	}
	manifest, err := e.readManifest(ctx, id)
	if err != nil {
		return &ValidationResult{BackupID: id, Problems: []string{fmt.Sprintf("manifest: %v", err)}}, nil
	}
	return e.validate(ctx, rec, manifest), nil
}

func (e *Engine) validate(ctx context.Context, rec *Record, manifest *Manifest) *ValidationResult {
	res := &ValidationResult{BackupID: rec.ID, BaseChainPresent: true}

	h := sha256.New()
	count := 0
	for _, f := range manifest.Files {
		data, err := e.store.Read(ctx, backupFilePath(rec.ID, f.Component, f.Path))
		if err != nil {
			res.Problems = append(res.Problems, fmt.Sprintf("missing %s/%s", f.Component, f.Path))
			continue
		}
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != f.SHA256 {
			res.Problems = append(res.Problems, fmt.Sprintf("corrupt %s/%s", f.Component, f.Path))
		}
		writeChecksumEntry(h, f.Component, f.Path, data)
		count++
	}
	res.ChecksumMatch = hex.EncodeToString(h.Sum(nil)) == rec.Checksum
	res.FileCountMatch = count == rec.FileCount
	if !res.ChecksumMatch {
		res.Problems = append(res.Problems, "checksum mismatch")
	}
	if !res.FileCountMatch {
		res.Problems = append(res.Problems, fmt.Sprintf("file count %d, recorded %d", count, rec.FileCount))
	}

	if rec.Kind == KindIncremental {
		if _, err := e.chain(rec.BaseBackupID); err != nil {
			res.BaseChainPresent = false
			res.Problems = append(res.Problems, err.Error())
		}
	}
	res.Valid = len(res.Problems) == 0
	return res
}

// LiveChecksum recomputes a backup's checksum from the live storage files it
// recorded. After a full restore it equals the recorded checksum.
func (e *Engine) LiveChecksum(ctx context.Context, id string) (string, error) {
	manifest, err := e.readManifest(ctx, id)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	for _, f := range manifest.Files {
		data, err := e.store.Read(ctx, f.Path)
		if err != nil {
			return "", err
		}
		writeChecksumEntry(h, f.Component, f.Path, data)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ListBackups returns catalog records, newest first.
func (e *Engine) ListBackups() []Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Record, 0, len(e.catalog))
	for _, r := range e.catalog {
		out = append(out, *r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// GetBackup returns a copy of the record with id.
func (e *Engine) GetBackup(id string) (*Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.catalog {
		if r.ID == id {
			cp := *r
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrBackupNotFound, id)
}

// DeleteBackup removes a backup's files and catalog entry. Deleting a backup
// that retained incrementals depend on is refused.
func (e *Engine) DeleteBackup(ctx context.Context, id string) error {
	if _, err := e.GetBackup(id); err != nil {
		return err
	}
	if deps := e.dependents(id); len(deps) > 0 {
		return fmt.Errorf("backup %s is the base of %s", id, strings.Join(deps, ", "))
	}
	return e.deleteBackups(ctx, []string{id})
}

func (e *Engine) deleteBackups(ctx context.Context, ids []string) error {
	var errs []error
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		files, err := e.store.List(ctx, path.Join(storage.BackupsDir, id)+"/")
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, f := range files {
			if err := e.store.Delete(ctx, f); err != nil {
				errs = append(errs, err)
			}
		}
		drop[id] = true
	}

	e.mu.Lock()
	kept := e.catalog[:0]
	for _, r := range e.catalog {
		if !drop[r.ID] {
			kept = append(kept, r)
		}
	}
	e.catalog = kept
	e.mu.Unlock()

	if err := e.saveCatalog(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// chain returns the backups needed to restore id, base first. Every link
// must exist and be completed.
func (e *Engine) chain(id string) ([]*Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	byID := make(map[string]*Record, len(e.catalog))
	for _, r := range e.catalog {
		byID[r.ID] = r
	}
	var out []*Record
	seen := make(map[string]bool)
	for cur := id; cur != ""; {
		if seen[cur] {
			return nil, fmt.Errorf("%w: cycle at %s", ErrBaseMissing, cur)
		}
		seen[cur] = true
		r, ok := byID[cur]
		if !ok {
			return nil, fmt.Errorf("%w: %s not in catalog", ErrBaseMissing, cur)
		}
		if r.Status != StatusCompleted {
			return nil, fmt.Errorf("%w: %s is %s", ErrBaseMissing, cur, r.Status)
		}
		out = append(out, r)
		if r.Kind != KindIncremental {
			break
		}
		if r.BaseBackupID == "" {
			return nil, fmt.Errorf("%w: incremental %s has no base", ErrBaseMissing, cur)
		}
		cur = r.BaseBackupID
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// dependents returns ids of incrementals whose chain includes id.
func (e *Engine) dependents(id string) []string {
	var out []string
	for _, r := range e.ListBackups() {
		if r.Kind != KindIncremental || r.ID == id {
			continue
		}
		for cur := r.BaseBackupID; cur != ""; {
			if cur == id {
				out = append(out, r.ID)
				break
			}
			b, err := e.GetBackup(cur)
			if err != nil || b.Kind != KindIncremental {
				break
			}
			cur = b.BaseBackupID
		}
	}
	sort.Strings(out)
	return out
}

func (e *Engine) latest(match func(*Record) bool) *Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	var best *Record
	for _, r := range e.catalog {
		if match(r) && (best == nil || r.CreatedAt.After(best.CreatedAt)) {
			best = r
		}
	}
	if best == nil {
		return nil
	}
	cp := *best
	return &cp
}

func (e *Engine) selectComponents(only []string) ([]Component, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.components) == 0 {
		return nil, ErrNoComponents
	}
	var out []Component
	if len(only) == 0 {
		for _, c := range e.components {
			out = append(out, c)
		}
	} else {
		for _, name := range only {
			c, ok := e.components[name]
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrUnknownComponent, name)
			}
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (e *Engine) newID() string {
	return ulid.MustNew(ulid.Timestamp(e.now()), ulid.DefaultEntropy()).String()
}

func (e *Engine) loadCatalog(ctx context.Context) error {
	var records []*Record
	err := storage.ReadJSON(ctx, e.store, catalogPath, &records)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load backup catalog: %w", err)
	}
	// A backup interrupted by a crash can never complete.
	for _, r := range records {
		if r.Status == StatusRunning || r.Status == StatusPending {
			r.Status = StatusFailed
			r.Error = "interrupted"
		}
	}
	e.mu.Lock()
	e.catalog = records
	e.mu.Unlock()
	return nil
}

func (e *Engine) saveCatalog(ctx context.Context) error {
	e.mu.Lock()
	snapshot := make([]Record, len(e.catalog))
	for i, r := range e.catalog {
		snapshot[i] = *r
	}
	e.mu.Unlock()
	return storage.WriteJSON(ctx, e.store, catalogPath, snapshot)
}

func (e *Engine) appendRecord(ctx context.Context, rec *Record) error {
	cp := *rec
	e.mu.Lock()
	e.catalog = append(e.catalog, &cp)
	e.mu.Unlock()
	return e.saveCatalog(ctx)
}

// putRecord replaces the catalog entry with rec's id and persists the catalog.
func (e *Engine) putRecord(ctx context.Context, rec *Record) error {
	cp := *rec
	e.mu.Lock()
	for i, r := range e.catalog {
		if r.ID == rec.ID {
			e.catalog[i] = &cp
		}
	}
	e.mu.Unlock()
	return e.saveCatalog(ctx)
}

func (e *Engine) writeManifest(ctx context.Context, id string, m *Manifest) error {
	return storage.WriteJSON(ctx, e.store, path.Join(storage.BackupsDir, id, manifestName), m)
}

func (e *Engine) readManifest(ctx context.Context, id string) (*Manifest, error) {
	var m Manifest
	if err := storage.ReadJSON(ctx, e.store, path.Join(storage.BackupsDir, id, manifestName), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// backupFilePath maps an original storage path into a backup:
// backups/<id>/<component>/<path>.
func backupFilePath(id, component, original string) string {
	return path.Join(storage.BackupsDir, id, component, original)
}

func isReservedPath(p string) bool {
	p = strings.TrimPrefix(p, "./")
	return p == storage.BackupsDir || strings.HasPrefix(p, storage.BackupsDir+"/") ||
		p == storage.SystemMetadataDir || strings.HasPrefix(p, storage.SystemMetadataDir+"/")
}

func sortManifest(files []ManifestFile) {
	sort.Slice(files, func(i, j int) bool {
		if files[i].Component != files[j].Component {
			return files[i].Component < files[j].Component
		}
		return files[i].Path < files[j].Path
	})
}

// checksumOf folds the per-file digests recorded in a manifest into the
// aggregate backup checksum. It equals the digest validate computes by
// re-reading the files.
func checksumOf(files []ManifestFile) string {
	h := sha256.New()
	for _, f := range files {
		writeChecksumDigest(h, f.Component, f.Path, f.SHA256)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeChecksumEntry(h hash.Hash, component, p string, data []byte) {
	sum := sha256.Sum256(data)
	writeChecksumDigest(h, component, p, hex.EncodeToString(sum[:]))
}

func writeChecksumDigest(h hash.Hash, component, p, digest string) {
	h.Write([]byte(component))
	h.Write([]byte{0})
	h.Write([]byte(p))
	h.Write([]byte{0})
	h.Write([]byte(digest))
	h.Write([]byte{'\n'})
}
