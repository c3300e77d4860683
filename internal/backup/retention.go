package backup

import (
	"context"
	"sort"
	"time"
)

// Cleanup applies the retention policy: backups older than RetentionDays go,
// then the oldest beyond MaxBackups. A backup that a retained incremental
// depends on is kept and reported as protected.
func (e *Engine) Cleanup(ctx context.Context) (*CleanupResult, error) {
	if !e.inFlight.CompareAndSwap(false, true) {
		return nil, ErrBackupInProgress
	}
	defer e.inFlight.Store(false)

	now := e.now()
	backups := e.ListBackups() // newest first
	doomed := make(map[string]bool)

	if e.config.RetentionDays > 0 {
		cutoff := now.Add(-time.Duration(e.config.RetentionDays) * 24 * time.Hour)
		for _, b := range backups {
			if b.CreatedAt.Before(cutoff) {
				doomed[b.ID] = true
			}
		}
	}
	if e.config.MaxBackups > 0 && len(backups) > e.config.MaxBackups {
		for _, b := range backups[e.config.MaxBackups:] {
			doomed[b.ID] = true
		}
	}

	byID := make(map[string]Record, len(backups))
	for _, b := range backups {
		byID[b.ID] = b
	}

	// Walk each retained incremental's chain and rescue its bases.
	res := &CleanupResult{}
	protected := make(map[string]bool)
	for _, b := range backups {
		if doomed[b.ID] || b.Kind != KindIncremental {
			continue
		}
		for cur := b.BaseBackupID; cur != ""; {
			base, ok := byID[cur]
			if !ok {
				break
			}
			if doomed[cur] {
				delete(doomed, cur)
				protected[cur] = true
			}
			if base.Kind != KindIncremental {
				break
			}
			cur = base.BaseBackupID
		}
	}

	ids := make([]string, 0, len(doomed))
	for id := range doomed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for id := range protected {
		res.Protected = append(res.Protected, id)
	}
	sort.Strings(res.Protected)

	if len(ids) > 0 {
		if err := e.deleteBackups(ctx, ids); err != nil {
			res.Errors = append(res.Errors, err.Error())
		}
		res.Deleted = ids
	}
	res.Remaining = len(e.ListBackups())

	e.logger.Info("backup retention applied",
		"deleted", len(res.Deleted),
		"protected", len(res.Protected),
		"remaining", res.Remaining)
	return res, nil
}
