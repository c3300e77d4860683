package backup

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Start runs scheduled backups in the background until ctx is cancelled or
// Stop is called. Full backups run every FullInterval, incrementals every
// IncrementalInterval. An incremental tick with no full backup yet runs a
// full backup instead. Retention is applied after each scheduled backup.
func (e *Engine) Start(ctx context.Context) error {
	e.schedMu.Lock()
	defer e.schedMu.Unlock()
	if e.schedCancel != nil {
		return fmt.Errorf("backup scheduler already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	e.schedCancel = cancel
	e.schedDone = make(chan struct{})
	now := e.now()
	e.nextFullTime = now.Add(e.config.FullInterval)
	e.nextIncrTime = now.Add(e.config.IncrementalInterval)

	go e.runScheduler(ctx, e.schedDone)

	e.logger.Info("backup scheduler started",
		"full_interval", e.config.FullInterval,
		"incremental_interval", e.config.IncrementalInterval)
	return nil
}

// Stop cancels the scheduler and waits for an in-flight scheduled backup to
// finish. Safe to call when not started.
func (e *Engine) Stop() {
	e.schedMu.Lock()
	cancel, done := e.schedCancel, e.schedDone
	e.schedCancel, e.schedDone = nil, nil
	e.schedMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	e.logger.Info("backup scheduler stopped")
}

func (e *Engine) runScheduler(ctx context.Context, done chan struct{}) {
	defer close(done)

	full := time.NewTicker(e.config.FullInterval)
	defer full.Stop()
	incr := time.NewTicker(e.config.IncrementalInterval)
	defer incr.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-full.C:
			e.scheduled(ctx, KindFull)
			e.schedMu.Lock()
			e.nextFullTime = e.now().Add(e.config.FullInterval)
			e.schedMu.Unlock()
		case <-incr.C:
			e.scheduled(ctx, KindIncremental)
			e.schedMu.Lock()
			e.nextIncrTime = e.now().Add(e.config.IncrementalInterval)
			e.schedMu.Unlock()
		}
	}
}

func (e *Engine) scheduled(ctx context.Context, kind Kind) {
	var err error
	switch kind {
	case KindIncremental:
		_, err = e.CreateIncrementalBackup(ctx, "")
		if errors.Is(err, ErrNoBaseBackup) {
			_, err = e.CreateFullBackup(ctx, "scheduled full (no base)")
		}
	default:
		_, err = e.CreateFullBackup(ctx, "scheduled full")
	}
	if err != nil {
		if errors.Is(err, ErrBackupInProgress) {
			e.logger.Debug("scheduled backup skipped, another operation running", "kind", kind)
			return
		}
		e.logger.Error("scheduled backup failed", "kind", kind, "error", err)
		return
	}
	if _, err := e.Cleanup(ctx); err != nil && !errors.Is(err, ErrBackupInProgress) {
		e.logger.Warn("retention after scheduled backup failed", "error", err)
	}
}

// HealthCheck returns the current health of the backup engine.
func (e *Engine) HealthCheck() HealthStatus {
	backups := e.ListBackups()

	st := HealthStatus{
		TotalBackups: len(backups),
		InProgress:   e.InProgress(),
	}
	for _, b := range backups {
		switch b.Status {
		case StatusFailed:
			st.FailedBackups++
		case StatusCompleted:
			st.DiskSpaceUsed += b.SizeBytes
			if b.CompletedAt != nil && b.CompletedAt.After(st.LastBackup) {
				st.LastBackup = *b.CompletedAt
			}
		}
	}

	e.schedMu.Lock()
	running := e.schedCancel != nil
	if running {
		st.NextBackup = e.nextIncrTime
		if e.nextFullTime.Before(st.NextBackup) {
			st.NextBackup = e.nextFullTime
		}
	}
	e.schedMu.Unlock()

	now := e.now()
	switch {
	case len(backups) == 0:
		st.Status = "warning"
		st.Message = "No backups yet"
	case st.LastBackup.IsZero():
		st.Status = "error"
		st.Message = "No successful backups"
	case len(backups) > 0 && backups[0].Status == StatusFailed:
		st.Status = "error"
		st.Message = fmt.Sprintf("Last backup failed: %s", backups[0].Error)
	case now.Sub(st.LastBackup) > 2*e.config.FullInterval:
		st.Status = "warning"
		st.Message = fmt.Sprintf("Last backup was %s ago", now.Sub(st.LastBackup).Round(time.Minute))
	default:
		st.Status = "healthy"
		st.Message = fmt.Sprintf("%d backups, last %s ago", st.TotalBackups, now.Sub(st.LastBackup).Round(time.Second))
	}
	return st
}
