// Package notify provides cross-process chapter event notification using
// small event files in a shared directory. The coordinator emits events when
// chapters are processed and reacts to invalidation events written by other
// processes, such as an editor that rewrote a chapter on disk.
package notify

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Event types.
const (
	EventChapterProcessed   = "chapter_processed"
	EventChapterInvalidated = "chapter_invalidated"
	EventBackupCompleted    = "backup_completed"
)

// Event is the payload written to an event file.
type Event struct {
	Type      string `json:"type"`
	ChapterID int    `json:"chapter_id,omitempty"`
	Ref       string `json:"ref,omitempty"`
	Time      int64  `json:"time"`
}

// EventWriter writes notification event files to a shared directory.
type EventWriter struct {
	dir string
}

// NewEventWriter creates a writer that emits events to {dataPath}/events/.
func NewEventWriter(dataPath string) *EventWriter {
	return &EventWriter{dir: filepath.Join(dataPath, "events")}
}

// Notify writes an event file. Safe to call concurrently.
func (w *EventWriter) Notify(evt Event) error {
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return fmt.Errorf("notify: mkdir %s: %w", w.dir, err)
	}
	if evt.Time == 0 {
		evt.Time = time.Now().UnixNano()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("notify: encode event: %w", err)
	}
	filename := fmt.Sprintf("%d-%s-%d.event", evt.Time, evt.Type, evt.ChapterID)
	return os.WriteFile(filepath.Join(w.dir, filename), data, 0o600)
}
