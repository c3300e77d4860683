// Package types defines the shared data model for the loom memory hierarchy:
// chapters, per-tier entries, analysis results and access requests.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidChapter is returned when a chapter fails validation.
var ErrInvalidChapter = errors.New("invalid chapter")

// Chapter is one sequential unit of generated narrative content.
// Chapters are owned by the caller; tiers only keep copies made with Clone.
type Chapter struct {
	ID       int             `json:"id"`                 // Sequence number (1-based)
	Title    string          `json:"title"`              // Chapter title
	Body     string          `json:"body"`               // Full text body
	Metadata ChapterMetadata `json:"metadata,omitempty"` // Structural metadata
}

// ChapterMetadata carries structural information about a chapter.
type ChapterMetadata struct {
	Scenes    []Scene   `json:"scenes,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	WordCount int       `json:"word_count,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Scene is a contiguous section of a chapter.
type Scene struct {
	Index      int      `json:"index"`
	Summary    string   `json:"summary,omitempty"`
	Location   string   `json:"location,omitempty"`
	Characters []string `json:"characters,omitempty"`
}

// Validate checks the minimal chapter contract: a positive id and a body.
func (c *Chapter) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: nil chapter", ErrInvalidChapter)
	}
	if c.ID <= 0 {
		return fmt.Errorf("%w: id must be positive, got %d", ErrInvalidChapter, c.ID)
	}
	if strings.TrimSpace(c.Body) == "" {
		return fmt.Errorf("%w: chapter %d has an empty body", ErrInvalidChapter, c.ID)
	}
	return nil
}

// Clone returns a deep copy so tiers never alias caller-owned slices.
func (c *Chapter) Clone() *Chapter {
	if c == nil {
		return nil
	}
	out := *c
	out.Metadata.Tags = append([]string(nil), c.Metadata.Tags...)
	if c.Metadata.Scenes != nil {
		out.Metadata.Scenes = make([]Scene, len(c.Metadata.Scenes))
		for i, s := range c.Metadata.Scenes {
			s.Characters = append([]string(nil), s.Characters...)
			out.Metadata.Scenes[i] = s
		}
	}
	return &out
}

// ContentHash returns the SHA-256 of the title and body. It is used to skip
// re-processing chapters whose content did not change.
func (c *Chapter) ContentHash() string {
	h := sha256.New()
	h.Write([]byte(c.Title))
	h.Write([]byte{0})
	h.Write([]byte(c.Body))
	return hex.EncodeToString(h.Sum(nil))
}

// Words returns the number of whitespace-separated words in the body.
func (c *Chapter) Words() int {
	if c.Metadata.WordCount > 0 {
		return c.Metadata.WordCount
	}
	return len(strings.Fields(c.Body))
}
