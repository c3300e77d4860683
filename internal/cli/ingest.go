package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/scrypster/loom/internal/coordinator"
	"github.com/scrypster/loom/pkg/types"
)

func newIngestCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <file.json>...",
		Short: "Process chapters through every tier",
		Long: `Process one or more chapters. Each file holds a chapter object or an
array of chapter objects:

  {"id": 3, "title": "The Gate", "body": "..."}

Chapters are processed in ascending id order. The command fails if any
chapter had a failed operation; the operations that succeeded are kept.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var chapters []*types.Chapter
			for _, path := range args {
				chs, err := readChapters(path)
				if err != nil {
					return err
				}
				chapters = append(chapters, chs...)
			}
			sort.SliceStable(chapters, func(i, j int) bool { return chapters[i].ID < chapters[j].ID })

			c, log, err := opts.open(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer closeCoordinator(c, log)

			results := make([]*coordinator.ProcessResult, 0, len(chapters))
			failed := 0
			for _, ch := range chapters {
				res := c.ProcessChapter(cmd.Context(), ch)
				if !res.Success {
					failed++
				}
				results = append(results, res)
			}

			err = opts.emit(cmd.OutOrStdout(), results, func(w io.Writer) error {
				for _, res := range results {
					printProcessResult(w, res)
				}
				return nil
			})
			if err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d chapters had failed operations", failed, len(chapters))
			}
			return nil
		},
	}
}

func readChapters(path string) ([]*types.Chapter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var chs []*types.Chapter
		if err := json.Unmarshal(data, &chs); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		return chs, nil
	}
	var ch types.Chapter
	if err := json.Unmarshal(data, &ch); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return []*types.Chapter{&ch}, nil
}

func printProcessResult(w io.Writer, res *coordinator.ProcessResult) {
	total := res.SuccessfulOperations + res.FailedOperations
	if res.Success {
		fmt.Fprintf(w, "chapter %d: ok (%d/%d operations, %s)\n", res.ChapterID, res.SuccessfulOperations, total, res.Duration.Round(time.Millisecond))
	} else if total == 0 {
		fmt.Fprintf(w, "chapter %d: rejected: %s\n", res.ChapterID, res.Error)
		return
	} else {
		fmt.Fprintf(w, "chapter %d: partial (%d/%d operations, %s)\n", res.ChapterID, res.SuccessfulOperations, total, res.Duration.Round(time.Millisecond))
	}

	names := make([]string, 0, len(res.Operations))
	for name := range res.Operations {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if op := res.Operations[name]; !op.Completed {
			fmt.Fprintf(w, "  %s failed: %s\n", name, op.Error)
		}
	}
	if res.Ingest != nil && res.Ingest.Skipped {
		fmt.Fprintln(w, "  content unchanged, extraction skipped")
	}
	if r := res.Integration; r != nil {
		for _, th := range r.ThreadsOpened {
			fmt.Fprintf(w, "  thread opened: %s\n", th)
		}
		for _, th := range r.ThreadsResolved {
			fmt.Fprintf(w, "  thread resolved: %s\n", th)
		}
	}
	if r := res.Duplicates; r != nil && len(r.Recurring) > 0 {
		fmt.Fprintf(w, "  recurring phrases: %d\n", len(r.Recurring))
	}
}
