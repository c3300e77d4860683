package cli

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/scrypster/loom/pkg/types"
)

func newContextCmd(opts *options) *cobra.Command {
	var (
		kind      string
		tierNames []string
		query     string
	)
	cmd := &cobra.Command{
		Use:   "context <chapter-id>",
		Short: "Assemble generation context for a chapter from the tiers",
		Long: `Ask the hierarchy for context about a chapter. --kind selects what is
wanted: context (default), character, plot or search. Without --tier the
access strategy decides which tiers to consult and in what order.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("chapter id %q: %w", args[0], err)
			}
			tiers, err := parseTiers(tierNames)
			if err != nil {
				return err
			}
			c, log, err := opts.open(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer closeCoordinator(c, log)

			resp := c.Access(cmd.Context(), types.AccessRequest{
				ChapterID: id,
				Kind:      types.AccessKind(kind),
				Tiers:     tiers,
				Query:     query,
			})
			err = opts.emit(cmd.OutOrStdout(), resp, func(w io.Writer) error {
				printAccess(w, &resp)
				return nil
			})
			if err != nil {
				return err
			}
			if resp.Error != "" && len(resp.Provenance) == 0 {
				return errors.New(resp.Error)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&kind, "kind", "k", string(types.AccessContext), "What to retrieve: context, character, plot or search")
	f.StringSliceVarP(&tierNames, "tier", "t", nil, "Tiers to consult; default per access strategy")
	f.StringVarP(&query, "query", "q", "", "Free-text query (required for --kind search)")
	return cmd
}

func printAccess(w io.Writer, resp *types.AccessResponse) {
	if resp.Error != "" && len(resp.Provenance) == 0 {
		fmt.Fprintf(w, "error: %s\n", resp.Error)
		return
	}
	source := "tiers"
	if resp.CacheHit {
		source = "cache"
	}
	fmt.Fprintf(w, "provenance: %s (from %s)\n", joinTiers(resp.Provenance), source)

	for _, tier := range types.AllTiers {
		tc, ok := resp.Context[tier]
		if !ok {
			continue
		}
		fmt.Fprintf(w, "[%s]\n", tier)
		if e := tc.Entry; e != nil && e.Chapter != nil {
			fmt.Fprintf(w, "  chapter %d: %s\n", e.Chapter.ID, e.Chapter.Title)
			if len(e.KeyPhrases) > 0 {
				fmt.Fprintf(w, "  key phrases: %s\n", strings.Join(e.KeyPhrases, ", "))
			}
		}
		for _, cs := range tc.Characters {
			fmt.Fprintf(w, "  character %s: last seen in chapter %d, %d mentions\n", cs.Name, cs.LastSeenChapter, cs.Mentions)
		}
		for _, a := range tc.Analyses {
			fmt.Fprintf(w, "  %s analysis of chapter %d: %.2f\n", a.Kind, a.ChapterID, a.Score)
		}
		for _, k := range tc.Knowledge {
			fmt.Fprintf(w, "  %s %s: %s\n", k.Kind, k.Key, k.Content)
		}
		for _, k := range tc.Unresolved {
			fmt.Fprintf(w, "  open thread %s (chapter %d)\n", k.Key, k.SourceChapter)
		}
		for _, h := range tc.SearchHits {
			fmt.Fprintf(w, "  %.2f %s: %s\n", h.Score, h.Key, h.Snippet)
		}
	}
	printFailures(w, resp.Failed)
}

func joinTiers(tiers []types.Tier) string {
	if len(tiers) == 0 {
		return "none"
	}
	names := make([]string, len(tiers))
	for i, t := range tiers {
		names[i] = string(t)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
