package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/scrypster/loom/pkg/types"
)

func newSearchCmd(opts *options) *cobra.Command {
	var tierNames []string
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search every tier and merge the ranked results",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tiers, err := parseTiers(tierNames)
			if err != nil {
				return err
			}
			c, log, err := opts.open(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer closeCoordinator(c, log)

			resp := c.UnifiedSearch(cmd.Context(), strings.Join(args, " "), tiers...)
			err = opts.emit(cmd.OutOrStdout(), resp, func(w io.Writer) error {
				if len(resp.Results) == 0 {
					fmt.Fprintln(w, "no results")
				} else {
					tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
					fmt.Fprintln(tw, "SCORE\tTIER\tCHAPTER\tKEY\tSNIPPET")
					for _, r := range resp.Results {
						fmt.Fprintf(tw, "%.2f\t%s\t%s\t%s\t%s\n", r.Score, r.Tier, chapterCol(r.ChapterID), r.Key, r.Snippet)
					}
					tw.Flush()
				}
				printFailures(w, resp.Failed)
				return nil
			})
			if err != nil {
				return err
			}
			if resp.Error != "" {
				return errors.New(resp.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&tierNames, "tier", "t", nil, "Tiers to consult (shortterm, midterm, longterm); default all")
	return cmd
}

func parseTiers(names []string) ([]types.Tier, error) {
	tiers := make([]types.Tier, 0, len(names))
	for _, name := range names {
		t, err := types.ParseTier(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		tiers = append(tiers, t)
	}
	return tiers, nil
}

func chapterCol(id int) string {
	if id == 0 {
		return "-"
	}
	return fmt.Sprint(id)
}

func printFailures(w io.Writer, failed []types.TierFailure) {
	for _, f := range failed {
		fmt.Fprintf(w, "%s failed: %s\n", f.Tier, f.Error)
	}
}
