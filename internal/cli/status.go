package cli

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/scrypster/loom/internal/coordinator"
	"github.com/scrypster/loom/pkg/types"
)

func newStatusCmd(opts *options) *cobra.Command {
	var diagnostics bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the health of every tier",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, log, err := opts.open(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer closeCoordinator(c, log)

			if diagnostics {
				d, err := c.PerformDiagnostics(cmd.Context())
				if err != nil {
					return err
				}
				return opts.emit(cmd.OutOrStdout(), d, func(w io.Writer) error {
					printStatus(w, &d.SystemStatus)
					printDiagnostics(w, d)
					return nil
				})
			}

			st, err := c.GetSystemStatus(cmd.Context())
			if err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), st, func(w io.Writer) error {
				printStatus(w, st)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&diagnostics, "diagnostics", false, "Run consistency checks and include component stats")
	return cmd
}

func printStatus(w io.Writer, st *coordinator.SystemStatus) {
	fmt.Fprintf(w, "state: %s (failure rate %.1f%% over %d samples)\n", st.State, st.FailureRate*100, st.Samples)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIER\tSTATE\tENTRIES\tERRORS\tMESSAGE")
	for _, tier := range types.AllTiers {
		h, ok := st.Tiers[tier]
		if !ok {
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", tier, h.State, h.Entries, h.ErrorCount, h.Message)
	}
	tw.Flush()
}

func printDiagnostics(w io.Writer, d *coordinator.Diagnostics) {
	fmt.Fprintf(w, "knowledge records: %d\n", d.Knowledge)
	fmt.Fprintf(w, "backup: %s, %d stored", d.Backup.Status, d.Backup.TotalBackups)
	if d.Backup.Message != "" {
		fmt.Fprintf(w, " (%s)", d.Backup.Message)
	}
	fmt.Fprintln(w)

	if len(d.Issues) == 0 {
		fmt.Fprintln(w, "consistency: no issues")
	} else {
		fmt.Fprintf(w, "consistency: %d issues\n", len(d.Issues))
		for _, is := range d.Issues {
			fmt.Fprintf(w, "  [%s] %s: %s\n", is.Severity, is.Check, is.Message)
		}
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CACHE\tENTRIES\tHITS\tMISSES\tHIT RATE")
	for _, s := range d.Caches {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%.2f\n", s.Name, s.Entries, s.Hits, s.Misses, s.HitRate)
	}
	tw.Flush()

	names := make([]string, 0, len(d.Guards))
	for name := range d.Guards {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		g := d.Guards[name]
		fmt.Fprintf(w, "guard %s: breaker %s, %d requests, %d failures, %d rejected\n",
			name, g.State, g.TotalRequests, g.TotalFailures, g.Rejected)
	}
}
