package cli

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/scrypster/loom/internal/config"
	"github.com/scrypster/loom/internal/coordinator"
)

func newRunCmd(opts *options) *cobra.Command {
	var (
		optimizeEvery time.Duration
		noBackups     bool
		noWatch       bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Keep the hierarchy open with its background services",
		Long: `Run until interrupted. Scheduled backups and the event watcher follow
the configuration (LOOM_BACKUP_ENABLED, LOOM_EVENT_WATCHER)
unless disabled by flag. An optimization pass runs every --optimize-every
and the system status is logged after it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, log, err := opts.open(ctx, func(cfg *config.Config) {
				if noBackups {
					cfg.Backup.Enabled = false
				}
				if noWatch {
					cfg.Coordinator.EnableEventWatcher = false
				}
			})
			if err != nil {
				return err
			}
			defer closeCoordinator(c, log)

			st, err := c.GetSystemStatus(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "loom running (state %s); interrupt to stop\n", st.State)

			var tick <-chan time.Time
			if optimizeEvery > 0 {
				t := time.NewTicker(optimizeEvery)
				defer t.Stop()
				tick = t.C
			}
			for {
				select {
				case <-ctx.Done():
					log.Info("stopping")
					return nil
				case <-tick:
					if _, err := c.OptimizeSystem(ctx); err != nil {
						if !errors.Is(err, coordinator.ErrOptimizationRunning) {
							return err
						}
						log.Debug("optimization still running, tick skipped")
					}
					if st, err := c.GetSystemStatus(ctx); err == nil {
						log.Info("system status", "state", st.State, "failure_rate", st.FailureRate)
					}
				}
			}
		},
	}
	f := cmd.Flags()
	f.DurationVar(&optimizeEvery, "optimize-every", 15*time.Minute, "Interval between optimization passes (0 disables)")
	f.BoolVar(&noBackups, "no-backups", false, "Do not run the backup scheduler")
	f.BoolVar(&noWatch, "no-watch", false, "Do not watch the data directory for events")
	return cmd
}
