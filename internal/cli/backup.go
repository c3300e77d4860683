package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/scrypster/loom/internal/backup"
)

func newBackupCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create, inspect and restore backups of every tier",
	}
	cmd.AddCommand(
		newBackupFullCmd(opts),
		newBackupIncrementalCmd(opts),
		newBackupListCmd(opts),
		newBackupValidateCmd(opts),
		newBackupRestoreCmd(opts),
		newBackupCleanupCmd(opts),
		newBackupDeleteCmd(opts),
		newBackupHealthCmd(opts),
	)
	return cmd
}

// withBackups opens a coordinator and hands its backup engine to fn.
func (o *options) withBackups(ctx context.Context, fn func(*backup.Engine) error) error {
	c, log, err := o.open(ctx, nil)
	if err != nil {
		return err
	}
	defer closeCoordinator(c, log)
	eng, err := c.Backups()
	if err != nil {
		return err
	}
	return fn(eng)
}

func newBackupFullCmd(opts *options) *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   "full",
		Short: "Back up every tier",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withBackups(cmd.Context(), func(eng *backup.Engine) error {
				rec, err := eng.CreateFullBackup(cmd.Context(), description)
				if err != nil {
					return err
				}
				return opts.emitRecord(cmd.OutOrStdout(), rec)
			})
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "Free-text note stored with the backup")
	return cmd
}

func newBackupIncrementalCmd(opts *options) *cobra.Command {
	var base string
	cmd := &cobra.Command{
		Use:   "incremental",
		Short: "Back up files changed since a base backup",
		Long: `Back up the files whose modification time is newer than the base
backup, plus files the base chain never saw. Without --base the latest
completed full backup is used.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withBackups(cmd.Context(), func(eng *backup.Engine) error {
				rec, err := eng.CreateIncrementalBackup(cmd.Context(), base)
				if err != nil {
					return err
				}
				return opts.emitRecord(cmd.OutOrStdout(), rec)
			})
		},
	}
	cmd.Flags().StringVar(&base, "base", "", "Base backup id")
	return cmd
}

func newBackupListCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the backup catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withBackups(cmd.Context(), func(eng *backup.Engine) error {
				recs := eng.ListBackups()
				return opts.emit(cmd.OutOrStdout(), recs, func(w io.Writer) error {
					if len(recs) == 0 {
						fmt.Fprintln(w, "no backups")
						return nil
					}
					tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
					fmt.Fprintln(tw, "ID\tKIND\tSTATUS\tCREATED\tFILES\tSIZE\tBASE")
					for _, r := range recs {
						base := r.BaseBackupID
						if base == "" {
							base = "-"
						}
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
							r.ID, r.Kind, r.Status, r.CreatedAt.Format(time.RFC3339), r.FileCount, r.SizeBytes, base)
					}
					return tw.Flush()
				})
			})
		},
	}
}

func newBackupValidateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <backup-id>",
		Short: "Verify a backup's checksum, file count and base chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withBackups(cmd.Context(), func(eng *backup.Engine) error {
				res, err := eng.ValidateBackup(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				err = opts.emit(cmd.OutOrStdout(), res, func(w io.Writer) error {
					verdict := "valid"
					if !res.Valid {
						verdict = "INVALID"
					}
					fmt.Fprintf(w, "%s: %s\n", res.BackupID, verdict)
					for _, p := range res.Problems {
						fmt.Fprintf(w, "  %s\n", p)
					}
					return nil
				})
				if err != nil {
					return err
				}
				if !res.Valid {
					return fmt.Errorf("backup %s failed validation", res.BackupID)
				}
				return nil
			})
		},
	}
}

func newBackupRestoreCmd(opts *options) *cobra.Command {
	var (
		components []string
		dryRun     bool
		overwrite  bool
		validate   bool
	)
	cmd := &cobra.Command{
		Use:   "restore <backup-id>",
		Short: "Restore tiers from a backup and its base chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withBackups(cmd.Context(), func(eng *backup.Engine) error {
				res, err := eng.RestoreData(cmd.Context(), backup.RestoreOptions{
					BackupID:              args[0],
					Components:            components,
					DryRun:                dryRun,
					Overwrite:             overwrite,
					ValidateBeforeRestore: validate,
				})
				if err != nil {
					return err
				}
				err = opts.emit(cmd.OutOrStdout(), res, func(w io.Writer) error {
					prefix := ""
					if res.DryRun {
						prefix = "dry run: "
					}
					fmt.Fprintf(w, "%srestored %s (%d files, %d skipped) via chain %s\n",
						prefix, strings.Join(res.RestoredComponents, ", "),
						res.FilesRestored, res.FilesSkipped, strings.Join(res.Chain, " -> "))
					for _, name := range res.FailedComponents {
						fmt.Fprintf(w, "  %s failed: %s\n", name, res.Errors[name])
					}
					return nil
				})
				if err != nil {
					return err
				}
				if !res.Success {
					if res.Error != "" {
						return errors.New(res.Error)
					}
					return fmt.Errorf("restore of %s failed", res.BackupID)
				}
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&components, "component", nil, "Components to restore; default all in the backup")
	f.BoolVar(&dryRun, "dry-run", false, "Report what would be restored without writing")
	f.BoolVar(&overwrite, "overwrite", false, "Replace files that already exist")
	f.BoolVar(&validate, "validate", true, "Validate the backup and each file before restoring")
	return cmd
}

func newBackupCleanupCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Apply the retention policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withBackups(cmd.Context(), func(eng *backup.Engine) error {
				res, err := eng.Cleanup(cmd.Context())
				if err != nil {
					return err
				}
				return opts.emit(cmd.OutOrStdout(), res, func(w io.Writer) error {
					fmt.Fprintf(w, "deleted %d, protected %d, %d remaining\n", len(res.Deleted), len(res.Protected), res.Remaining)
					for _, e := range res.Errors {
						fmt.Fprintf(w, "  %s\n", e)
					}
					return nil
				})
			})
		},
	}
}

func newBackupDeleteCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <backup-id>",
		Short: "Delete a backup that no other backup depends on",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withBackups(cmd.Context(), func(eng *backup.Engine) error {
				if err := eng.DeleteBackup(cmd.Context(), args[0]); err != nil {
					return err
				}
				return opts.emit(cmd.OutOrStdout(), map[string]string{"deleted": args[0]}, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "deleted %s\n", args[0])
					return err
				})
			})
		},
	}
}

func newBackupHealthCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show backup engine health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withBackups(cmd.Context(), func(eng *backup.Engine) error {
				st := eng.HealthCheck()
				return opts.emit(cmd.OutOrStdout(), st, func(w io.Writer) error {
					fmt.Fprintf(w, "status: %s\n", st.Status)
					if st.Message != "" {
						fmt.Fprintf(w, "message: %s\n", st.Message)
					}
					fmt.Fprintf(w, "backups: %d (%d failed, %d bytes)\n", st.TotalBackups, st.FailedBackups, st.DiskSpaceUsed)
					if !st.LastBackup.IsZero() {
						fmt.Fprintf(w, "last backup: %s\n", st.LastBackup.Format(time.RFC3339))
					}
					return nil
				})
			})
		},
	}
}

func (o *options) emitRecord(w io.Writer, rec *backup.Record) error {
	return o.emit(w, rec, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "%s backup %s: %d files, %d bytes, components %s\n",
			rec.Kind, rec.ID, rec.FileCount, rec.SizeBytes, strings.Join(rec.Components, ", "))
		return err
	})
}
