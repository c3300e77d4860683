// Package cli implements the loom command line.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/scrypster/loom/internal/config"
	"github.com/scrypster/loom/internal/coordinator"
	"github.com/scrypster/loom/internal/logger"
	"github.com/scrypster/loom/internal/notify"
	"github.com/scrypster/loom/internal/storage"
)

const rootLongDesc = `loom keeps the memory of a chapter-by-chapter story generator.

Chapters pass through a short-term tier (full text of recent chapters), a
mid-term tier (per-chapter analytics) and a long-term tier (durable plot
threads and character facts in SQLite).

Settings come from LOOM_* environment variables, optionally overlaid by a
YAML file given with --config.`

type options struct {
	configPath string
	dataPath   string
	format     string
	debug      bool
	logOut     io.Writer
}

// NewRootCmd builds the loom command tree.
func NewRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "loom",
		Short:         "Chapter memory hierarchy",
		Long:          rootLongDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if opts.format != "text" && opts.format != "json" {
				return fmt.Errorf("unknown output format %q (want text or json)", opts.format)
			}
			if opts.logOut == nil {
				opts.logOut = cmd.ErrOrStderr()
			}
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "YAML config file")
	pf.StringVarP(&opts.dataPath, "data", "d", "", "Data directory; also moves the long-term database under it")
	pf.StringVarP(&opts.format, "format", "f", "text", "Output format: text or json")
	pf.BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	cmd.AddCommand(
		newIngestCmd(opts),
		newStatusCmd(opts),
		newSearchCmd(opts),
		newContextCmd(opts),
		newBackupCmd(opts),
		newRunCmd(opts),
	)
	return cmd
}

func (o *options) loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if o.configPath != "" {
		cfg, err = config.LoadConfigFile(o.configPath)
	} else {
		cfg, err = config.LoadConfig()
	}
	if err != nil {
		return nil, err
	}
	if o.dataPath != "" {
		cfg.Storage.DataPath = o.dataPath
		cfg.LongTerm.DBPath = filepath.Join(o.dataPath, "longterm", "knowledge.db")
	}
	return cfg, nil
}

func (o *options) logger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
		level = slog.LevelInfo
	}
	if o.debug {
		level = slog.LevelDebug
	}
	return logger.New(
		logger.WithLevel(level),
		logger.WithPretty(cfg.Logging.Format == "pretty"),
		logger.WithJSON(cfg.Logging.Format == "json"),
		logger.WithWriter(o.logOut),
	)
}

// open loads configuration, lets adjust tweak it and starts a coordinator
// over a file store at the data path. A nil adjust opens for a one-shot
// command: no backup scheduler, no event watcher.
func (o *options) open(ctx context.Context, adjust func(*config.Config)) (*coordinator.Coordinator, *slog.Logger, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if adjust == nil {
		adjust = oneShot
	}
	adjust(cfg)
	log := o.logger(cfg)

	store, err := storage.NewFileProvider(cfg.Storage.DataPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open data directory: %w", err)
	}
	c, err := coordinator.New(cfg, coordinator.Deps{
		Store:  store,
		Events: notify.NewEventWriter(cfg.Storage.DataPath),
		Logger: log,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := c.Initialize(ctx); err != nil {
		return nil, nil, err
	}
	return c, log, nil
}

func oneShot(cfg *config.Config) {
	cfg.Backup.Enabled = false
	cfg.Coordinator.EnableEventWatcher = false
}

func closeCoordinator(c *coordinator.Coordinator, log *slog.Logger) {
	if err := c.Shutdown(context.Background()); err != nil {
		log.Warn("shutdown incomplete", "error", err)
	}
}

// emit writes v as indented JSON, or calls text for the text format.
func (o *options) emit(w io.Writer, v any, text func(io.Writer) error) error {
	if o.format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	return text(w)
}
