package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/scrypster/loom/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	_ = os.Unsetenv("LOOM_DATA_PATH")
	_ = os.Unsetenv("LOOM_SHORT_TERM_WINDOW")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "./data", cfg.Storage.DataPath)
	assert.Equal(t, 5, cfg.ShortTerm.RetentionWindow)
	assert.Equal(t, 4*time.Hour, cfg.ShortTerm.GenerationMaxAge)
	assert.Equal(t, 50, cfg.ShortTerm.GenerationMaxActive)
	assert.Equal(t, 5*time.Minute, cfg.Cache.SweepInterval)
	assert.Equal(t, 1000, cfg.Cache.LatencySamples)
	assert.Equal(t, "./data/longterm/knowledge.db", cfg.LongTerm.DBPath)
	assert.InDelta(t, 0.20, cfg.Coordinator.CriticalFailRate, 1e-9)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("LOOM_DATA_PATH", "/srv/loom")
	t.Setenv("LOOM_SHORT_TERM_WINDOW", "8")
	t.Setenv("LOOM_BACKUP_ENABLED", "YES")
	t.Setenv("LOOM_CACHE_SWEEP_INTERVAL", "90s")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "/srv/loom", cfg.Storage.DataPath)
	assert.Equal(t, 8, cfg.ShortTerm.RetentionWindow)
	assert.True(t, cfg.Backup.Enabled)
	assert.Equal(t, 90*time.Second, cfg.Cache.SweepInterval)
	assert.Equal(t, "/srv/loom/longterm/knowledge.db", cfg.LongTerm.DBPath)
}

func TestLoadConfig_InvalidEnvFallsBack(t *testing.T) {
	t.Setenv("LOOM_SHORT_TERM_WINDOW", "not-a-number")
	t.Setenv("LOOM_CACHE_DEFAULT_TTL", "forever")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.ShortTerm.RetentionWindow)
	assert.Equal(t, 30*time.Minute, cfg.Cache.DefaultTTL)
}

func TestLoadConfig_InvalidValueRejected(t *testing.T) {
	t.Setenv("LOOM_SHORT_TERM_WINDOW", "0")
	_, err := config.LoadConfig()
	assert.Error(t, err)
}

func TestLoadConfigFile_OverlayAndEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  data_path: /var/lib/loom
short_term:
  retention_window: 7
backup:
  enabled: true
  max_backups: 10
  full_interval: 12h
`), 0o600))
	t.Setenv("LOOM_BACKUP_MAX_BACKUPS", "3")
	_ = os.Unsetenv("LOOM_DATA_PATH")
	_ = os.Unsetenv("LOOM_SHORT_TERM_WINDOW")

	cfg, err := config.LoadConfigFile(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/loom", cfg.Storage.DataPath)
	assert.Equal(t, 7, cfg.ShortTerm.RetentionWindow)
	assert.True(t, cfg.Backup.Enabled)
	assert.Equal(t, 12*time.Hour, cfg.Backup.FullInterval)
	assert.Equal(t, 3, cfg.Backup.MaxBackups, "env must win over file")
	assert.Equal(t, 50, cfg.MidTerm.RetentionWindow, "unset keys keep defaults")
}

func TestLoadConfigFile_Errors(t *testing.T) {
	_, err := config.LoadConfigFile("")
	assert.Error(t, err)

	_, err = config.LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("short_term: [unclosed"), 0o600))
	_, err = config.LoadConfigFile(bad)
	assert.Error(t, err)
}
