package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Empty(t, cfg.File)
	assert.Equal(t, filepath.Join(".possync", "possync.db"), cfg.Store.Path)
	assert.Equal(t, 5*time.Minute, cfg.Sync.Interval)
	assert.Equal(t, 4, cfg.Sync.Concurrency)
	assert.Equal(t, 5, cfg.Sync.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.Sync.InitialBackoff)
	assert.Equal(t, 2*time.Second, cfg.Connectivity.Debounce)
	assert.Equal(t, 24*time.Hour, cfg.MasterData.CacheTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.Store.Retention)
	assert.Equal(t, 8080, cfg.Dashboard.Port)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "possync.yaml")
	content := `
store:
  path: /var/lib/possync/pos.db
  quota_bytes: 1048576
remote:
  base_url: https://api.example.com
  token: secret
sync:
  interval: 90s
  concurrency: 2
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.File)
	assert.Equal(t, "/var/lib/possync/pos.db", cfg.Store.Path)
	assert.Equal(t, 90*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 2, cfg.Sync.Concurrency)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Unset keys keep their defaults.
	assert.Equal(t, 5, cfg.Sync.MaxRetries)

	httpCfg := cfg.HTTPConfig()
	assert.Equal(t, "https://api.example.com", httpCfg.BaseURL)
	require.NotNil(t, httpCfg.Tokens)

	assert.Equal(t, int64(1048576), cfg.MetricsConfig().QuotaBytes)
	assert.Equal(t, 2, cfg.EngineConfig().Concurrency)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "possync.toml")
	require.NoError(t, os.WriteFile(path, []byte("[sync]\ninterval = \"1m\"\n"), 0o600))
	t.Setenv("POSSYNC_SYNC_INTERVAL", "30s")
	t.Setenv("POSSYNC_DASHBOARD_PORT", "9000")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 9000, cfg.Dashboard.Port)
}

func TestLoadSearchesWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", t.TempDir())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "possync.toml"), []byte("[log]\nlevel = \"warn\"\n"), 0o600))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.True(t, strings.HasSuffix(cfg.File, "possync.toml"), cfg.File)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err, "explicit missing file")

	path := filepath.Join(t.TempDir(), "possync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sync:\n  concurrency: 0\n  interval: 0s\n"), 0o600))
	_, err = Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sync.concurrency")
	assert.Contains(t, err.Error(), "sync.interval")
}

func TestWriteDefaultRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "possync.toml")
	require.NoError(t, WriteDefault(path, false))
	assert.Error(t, WriteDefault(path, false), "existing file without force")
	require.NoError(t, WriteDefault(path, true))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[sync]")
	assert.Contains(t, string(data), `interval = "5m0s"`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.Sync.Interval)
	assert.Equal(t, 10*time.Minute, cfg.Sync.InFlightTimeout)
}

func TestKeys(t *testing.T) {
	keys := Keys()
	assert.Contains(t, keys, "remote.rate_limit_per_min")
	assert.Contains(t, keys, "connectivity.probe_timeout")
	assert.Len(t, keys, 28)
}

func TestEffectiveMasksToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "possync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("remote:\n  token: secret\n"), 0o600))

	settings, file, err := Effective(path)
	require.NoError(t, err)
	assert.Equal(t, path, file)

	remote, ok := settings["remote"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "********", remote["token"])
	assert.Equal(t, "http://localhost:3000", remote["base_url"])
}
