package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "bench.yaml", `
cache:
  shards: 32
workload:
  duration: 3s
  workers: 4
  release_delay: 250ms
metrics:
  backend: otel
  listen: ":9100"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 32, cfg.Cache.Shards)
	assert.Equal(t, 3*time.Second, cfg.Workload.Duration)
	assert.Equal(t, 4, cfg.Workload.Workers)
	assert.Equal(t, 250*time.Millisecond, cfg.Workload.ReleaseDelay)
	assert.Equal(t, "otel", cfg.Metrics.Backend)
	assert.Equal(t, ":9100", cfg.Metrics.Listen)
	// Untouched keys keep their defaults.
	assert.Equal(t, Default().Workload.Keys, cfg.Workload.Keys)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_JSON(t *testing.T) {
	path := writeFile(t, "bench.json", `{"provider": {"blob_size": 128, "fail_percent": 5}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 128, cfg.Provider.BlobSize)
	assert.Equal(t, 5, cfg.Provider.FailPercent)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "bench.yml", "workload:\n  workers: 4\n")
	t.Setenv("ASSETCACHE_WORKLOAD_WORKERS", "12")
	t.Setenv("ASSETCACHE_LOG_LEVEL", "debug")
	t.Setenv("ASSETCACHE_PROVIDER_LATENCY", "5ms")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Workload.Workers)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 5*time.Millisecond, cfg.Provider.Latency)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(writeFile(t, "bench.toml", "x = 1"))
	require.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = Load(writeFile(t, "bad.yaml", "workload:\n  workers: 0\n  scope_percent: 150\n"))
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "workers")
	assert.Contains(t, err.Error(), "scope_percent")
}

func TestValidate_LogAndBackend(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "loud"
	cfg.Metrics.Backend = "statsd"
	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "log.level")
	assert.Contains(t, err.Error(), "metrics.backend")

	lvl, err := Log{Level: "warn"}.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, "WARN", lvl.String())
}
