// Package config loads assetbench settings: defaults, then an optional
// YAML or JSON file, then ASSETCACHE_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ASSETCACHE_"

var (
	ErrUnsupportedFormat = errors.New("config: unsupported file format")
	ErrInvalid           = errors.New("config: invalid value")
)

// Config is the full assetbench configuration.
type Config struct {
	Cache    Cache    `koanf:"cache" envPrefix:"CACHE_"`
	Workload Workload `koanf:"workload" envPrefix:"WORKLOAD_"`
	Provider Provider `koanf:"provider" envPrefix:"PROVIDER_"`
	Metrics  Metrics  `koanf:"metrics" envPrefix:"METRICS_"`
	Log      Log      `koanf:"log" envPrefix:"LOG_"`
}

// Cache maps onto cache.Options.
type Cache struct {
	Shards          int `koanf:"shards" env:"SHARDS"`
	LoadConcurrency int `koanf:"load_concurrency" env:"LOAD_CONCURRENCY"`
}

// Workload shapes the synthetic borrow/release traffic.
type Workload struct {
	Duration     time.Duration `koanf:"duration" env:"DURATION"`
	Workers      int           `koanf:"workers" env:"WORKERS"`
	Keys         int           `koanf:"keys" env:"KEYS"`
	ReleaseDelay time.Duration `koanf:"release_delay" env:"RELEASE_DELAY"`
	// GroupSize is the number of keys per preload group; 0 disables preloads.
	GroupSize int `koanf:"group_size" env:"GROUP_SIZE"`
	// ScopePercent is the share of iterations that borrow through a Scope.
	ScopePercent int `koanf:"scope_percent" env:"SCOPE_PERCENT"`
}

// Provider configures the in-memory backend.
type Provider struct {
	BlobSize    int           `koanf:"blob_size" env:"BLOB_SIZE"`
	Latency     time.Duration `koanf:"latency" env:"LATENCY"`
	BytesPerSec int           `koanf:"bytes_per_sec" env:"BYTES_PER_SEC"`
	FailPercent int           `koanf:"fail_percent" env:"FAIL_PERCENT"`
}

// Metrics selects the metrics backend and HTTP exposition.
type Metrics struct {
	// Backend is "prom", "otel" or "none".
	Backend string `koanf:"backend" env:"BACKEND"`
	// Listen serves /metrics (and pprof when enabled). Empty disables it.
	Listen string `koanf:"listen" env:"LISTEN"`
	Pprof  bool   `koanf:"pprof" env:"PPROF"`
}

// Log configures the slog handler.
type Log struct {
	Level  string `koanf:"level" env:"LEVEL"`
	Format string `koanf:"format" env:"FORMAT"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Workload: Workload{
			Duration:     10 * time.Second,
			Workers:      8,
			Keys:         1024,
			ReleaseDelay: 50 * time.Millisecond,
			GroupSize:    16,
			ScopePercent: 20,
		},
		Provider: Provider{
			BlobSize: 4 << 10,
			Latency:  time.Millisecond,
		},
		Metrics: Metrics{Backend: "prom"},
		Log:     Log{Level: "info", Format: "text"},
	}
}

// Load builds a Config from defaults, the file at path (skipped when empty)
// and the environment, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := decode(&cfg, data, filepath.Ext(path)); err != nil {
			return Config{}, err
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decode overlays file data on cfg. Keys absent from the file keep their
// current values.
func decode(cfg *Config, data []byte, ext string) error {
	var parser koanf.Parser
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}

	k := koanf.New(".")
	if len(data) == 0 {
		return nil
	}
	if err := k.Load(rawbytes.Provider(data), parser); err != nil {
		return fmt.Errorf("config: parse: %w", err)
	}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return fmt.Errorf("config: unmarshal: %w", err)
	}
	return nil
}

// Validate rejects values the workload cannot run with.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}
	check(c.Cache.Shards >= 0, "cache.shards %d < 0", c.Cache.Shards)
	check(c.Cache.LoadConcurrency >= 0, "cache.load_concurrency %d < 0", c.Cache.LoadConcurrency)
	check(c.Workload.Duration > 0, "workload.duration must be positive")
	check(c.Workload.Workers > 0, "workload.workers must be positive")
	check(c.Workload.Keys > 0, "workload.keys must be positive")
	check(c.Workload.ReleaseDelay >= 0, "workload.release_delay must not be negative")
	check(c.Workload.GroupSize >= 0 && c.Workload.GroupSize <= c.Workload.Keys,
		"workload.group_size %d outside [0, keys]", c.Workload.GroupSize)
	check(c.Workload.ScopePercent >= 0 && c.Workload.ScopePercent <= 100,
		"workload.scope_percent %d outside [0, 100]", c.Workload.ScopePercent)
	check(c.Provider.BlobSize > 0, "provider.blob_size must be positive")
	check(c.Provider.Latency >= 0, "provider.latency must not be negative")
	check(c.Provider.BytesPerSec >= 0, "provider.bytes_per_sec must not be negative")
	check(c.Provider.FailPercent >= 0 && c.Provider.FailPercent <= 100,
		"provider.fail_percent %d outside [0, 100]", c.Provider.FailPercent)
	switch c.Metrics.Backend {
	case "prom", "otel", "none":
	default:
		check(false, "metrics.backend %q", c.Metrics.Backend)
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		check(false, "log.format %q", c.Log.Format)
	}
	return errors.Join(errs...)
}

// SlogLevel parses Level.
func (l Log) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("%w: log.level %q", ErrInvalid, l.Level)
	}
	return lvl, nil
}
