// Command assetbench drives a synthetic borrow/release workload against the
// cache using the in-memory provider, and optionally serves Prometheus
// metrics and pprof while it runs.
//
// Usage:
//
//	assetbench [--config bench.yaml] [--duration 30s] [--workers 16] ...
//
// Settings come from defaults, then the config file, then ASSETCACHE_*
// environment variables, then flags.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IvanBrykalov/assetcache/cache"
	"github.com/IvanBrykalov/assetcache/internal/config"
	ometric "github.com/IvanBrykalov/assetcache/metrics/otel"
	pmet "github.com/IvanBrykalov/assetcache/metrics/prom"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Version is injected with -ldflags "-X main.Version=...".
var Version = "0.1.0-dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp(os.Stdout, os.Stderr).Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "assetbench:", err)
		os.Exit(1)
	}
}

func newApp(stdout, stderr io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "assetbench",
		Usage:     "run a borrow/release workload against the asset cache",
		Version:   Version,
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML or JSON config file"},
			&cli.DurationFlag{Name: "duration", Aliases: []string{"d"}, Usage: "workload duration"},
			&cli.IntFlag{Name: "workers", Aliases: []string{"w"}, Usage: "worker goroutines"},
			&cli.IntFlag{Name: "keys", Usage: "keyspace size"},
			&cli.IntFlag{Name: "shards", Usage: "entry table shards (0 = auto)"},
			&cli.DurationFlag{Name: "release-delay", Usage: "grace period passed to ReleaseAfter"},
			&cli.DurationFlag{Name: "latency", Usage: "simulated provider latency"},
			&cli.StringFlag{Name: "metrics", Usage: "metrics backend: prom | otel | none"},
			&cli.StringFlag{Name: "listen", Usage: "serve /metrics at addr (e.g. :8080); empty = disabled"},
			&cli.BoolFlag{Name: "pprof", Usage: "also serve /debug/pprof on --listen"},
			&cli.StringFlag{Name: "log-level", Usage: "debug | info | warn | error"},
		},
		Action: benchAction,
	}
}

func benchAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}
	applyFlags(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := newLogger(cfg.Log, cmd.ErrWriter)
	if err != nil {
		return err
	}

	var (
		metrics  cache.Metrics = cache.NoopMetrics{}
		reader   *sdkmetric.ManualReader
		registry = prometheus.NewRegistry()
	)
	switch cfg.Metrics.Backend {
	case "prom":
		registry.MustRegister(collectors.NewGoCollector())
		metrics = pmet.New(registry, "assetcache", "bench", nil)
	case "otel":
		reader = sdkmetric.NewManualReader()
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
		defer func() { _ = mp.Shutdown(context.WithoutCancel(ctx)) }()
		if metrics, err = ometric.New(mp); err != nil {
			return fmt.Errorf("otel metrics: %w", err)
		}
	}

	if cfg.Metrics.Listen != "" {
		shutdown, err := serveHTTP(cfg.Metrics, registry, log)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	log.Info("workload starting",
		slog.Duration("duration", cfg.Workload.Duration),
		slog.Int("workers", cfg.Workload.Workers),
		slog.Int("keys", cfg.Workload.Keys),
		slog.String("metrics", cfg.Metrics.Backend))

	rep, err := runWorkload(ctx, cfg, metrics, log)
	if err != nil {
		return err
	}
	rep.print(cmd.Writer)
	if reader != nil {
		printOTel(ctx, cmd.Writer, reader)
	}
	return nil
}

// applyFlags lets explicitly set flags win over file and environment.
func applyFlags(cmd *cli.Command, cfg *config.Config) {
	if cmd.IsSet("duration") {
		cfg.Workload.Duration = cmd.Duration("duration")
	}
	if cmd.IsSet("workers") {
		cfg.Workload.Workers = cmd.Int("workers")
	}
	if cmd.IsSet("keys") {
		cfg.Workload.Keys = cmd.Int("keys")
	}
	if cmd.IsSet("shards") {
		cfg.Cache.Shards = cmd.Int("shards")
	}
	if cmd.IsSet("release-delay") {
		cfg.Workload.ReleaseDelay = cmd.Duration("release-delay")
	}
	if cmd.IsSet("latency") {
		cfg.Provider.Latency = cmd.Duration("latency")
	}
	if cmd.IsSet("metrics") {
		cfg.Metrics.Backend = cmd.String("metrics")
	}
	if cmd.IsSet("listen") {
		cfg.Metrics.Listen = cmd.String("listen")
	}
	if cmd.IsSet("pprof") {
		cfg.Metrics.Pprof = cmd.Bool("pprof")
	}
	if cmd.IsSet("log-level") {
		cfg.Log.Level = cmd.String("log-level")
	}
}

func newLogger(lc config.Log, w io.Writer) (*slog.Logger, error) {
	lvl, err := lc.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if lc.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// serveHTTP exposes /metrics, and pprof when enabled, on a private mux.
func serveHTTP(mc config.Metrics, reg *prometheus.Registry, log *slog.Logger) (func(), error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	if mc.Pprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	ln, err := net.Listen("tcp", mc.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", mc.Listen, err)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("http: serving", slog.String("addr", ln.Addr().String()), slog.Bool("pprof", mc.Pprof))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http: serve failed", slog.Any("error", err))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
