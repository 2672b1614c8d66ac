// Command registry is the Voxwire app registry: it tracks companion app
// containers, probes their health, and proxies state and action requests.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/voxwire/voxwire/internal/boot"
	"github.com/voxwire/voxwire/internal/config"
	"github.com/voxwire/voxwire/internal/health"
	"github.com/voxwire/voxwire/internal/observe"
	"github.com/voxwire/voxwire/internal/registry"
	"github.com/voxwire/voxwire/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "registry: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "registry: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := boot.Logger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("registry starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"health_check_interval", cfg.Registry.HealthCheckInterval,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownOtel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voxwire-registry"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer boot.FlushTelemetry(shutdownOtel)
	metrics := observe.DefaultMetrics()

	// ── Postgres ──────────────────────────────────────────────────────────────
	st, err := store.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		slog.Error("failed to connect to postgres", "err", err)
		return 1
	}
	defer st.Close()

	// ── Registry ──────────────────────────────────────────────────────────────
	reg := registry.New(cfg.Registry, st)

	mux := http.NewServeMux()
	reg.Register(mux)
	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: observe.Middleware(metrics)(mux),
	}

	slog.Info("registry ready — press Ctrl+C to shut down")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return reg.RunHealthChecks(ctx) })
	g.Go(func() error { return boot.Serve(ctx, srv) })
	g.Go(func() error {
		return boot.ServeMetrics(ctx, cfg.Server.MetricsAddr,
			health.PingChecker("postgres", st),
		)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}
