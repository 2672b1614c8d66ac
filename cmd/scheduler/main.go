// Command scheduler is the Voxwire reminder trigger engine: it polls the
// store for due reminders, expands recurrence rules, and publishes triggers
// to the target agents and the UI.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/voxwire/voxwire/internal/boot"
	"github.com/voxwire/voxwire/internal/bus"
	"github.com/voxwire/voxwire/internal/config"
	"github.com/voxwire/voxwire/internal/health"
	"github.com/voxwire/voxwire/internal/observe"
	"github.com/voxwire/voxwire/internal/scheduler"
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
			fmt.Fprintf(os.Stderr, "scheduler: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "scheduler: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := boot.Logger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("scheduler starting",
		"config", *configPath,
		"log_level", cfg.Server.LogLevel,
		"poll_interval", cfg.Scheduler.PollInterval,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownOtel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voxwire-scheduler"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer boot.FlushTelemetry(shutdownOtel)

	// ── Postgres ──────────────────────────────────────────────────────────────
	st, err := store.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		slog.Error("failed to connect to postgres", "err", err)
		return 1
	}
	defer st.Close()

	// ── Broker ────────────────────────────────────────────────────────────────
	conn, err := bus.Dial(ctx, cfg.Broker.URL, bus.Options{
		ReconnectMin: cfg.Broker.ReconnectMin,
		ReconnectMax: cfg.Broker.ReconnectMax,
	})
	if err != nil {
		slog.Error("failed to connect to broker", "err", err)
		return 1
	}
	defer conn.Close()

	if err := conn.DeclareTopology(ctx, cfg.Scheduler.DefaultAgent); err != nil {
		slog.Error("failed to declare broker topology", "err", err)
		return 1
	}
	pub := bus.NewPublisher(conn, "scheduler")

	sched := scheduler.New(cfg.Scheduler, st, pub)

	slog.Info("scheduler ready — press Ctrl+C to shut down")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(ctx) })
	g.Go(func() error {
		return boot.ServeMetrics(ctx, cfg.Server.MetricsAddr,
			health.PingChecker("postgres", st),
			health.PingChecker("broker", conn),
		)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}
