// Command gateway is the Voxwire edge process: the HTTP API, the UI and
// voice WebSockets, and the notification fan-in from the broker.
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
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxwire/voxwire/internal/boot"
	"github.com/voxwire/voxwire/internal/bus"
	"github.com/voxwire/voxwire/internal/callmanager"
	"github.com/voxwire/voxwire/internal/config"
	"github.com/voxwire/voxwire/internal/gateway"
	"github.com/voxwire/voxwire/internal/health"
	"github.com/voxwire/voxwire/internal/notify"
	"github.com/voxwire/voxwire/internal/observe"
	"github.com/voxwire/voxwire/internal/store"
	"github.com/voxwire/voxwire/internal/telephony"
)

// sweepInterval is how often undelivered pending notifications past the
// retention window are removed.
const sweepInterval = time.Hour

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
			fmt.Fprintf(os.Stderr, "gateway: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := boot.Logger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("gateway starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownOtel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voxwire-gateway"})
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

	if err := st.Migrate(ctx); err != nil {
		slog.Error("failed to run migrations", "err", err)
		return 1
	}

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

	if err := conn.DeclareTopology(ctx, cfg.Gateway.PrimaryAgent); err != nil {
		slog.Error("failed to declare broker topology", "err", err)
		return 1
	}
	pub := bus.NewPublisher(conn, "gateway")

	// ── Call manager ──────────────────────────────────────────────────────────
	callOpts := []callmanager.Option{}
	if cfg.Gateway.TelephonyURL != "" {
		carrier, err := telephony.NewClient(cfg.Gateway.TelephonyURL, cfg.Gateway.InternalKeyFile)
		if err != nil {
			slog.Error("failed to build telephony client", "err", err)
			return 1
		}
		callOpts = append(callOpts, callmanager.WithCarrier(carrier))
	}
	calls := callmanager.New(st, pub, metrics, callOpts...)
	if err := calls.Restore(ctx); err != nil {
		slog.Error("failed to restore active calls", "err", err)
		return 1
	}

	// ── Notification fabric + HTTP surface ────────────────────────────────────
	registry := notify.NewRegistry()
	fabric := notify.NewFabric(registry, st, metrics)

	gw, err := gateway.New(cfg.Gateway, st, calls, fabric, registry, pub, metrics)
	if err != nil {
		slog.Error("failed to initialise gateway", "err", err)
		return 1
	}

	mux := http.NewServeMux()
	gw.Register(mux)
	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: observe.Middleware(metrics)(mux),
	}

	slog.Info("gateway ready — press Ctrl+C to shut down")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return fabric.Run(ctx, conn) })
	g.Go(func() error {
		fabric.SweepLoop(ctx, sweepInterval, gw.PendingRetention())
		return nil
	})
	g.Go(func() error {
		calls.RunMonitor(ctx)
		return nil
	})
	g.Go(func() error { return boot.Serve(ctx, srv) })
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
