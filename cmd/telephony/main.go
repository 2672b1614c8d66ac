// Command telephony is the Voxwire carrier adapter: it terminates carrier
// webhooks and media streams, transcodes between the 8 kHz telephony leg and
// the 16 kHz bridge plane, and paces synthesized speech back onto the call.
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
	"github.com/voxwire/voxwire/internal/bus"
	"github.com/voxwire/voxwire/internal/config"
	"github.com/voxwire/voxwire/internal/health"
	"github.com/voxwire/voxwire/internal/observe"
	"github.com/voxwire/voxwire/internal/store"
	"github.com/voxwire/voxwire/internal/telephony"
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
			fmt.Fprintf(os.Stderr, "telephony: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "telephony: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := boot.Logger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("telephony starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"max_concurrent_calls", cfg.Telephony.MaxConcurrentCalls,
	)
	if cfg.Telephony.AllowUnsignedWebhooks {
		slog.Warn("carrier webhook signature validation is DISABLED — development use only")
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownOtel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voxwire-telephony"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer boot.FlushTelemetry(shutdownOtel)
	metrics := observe.DefaultMetrics()

	// ── Postgres (caller whitelist) ───────────────────────────────────────────
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

	if err := conn.DeclareTopology(ctx); err != nil {
		slog.Error("failed to declare broker topology", "err", err)
		return 1
	}
	pub := bus.NewPublisher(conn, "telephony")

	// ── Adapter ───────────────────────────────────────────────────────────────
	gwc, err := telephony.NewGatewayHTTP(cfg.Telephony.GatewayURL, cfg.Telephony.InternalKeyFile)
	if err != nil {
		slog.Error("failed to build gateway client", "err", err)
		return 1
	}
	carrier := telephony.NewRESTClient(cfg.Telephony.AccountSID, cfg.Telephony.AuthToken,
		cfg.Telephony.FromNumber, "")

	adapter, err := telephony.New(cfg.Telephony, st, gwc, pub, carrier, metrics)
	if err != nil {
		slog.Error("failed to initialise adapter", "err", err)
		return 1
	}

	mux := http.NewServeMux()
	adapter.Register(mux)
	adapter.RegisterMediaStream(mux)
	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: observe.Middleware(metrics)(mux),
	}

	slog.Info("telephony ready — press Ctrl+C to shut down")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return adapter.RunTTSConsumer(ctx, conn) })
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
