// Command bridge is the Voxwire voice bridge: it consumes call audio from
// the broker, runs streaming STT, debounces user turns for the agents, and
// synthesizes agent speech back to the web or telephony egress.
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

	"github.com/voxwire/voxwire/internal/boot"
	"github.com/voxwire/voxwire/internal/bridge"
	"github.com/voxwire/voxwire/internal/bus"
	"github.com/voxwire/voxwire/internal/config"
	"github.com/voxwire/voxwire/internal/health"
	"github.com/voxwire/voxwire/internal/observe"
	"github.com/voxwire/voxwire/pkg/provider/stt/deepgram"
	"github.com/voxwire/voxwire/pkg/provider/tts"
	"github.com/voxwire/voxwire/pkg/provider/tts/elevenlabs"
	"github.com/voxwire/voxwire/pkg/provider/tts/httpsynth"

	"golang.org/x/sync/errgroup"
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
			fmt.Fprintf(os.Stderr, "bridge: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "bridge: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := boot.Logger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("bridge starting",
		"config", *configPath,
		"log_level", cfg.Server.LogLevel,
		"debounce", cfg.Bridge.DebounceDelay,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownOtel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voxwire-bridge"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer boot.FlushTelemetry(shutdownOtel)
	metrics := observe.DefaultMetrics()

	// ── Providers ─────────────────────────────────────────────────────────────
	sttOpts := []deepgram.Option{deepgram.WithLanguage(cfg.Bridge.STT.Language)}
	if cfg.Bridge.STT.Model != "" {
		sttOpts = append(sttOpts, deepgram.WithModel(cfg.Bridge.STT.Model))
	}
	sttp, err := deepgram.New(cfg.Bridge.STT.APIKey, sttOpts...)
	if err != nil {
		slog.Error("failed to build stt provider", "err", err)
		return 1
	}

	ttsOpts := []elevenlabs.Option{}
	if cfg.Bridge.TTS.Model != "" {
		ttsOpts = append(ttsOpts, elevenlabs.WithModel(cfg.Bridge.TTS.Model))
	}
	streamTTS, err := elevenlabs.New(cfg.Bridge.TTS.APIKey, ttsOpts...)
	if err != nil {
		slog.Error("failed to build streaming tts provider", "err", err)
		return 1
	}

	bufferedTTS, err := httpsynth.New(cfg.Bridge.TTS.HTTPBaseURL)
	if err != nil {
		slog.Error("failed to build fallback tts provider", "err", err)
		return 1
	}

	voices, err := tts.NewVoiceLookup(cfg.Bridge.TTS.VoiceLookupURL)
	if err != nil {
		slog.Error("failed to build voice lookup", "err", err)
		return 1
	}

	gwc, err := bridge.NewHTTPGateway(cfg.Bridge.GatewayURL, cfg.Bridge.InternalKeyFile)
	if err != nil {
		slog.Error("failed to build gateway client", "err", err)
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

	if err := conn.DeclareTopology(ctx); err != nil {
		slog.Error("failed to declare broker topology", "err", err)
		return 1
	}
	pub := bus.NewPublisher(conn, "bridge")

	b := bridge.New(sttp, streamTTS, bufferedTTS, voices, pub, gwc, metrics,
		bridge.WithDebounce(cfg.Bridge.DebounceDelay))

	slog.Info("bridge ready — press Ctrl+C to shut down")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Run(ctx, conn) })
	g.Go(func() error {
		return boot.ServeMetrics(ctx, cfg.Server.MetricsAddr,
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
