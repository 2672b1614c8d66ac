// Package boot holds the startup plumbing shared by every Voxwire binary:
// logger construction, the metrics/health listener, and graceful HTTP serving.
package boot

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxwire/voxwire/internal/config"
	"github.com/voxwire/voxwire/internal/health"
)

// shutdownGrace is how long in-flight requests get to drain after the
// shutdown signal before the listener is torn down.
const shutdownGrace = 15 * time.Second

// Logger builds the process-wide text logger for the configured level.
func Logger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// Serve runs srv until ctx is cancelled, then shuts it down gracefully.
// A clean shutdown returns nil.
func Serve(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// FlushTelemetry runs an OTel provider shutdown function with a bounded
// deadline. Meant for a defer in main.
func FlushTelemetry(shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
}

// ServeMetrics serves Prometheus metrics plus /healthz and /readyz on addr
// until ctx is cancelled. A process without a metrics listener configures an
// empty addr; that is not an error.
func ServeMetrics(ctx context.Context, addr string, checkers ...health.Checker) error {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(checkers...).Register(mux)
	return Serve(ctx, &http.Server{Addr: addr, Handler: mux})
}
