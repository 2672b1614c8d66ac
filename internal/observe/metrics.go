// Package observe provides application-wide observability primitives for
// Voxwire: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Voxwire metrics.
const meterName = "github.com/voxwire/voxwire"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// CallSetupDuration tracks time from call initiation to the connected
	// state.
	CallSetupDuration metric.Float64Histogram

	// --- Counters ---

	// NotificationsPublished counts notifications published to the fanout
	// exchange. Use with attribute:
	//   attribute.String("type", ...)
	NotificationsPublished metric.Int64Counter

	// NotificationsDelivered counts notifications handed to a live client
	// socket. Use with attribute:
	//   attribute.String("mode", "live"|"replay")
	NotificationsDelivered metric.Int64Counter

	// NotificationsStored counts notifications persisted for offline
	// sessions (store-and-forward).
	NotificationsStored metric.Int64Counter

	// CallsEnded counts completed calls. Use with attribute:
	//   attribute.String("reason", ...)
	CallsEnded metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts speech provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of calls not yet ended.
	ActiveCalls metric.Int64UpDownCounter

	// ActiveStreams tracks the number of live audio streams in the bridge.
	ActiveStreams metric.Int64UpDownCounter

	// ConnectedClients tracks the number of connected UI stream sockets.
	ConnectedClients metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("voxwire.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("voxwire.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CallSetupDuration, err = m.Float64Histogram("voxwire.call.setup.duration",
		metric.WithDescription("Time from call initiation to connected."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.NotificationsPublished, err = m.Int64Counter("voxwire.notifications.published",
		metric.WithDescription("Total notifications published to the fanout exchange by type."),
	); err != nil {
		return nil, err
	}
	if met.NotificationsDelivered, err = m.Int64Counter("voxwire.notifications.delivered",
		metric.WithDescription("Total notifications delivered to client sockets by mode."),
	); err != nil {
		return nil, err
	}
	if met.NotificationsStored, err = m.Int64Counter("voxwire.notifications.stored",
		metric.WithDescription("Total notifications persisted for offline sessions."),
	); err != nil {
		return nil, err
	}
	if met.CallsEnded, err = m.Int64Counter("voxwire.calls.ended",
		metric.WithDescription("Total calls ended by reason."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("voxwire.provider.errors",
		metric.WithDescription("Total speech provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("voxwire.active_calls",
		metric.WithDescription("Number of calls not yet ended."),
	); err != nil {
		return nil, err
	}
	if met.ActiveStreams, err = m.Int64UpDownCounter("voxwire.active_streams",
		metric.WithDescription("Number of live audio streams in the bridge."),
	); err != nil {
		return nil, err
	}
	if met.ConnectedClients, err = m.Int64UpDownCounter("voxwire.connected_clients",
		metric.WithDescription("Number of connected UI stream sockets."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxwire.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordNotificationPublished records a published-notification counter
// increment for the given notification type.
func (m *Metrics) RecordNotificationPublished(ctx context.Context, notificationType string) {
	m.NotificationsPublished.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", notificationType)),
	)
}

// RecordNotificationDelivered records a delivered-notification counter
// increment. Mode is "live" for fanout delivery and "replay" for
// store-and-forward replay on reconnect.
func (m *Metrics) RecordNotificationDelivered(ctx context.Context, mode string) {
	m.NotificationsDelivered.Add(ctx, 1,
		metric.WithAttributes(attribute.String("mode", mode)),
	)
}

// RecordCallEnded records a call-ended counter increment with the end reason.
func (m *Metrics) RecordCallEnded(ctx context.Context, reason string) {
	m.CallsEnded.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordProviderError records a speech provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
