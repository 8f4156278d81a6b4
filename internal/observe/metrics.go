// Package observe provides application-wide observability primitives for
// Streamvox: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Streamvox metrics.
const meterName = "github.com/MrWong99/streamvox"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// SynthesisDuration tracks one synthesis engine call. Use with attributes:
	//   attribute.String("engine", ...), attribute.String("status", ...)
	SynthesisDuration metric.Float64Histogram

	// TimeToFirstAudio tracks the delay from session start to the first
	// emitted segment.
	TimeToFirstAudio metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// ChunksEmitted counts text chunks by flush boundary. Use with attribute:
	//   attribute.String("punctuation", ...)
	ChunksEmitted metric.Int64Counter

	// Corrections counts prosody correction requests by outcome. Use with
	// attribute:
	//   attribute.String("status", "applied"|"rejected")
	Corrections metric.Int64Counter

	// FillerSegments counts error-marker segments emitted in place of failed
	// synthesis.
	FillerSegments metric.Int64Counter

	// Underruns counts playback buffer underruns reported by sinks.
	Underruns metric.Int64Counter

	// StaleTelemetry counts budget reverts caused by missing telemetry.
	StaleTelemetry metric.Int64Counter

	// --- Error counters ---

	// SynthesisErrors counts failed engine calls. Use with attribute:
	//   attribute.String("engine", ...)
	SynthesisErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live streaming sessions.
	ActiveSessions metric.Int64UpDownCounter

	// InFlightSynthesis tracks concurrently running engine calls.
	InFlightSynthesis metric.Int64UpDownCounter

	// ChunkTokenBudget reports the adaptive token budget per session. Use with
	// attribute:
	//   attribute.String("session_id", ...)
	ChunkTokenBudget metric.Int64Gauge
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for sub-second streaming synthesis latencies.
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
	if met.SynthesisDuration, err = m.Float64Histogram("streamvox.synthesis.duration",
		metric.WithDescription("Latency of one synthesis engine call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TimeToFirstAudio, err = m.Float64Histogram("streamvox.session.time_to_first_audio",
		metric.WithDescription("Delay from session start to the first emitted segment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("streamvox.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ChunksEmitted, err = m.Int64Counter("streamvox.chunks.emitted",
		metric.WithDescription("Total text chunks by flush boundary class."),
	); err != nil {
		return nil, err
	}
	if met.Corrections, err = m.Int64Counter("streamvox.corrections",
		metric.WithDescription("Total prosody correction requests by outcome."),
	); err != nil {
		return nil, err
	}
	if met.FillerSegments, err = m.Int64Counter("streamvox.filler_segments",
		metric.WithDescription("Total filler segments emitted for failed synthesis."),
	); err != nil {
		return nil, err
	}
	if met.Underruns, err = m.Int64Counter("streamvox.playback.underruns",
		metric.WithDescription("Total playback buffer underruns reported by sinks."),
	); err != nil {
		return nil, err
	}
	if met.StaleTelemetry, err = m.Int64Counter("streamvox.telemetry.stale",
		metric.WithDescription("Total budget reverts caused by stale telemetry."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.SynthesisErrors, err = m.Int64Counter("streamvox.synthesis.errors",
		metric.WithDescription("Total failed synthesis engine calls by engine."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("streamvox.active_sessions",
		metric.WithDescription("Number of live streaming sessions."),
	); err != nil {
		return nil, err
	}
	if met.InFlightSynthesis, err = m.Int64UpDownCounter("streamvox.synthesis.in_flight",
		metric.WithDescription("Number of concurrently running engine calls."),
	); err != nil {
		return nil, err
	}
	if met.ChunkTokenBudget, err = m.Int64Gauge("streamvox.chunk_token_budget",
		metric.WithDescription("Current adaptive chunk token budget per session."),
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

// RecordSynthesis records one engine call's latency with the standard
// attribute set.
func (m *Metrics) RecordSynthesis(ctx context.Context, engine, status string, seconds float64) {
	m.SynthesisDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("engine", engine),
			attribute.String("status", status),
		),
	)
}

// RecordChunk records one emitted chunk with its boundary class.
func (m *Metrics) RecordChunk(ctx context.Context, punctuation string) {
	m.ChunksEmitted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("punctuation", punctuation)),
	)
}

// RecordCorrection records one correction request outcome.
func (m *Metrics) RecordCorrection(ctx context.Context, status string) {
	m.Corrections.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordSynthesisError records one failed engine call.
func (m *Metrics) RecordSynthesisError(ctx context.Context, engine string) {
	m.SynthesisErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("engine", engine)),
	)
}

// RecordChunkBudget reports the session's current token budget.
func (m *Metrics) RecordChunkBudget(ctx context.Context, sessionID string, budget int) {
	m.ChunkTokenBudget.Record(ctx, int64(budget),
		metric.WithAttributes(attribute.String("session_id", sessionID)),
	)
}
