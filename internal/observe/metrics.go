// Package observe provides application-wide observability primitives for
// Galatea: OpenTelemetry metrics, tracing, trace-aware structured logging, and
// HTTP middleware for the diagnostics endpoint.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// bridges them to a Prometheus registry so they can be scraped from /metrics.
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Galatea metrics.
const meterName = "github.com/lichenr3/Galatea"

// Metrics holds all OpenTelemetry metric instruments for the client.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Transport ---

	// EnvelopesReceived counts decoded inbound envelopes. Attribute: "type".
	EnvelopesReceived metric.Int64Counter

	// FramesDropped counts inbound frames discarded before delivery.
	// Attribute: "reason" (malformed, heartbeat).
	FramesDropped metric.Int64Counter

	// EnvelopesSent counts outbound envelopes. Attributes: "type", "status"
	// (sent, dropped, error).
	EnvelopesSent metric.Int64Counter

	// Connected is 1 while the WebSocket is open and 0 otherwise.
	Connected metric.Int64UpDownCounter

	// --- Reducer ---

	// FragmentsDropped counts text fragments that could not be applied.
	// Attribute: "reason".
	FragmentsDropped metric.Int64Counter

	// MessagesFinished counts messages that reached the finished state.
	// Attribute: "role".
	MessagesFinished metric.Int64Counter

	// --- Audio ---

	// AudioSegments counts segments leaving the sequencer. Attribute:
	// "status" (played, failed, undecodable).
	AudioSegments metric.Int64Counter

	// AudioPlaybackDuration tracks wall-clock time spent playing a segment.
	AudioPlaybackDuration metric.Float64Histogram

	// --- Backend HTTP ---

	// BackendRequestDuration tracks directory and avatar request latency.
	// Attribute: "operation".
	BackendRequestDuration metric.Float64Histogram

	// BackendErrors counts failed backend requests. Attribute: "operation".
	BackendErrors metric.Int64Counter

	// --- Diagnostics HTTP ---

	// HTTPRequestDuration tracks diagnostics request processing time.
	// Attributes: "method", "path".
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for HTTP
// round trips.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// playbackBuckets covers sentence-length audio.
var playbackBuckets = []float64{
	0.25, 0.5, 1, 2, 3, 5, 8, 13, 20, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.EnvelopesReceived, err = m.Int64Counter("galatea.transport.envelopes_received",
		metric.WithDescription("Inbound envelopes delivered to the subscriber, by type."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("galatea.transport.frames_dropped",
		metric.WithDescription("Inbound frames discarded before delivery, by reason."),
	); err != nil {
		return nil, err
	}
	if met.EnvelopesSent, err = m.Int64Counter("galatea.transport.envelopes_sent",
		metric.WithDescription("Outbound envelopes by type and status."),
	); err != nil {
		return nil, err
	}
	if met.FragmentsDropped, err = m.Int64Counter("galatea.reducer.fragments_dropped",
		metric.WithDescription("Text fragments that could not be applied, by reason."),
	); err != nil {
		return nil, err
	}
	if met.MessagesFinished, err = m.Int64Counter("galatea.reducer.messages_finished",
		metric.WithDescription("Messages that reached the finished state, by role."),
	); err != nil {
		return nil, err
	}
	if met.AudioSegments, err = m.Int64Counter("galatea.audio.segments",
		metric.WithDescription("Audio segments by outcome."),
	); err != nil {
		return nil, err
	}
	if met.BackendErrors, err = m.Int64Counter("galatea.backend.errors",
		metric.WithDescription("Failed backend requests by operation."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.Connected, err = m.Int64UpDownCounter("galatea.transport.connected",
		metric.WithDescription("1 while the WebSocket connection is open."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.AudioPlaybackDuration, err = m.Float64Histogram("galatea.audio.playback.duration",
		metric.WithDescription("Time spent playing one audio segment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(playbackBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BackendRequestDuration, err = m.Float64Histogram("galatea.backend.request.duration",
		metric.WithDescription("Latency of directory and avatar requests by operation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("galatea.http.request.duration",
		metric.WithDescription("Diagnostics HTTP request latency by method and path."),
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
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// RecordEnvelopeReceived increments the inbound envelope counter.
func (m *Metrics) RecordEnvelopeReceived(ctx context.Context, typ string) {
	m.EnvelopesReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("type", typ)))
}

// RecordFrameDropped increments the dropped frame counter.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordEnvelopeSent increments the outbound envelope counter.
func (m *Metrics) RecordEnvelopeSent(ctx context.Context, typ, status string) {
	m.EnvelopesSent.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("type", typ),
			attribute.String("status", status),
		),
	)
}

// RecordFragmentDropped increments the dropped fragment counter.
func (m *Metrics) RecordFragmentDropped(ctx context.Context, reason string) {
	m.FragmentsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordMessageFinished increments the finished message counter.
func (m *Metrics) RecordMessageFinished(ctx context.Context, role string) {
	m.MessagesFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}

// RecordAudioSegment counts one segment outcome and, when elapsed is
// positive, records how long it played.
func (m *Metrics) RecordAudioSegment(ctx context.Context, status string, elapsed time.Duration) {
	m.AudioSegments.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	if elapsed > 0 {
		m.AudioPlaybackDuration.Record(ctx, elapsed.Seconds())
	}
}

// RecordBackendRequest records the latency of one backend call and counts it
// as an error when err is non-nil.
func (m *Metrics) RecordBackendRequest(ctx context.Context, operation string, elapsed time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("operation", operation))
	m.BackendRequestDuration.Record(ctx, elapsed.Seconds(), attrs)
	if err != nil {
		m.BackendErrors.Add(ctx, 1, attrs)
	}
}

// SetConnected moves the connection gauge. Call with true on open and false
// on close, exactly once each.
func (m *Metrics) SetConnected(ctx context.Context, up bool) {
	if up {
		m.Connected.Add(ctx, 1)
		return
	}
	m.Connected.Add(ctx, -1)
}
