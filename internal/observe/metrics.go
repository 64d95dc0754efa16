// Package observe provides application-wide observability primitives for
// meli: OpenTelemetry metrics, tracing, trace-aware structured logging, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all meli metrics.
const meterName = "github.com/MrWong99/meli"

// Metrics holds all OpenTelemetry metric instruments for the engine.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// HandshakeDuration tracks how long Connect takes until the remote
	// session is ready. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	HandshakeDuration metric.Float64Histogram

	// PlaybackLead tracks how far ahead of the playback clock each segment
	// is scheduled, in seconds.
	PlaybackLead metric.Float64Histogram

	// CaptureChunks counts encoded capture chunks. Use with attribute:
	//   attribute.String("status", "sent"|"dropped"|"send_error")
	CaptureChunks metric.Int64Counter

	// PlaybackSegments counts segments handed to the scheduler.
	PlaybackSegments metric.Int64Counter

	// Interruptions counts remote barge-in events.
	Interruptions metric.Int64Counter

	// FlushedSegments counts segments stopped before their natural end.
	FlushedSegments metric.Int64Counter

	// DecodeErrors counts inbound audio payloads that could not be decoded.
	DecodeErrors metric.Int64Counter

	// Transitions counts session state changes. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	Transitions metric.Int64Counter

	// ActiveSessions tracks the number of ACTIVE sessions (0 or 1).
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// handshakeBuckets defines histogram bucket boundaries (in seconds) for
// remote session setup.
var handshakeBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30,
}

// leadBuckets covers the playback buffer depth, from an immediate start to
// several seconds of queued speech.
var leadBuckets = []float64{
	0, 0.02, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.HandshakeDuration, err = m.Float64Histogram("meli.session.handshake.duration",
		metric.WithDescription("Latency from Connect to a ready remote session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(handshakeBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackLead, err = m.Float64Histogram("meli.playback.lead",
		metric.WithDescription("Distance between a segment's scheduled start and the playback clock."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(leadBuckets...),
	); err != nil {
		return nil, err
	}

	if met.CaptureChunks, err = m.Int64Counter("meli.capture.chunks",
		metric.WithDescription("Encoded capture chunks by delivery status."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackSegments, err = m.Int64Counter("meli.playback.segments",
		metric.WithDescription("Playback segments scheduled."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("meli.playback.interruptions",
		metric.WithDescription("Remote barge-in events handled."),
	); err != nil {
		return nil, err
	}
	if met.FlushedSegments, err = m.Int64Counter("meli.playback.flushed_segments",
		metric.WithDescription("Segments stopped before they finished playing."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("meli.playback.decode_errors",
		metric.WithDescription("Inbound audio payloads that failed to decode."),
	); err != nil {
		return nil, err
	}
	if met.Transitions, err = m.Int64Counter("meli.session.transitions",
		metric.WithDescription("Session state transitions by source and target state."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("meli.session.active",
		metric.WithDescription("Number of ACTIVE sessions."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("meli.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
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
// fails, which does not happen with the global provider.
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

// RecordHandshake records one Connect attempt.
func (m *Metrics) RecordHandshake(ctx context.Context, provider string, seconds float64, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.HandshakeDuration.Record(ctx, seconds,
		metric.WithAttributes(Attr("provider", provider), Attr("status", status)),
	)
}

// RecordCaptureChunk records the fate of one capture chunk. status is one of
// "sent", "dropped" or "send_error".
func (m *Metrics) RecordCaptureChunk(ctx context.Context, status string) {
	m.CaptureChunks.Add(ctx, 1, metric.WithAttributes(Attr("status", status)))
}

// RecordSegment records a scheduled playback segment and its lead time.
func (m *Metrics) RecordSegment(ctx context.Context, lead float64) {
	m.PlaybackSegments.Add(ctx, 1)
	m.PlaybackLead.Record(ctx, max(lead, 0))
}

// RecordInterrupt records a barge-in that stopped the given number of
// segments.
func (m *Metrics) RecordInterrupt(ctx context.Context, stopped int) {
	m.Interruptions.Add(ctx, 1)
	if stopped > 0 {
		m.FlushedSegments.Add(ctx, int64(stopped))
	}
}

// RecordTransition records a session state change and keeps ActiveSessions
// in step with entries into and exits from ACTIVE.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.Transitions.Add(ctx, 1, metric.WithAttributes(Attr("from", from), Attr("to", to)))
	switch {
	case to == "ACTIVE" && from != "ACTIVE":
		m.ActiveSessions.Add(ctx, 1)
	case from == "ACTIVE" && to != "ACTIVE":
		m.ActiveSessions.Add(ctx, -1)
	}
}
