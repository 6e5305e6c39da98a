// Package observe provides application-wide observability primitives for
// livevoice: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// bridges them into a dedicated Prometheus registry served by
// [Telemetry.Handler] on /metrics. [DefaultMetrics] binds to the global meter
// provider; tests should build their own with [NewMetrics] and a
// ManualReader-backed provider.
package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all livevoice metrics.
const meterName = "github.com/MrWong99/livevoice"

// Metrics holds the session and HTTP instruments. Safe for concurrent use.
type Metrics struct {
	// ── Session lifecycle ──

	// SessionsStarted counts start attempts by "transport" and "outcome".
	SessionsStarted metric.Int64Counter

	// ActiveSessions is the number of sessions holding resources.
	ActiveSessions metric.Int64UpDownCounter

	// StatusTransitions counts status changes by "from" and "to".
	StatusTransitions metric.Int64Counter

	// ── Transport ──

	// TransportOpenDuration is the time from dial to the open event, by
	// "transport".
	TransportOpenDuration metric.Float64Histogram

	// TransportErrors counts terminal transport failures by "transport".
	TransportErrors metric.Int64Counter

	// ── Audio ──

	// CaptureChunks counts microphone chunks by "outcome":
	// captured, sent, dropped or failed.
	CaptureChunks metric.Int64Counter

	// FragmentsReceived counts synthesized audio fragments.
	FragmentsReceived metric.Int64Counter

	// CodecErrors counts fragments dropped because they failed to decode.
	CodecErrors metric.Int64Counter

	// Interruptions counts barge-in interruptions.
	Interruptions metric.Int64Counter

	// PlaybackLead is how far ahead of the output clock each buffer was
	// scheduled. Zero means the buffer arrived late.
	PlaybackLead metric.Float64Histogram

	// ── HTTP ──

	// HTTPRequestDuration is request latency by "method", "route" and
	// "status". See [Middleware].
	HTTPRequestDuration metric.Float64Histogram
}

// Histogram boundaries in seconds.
var (
	latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	leadBuckets    = []float64{0, 0.005, 0.01, 0.02, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}
)

// NewMetrics creates every instrument on mp. All creation errors are
// reported together.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	met := &Metrics{}
	var errs []error

	counter := func(dst *metric.Int64Counter, name, desc string) {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		errs = append(errs, err)
		*dst = c
	}
	seconds := func(dst *metric.Float64Histogram, name, desc string, buckets []float64) {
		h, err := meter.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(buckets...),
		)
		errs = append(errs, err)
		*dst = h
	}

	counter(&met.SessionsStarted, "livevoice.sessions.started", "Session start attempts by transport and outcome.")
	counter(&met.StatusTransitions, "livevoice.session.transitions", "Session status transitions.")
	counter(&met.TransportErrors, "livevoice.transport.errors", "Terminal transport failures by transport.")
	counter(&met.CaptureChunks, "livevoice.capture.chunks", "Microphone chunks by outcome.")
	counter(&met.FragmentsReceived, "livevoice.playback.fragments", "Synthesized audio fragments received.")
	counter(&met.CodecErrors, "livevoice.codec.errors", "Fragments dropped because they failed to decode.")
	counter(&met.Interruptions, "livevoice.playback.interruptions", "Barge-in interruptions.")

	seconds(&met.TransportOpenDuration, "livevoice.transport.open.duration", "Latency from dial to transport open.", latencyBuckets)
	seconds(&met.PlaybackLead, "livevoice.playback.lead", "Scheduling headroom of each playback buffer.", leadBuckets)
	seconds(&met.HTTPRequestDuration, "livevoice.http.request.duration", "HTTP request latency by route.", latencyBuckets)

	active, err := meter.Int64UpDownCounter("livevoice.active_sessions",
		metric.WithDescription("Sessions currently holding resources."))
	errs = append(errs, err)
	met.ActiveSessions = active

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("observe: create instruments: %w", err)
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] bound to
// [otel.GetMeterProvider] at first use. It panics if the instruments cannot
// be created.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic(err)
		}
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordSessionStart records a start attempt; outcome is "ok" or "error".
func (m *Metrics) RecordSessionStart(ctx context.Context, transport, outcome string) {
	m.SessionsStarted.Add(ctx, 1, metric.WithAttributes(
		Attr("transport", transport),
		Attr("outcome", outcome),
	))
}

// RecordTransportOpen records the time from dial to the open event.
func (m *Metrics) RecordTransportOpen(ctx context.Context, transport string, d time.Duration) {
	m.TransportOpenDuration.Record(ctx, d.Seconds(), metric.WithAttributes(Attr("transport", transport)))
}

// RecordStatusTransition records one session status change.
func (m *Metrics) RecordStatusTransition(ctx context.Context, from, to string) {
	m.StatusTransitions.Add(ctx, 1, metric.WithAttributes(
		Attr("from", from),
		Attr("to", to),
	))
}

// RecordCaptureChunks adds n chunks with the given outcome. Zero counts are
// skipped.
func (m *Metrics) RecordCaptureChunks(ctx context.Context, outcome string, n int64) {
	if n <= 0 {
		return
	}
	m.CaptureChunks.Add(ctx, n, metric.WithAttributes(Attr("outcome", outcome)))
}

// RecordTransportError records one terminal transport failure.
func (m *Metrics) RecordTransportError(ctx context.Context, transport string) {
	m.TransportErrors.Add(ctx, 1, metric.WithAttributes(Attr("transport", transport)))
}
