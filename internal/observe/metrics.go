// Package observe provides application-wide observability primitives for
// livescribe: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
//
// The realtime capture path never records metrics directly. It maintains
// atomic counters that are read by an observable callback registered with
// [Metrics.ObserveCapture].
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all livescribe metrics.
const meterName = "github.com/MrWong99/livescribe"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	meter metric.Meter

	// --- Latency histograms per pipeline stage ---

	// DecodeDuration tracks the time one Accept call on the decoder takes.
	DecodeDuration metric.Float64Histogram

	// EnrichDuration tracks the time one punctuation job takes, fallback
	// included.
	EnrichDuration metric.Float64Histogram

	// ModelLoadDuration tracks decoder and predictor load time. Use with
	// attribute:
	//   attribute.String("kind", "decoder"|"punctuation")
	ModelLoadDuration metric.Float64Histogram

	// --- Counters ---

	// Transcripts counts transcript events. Use with attribute:
	//   attribute.String("kind", "partial"|"final"|"enriched")
	Transcripts metric.Int64Counter

	// EnrichJobs counts punctuation jobs. Use with attribute:
	//   attribute.String("status", "ok"|"fallback")
	EnrichJobs metric.Int64Counter

	// SessionTransitions counts lifecycle transitions. Use with attribute:
	//   attribute.String("state", ...)
	SessionTransitions metric.Int64Counter

	// BusMessages counts transcript events published to the bus. Use with
	// attributes:
	//   attribute.String("kind", ...), attribute.String("status", "ok"|"error")
	BusMessages metric.Int64Counter

	// --- Error counters ---

	// DecodeFailures counts fatal decoder errors.
	DecodeFailures metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of listening sessions.
	ActiveSessions metric.Int64UpDownCounter

	// StreamClients tracks connected websocket transcript subscribers.
	StreamClients metric.Int64UpDownCounter

	// --- Observable capture instruments ---

	captureBlocks metric.Int64ObservableCounter
	queueDropped  metric.Int64ObservableCounter
	queueDepth    metric.Int64ObservableGauge
	streamMissed  metric.Int64ObservableCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time by "method",
	// "path" (mux pattern) and "status".
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) covering
// per-block decoding up to slow model loads.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	// Histograms.
	if met.DecodeDuration, err = m.Float64Histogram("livescribe.decode.duration",
		metric.WithDescription("Latency of one streaming decoder call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EnrichDuration, err = m.Float64Histogram("livescribe.enrich.duration",
		metric.WithDescription("Latency of one casing and punctuation job."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ModelLoadDuration, err = m.Float64Histogram("livescribe.model_load.duration",
		metric.WithDescription("Latency of model loading by kind."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Transcripts, err = m.Int64Counter("livescribe.transcript.events",
		metric.WithDescription("Total transcript events by kind."),
	); err != nil {
		return nil, err
	}
	if met.EnrichJobs, err = m.Int64Counter("livescribe.enrich.jobs",
		metric.WithDescription("Total punctuation jobs by status."),
	); err != nil {
		return nil, err
	}
	if met.SessionTransitions, err = m.Int64Counter("livescribe.session.transitions",
		metric.WithDescription("Total session lifecycle transitions by target state."),
	); err != nil {
		return nil, err
	}

	if met.BusMessages, err = m.Int64Counter("livescribe.bus.messages",
		metric.WithDescription("Total transcript events published to the bus by kind and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.DecodeFailures, err = m.Int64Counter("livescribe.decode.failures",
		metric.WithDescription("Total fatal decoder errors."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("livescribe.active_sessions",
		metric.WithDescription("Number of listening sessions."),
	); err != nil {
		return nil, err
	}
	if met.StreamClients, err = m.Int64UpDownCounter("livescribe.stream.clients",
		metric.WithDescription("Number of connected transcript stream clients."),
	); err != nil {
		return nil, err
	}

	// Observable instruments fed by ObserveCapture.
	if met.captureBlocks, err = m.Int64ObservableCounter("livescribe.capture.blocks",
		metric.WithDescription("Captured audio blocks by outcome."),
	); err != nil {
		return nil, err
	}
	if met.queueDropped, err = m.Int64ObservableCounter("livescribe.queue.dropped",
		metric.WithDescription("Frames evicted from the full frame queue."),
	); err != nil {
		return nil, err
	}
	if met.queueDepth, err = m.Int64ObservableGauge("livescribe.queue.depth",
		metric.WithDescription("Frames waiting in the frame queue."),
	); err != nil {
		return nil, err
	}

	if met.streamMissed, err = m.Int64ObservableCounter("livescribe.stream.missed_events",
		metric.WithDescription("Transcript events dropped for subscribers that fell behind."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("livescribe.http.request.duration",
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

// RecordTranscript records a transcript event of the given kind.
func (m *Metrics) RecordTranscript(ctx context.Context, kind string) {
	m.Transcripts.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordEnrichJob records a finished punctuation job.
func (m *Metrics) RecordEnrichJob(ctx context.Context, status string, seconds float64) {
	m.EnrichJobs.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	m.EnrichDuration.Record(ctx, seconds)
}

// RecordModelLoad records how long loading a model of the given kind took.
func (m *Metrics) RecordModelLoad(ctx context.Context, kind string, seconds float64) {
	m.ModelLoadDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordBusPublish records one publish attempt of a transcript event.
func (m *Metrics) RecordBusPublish(ctx context.Context, kind string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.BusMessages.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

// RecordTransition records a session entering state.
func (m *Metrics) RecordTransition(ctx context.Context, state string) {
	m.SessionTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// CaptureStats is a point-in-time read of the capture path's counters.
type CaptureStats struct {
	// Blocks is the number of blocks delivered by the audio host.
	Blocks uint64
	// Overflows is the number of blocks discarded for input overflow.
	Overflows uint64
	// Gated is the number of blocks dropped as silence.
	Gated uint64
	// Enqueued is the number of frames pushed to the frame queue.
	Enqueued uint64
	// Dropped is the number of frames evicted from the full queue.
	Dropped uint64
	// QueueDepth is the number of frames currently queued.
	QueueDepth int
}

// ObserveCapture registers source as the provider of capture statistics.
// It is read on every collection; call Unregister on the returned
// registration when the capture session ends.
func (m *Metrics) ObserveCapture(source func() CaptureStats) (metric.Registration, error) {
	return m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := source()
		o.ObserveInt64(m.captureBlocks, int64(s.Blocks-s.Overflows-s.Gated),
			metric.WithAttributes(attribute.String("outcome", "passed")))
		o.ObserveInt64(m.captureBlocks, int64(s.Gated),
			metric.WithAttributes(attribute.String("outcome", "gated")))
		o.ObserveInt64(m.captureBlocks, int64(s.Overflows),
			metric.WithAttributes(attribute.String("outcome", "overflow")))
		o.ObserveInt64(m.queueDropped, int64(s.Dropped))
		o.ObserveInt64(m.queueDepth, int64(s.QueueDepth))
		return nil
	}, m.captureBlocks, m.queueDropped, m.queueDepth)
}

// ObserveMissedEvents reports the transcript events lost by slow
// subscribers, as counted by source.
func (m *Metrics) ObserveMissedEvents(source func() uint64) (metric.Registration, error) {
	return m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.streamMissed, int64(source()))
		return nil
	}, m.streamMissed)
}
