package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope of every livescribe span.
const tracerName = "github.com/MrWong99/livescribe"

// Span attribute keys shared by the pipeline stages.
const (
	AttrSessionID = attribute.Key("livescribe.session.id")
	AttrStatus    = attribute.Key("livescribe.status")
	AttrTextLen   = attribute.Key("livescribe.text.length")
)

// Tracer returns the livescribe tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts an internal span named name carrying attrs. The caller
// ends it, usually through [EndSpan].
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

// EndSpan records status on span and ends it. A non-nil err marks the span
// failed with msg as description.
func EndSpan(span trace.Span, status string, err error, msg string) {
	span.SetAttributes(AttrStatus.String(status))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
	}
	span.End()
}

// CorrelationID returns the trace ID of the span in ctx, or "" when there is
// none. HTTP responses and log lines carry it so a failed request can be
// found in both.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// LoggerFrom returns base (or the default logger when base is nil) with
// trace_id and span_id of the span in ctx attached.
func LoggerFrom(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return base
	}
	return base.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
