package observe

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// CorrelationHeader carries the trace ID of every HTTP response.
const CorrelationHeader = "X-Correlation-ID"

// responseTap sits between a handler and the real writer and remembers what
// the handler sent. Hijack and Flush pass through so the transcript websocket
// keeps working.
type responseTap struct {
	http.ResponseWriter
	status   int
	written  int64
	upgraded bool
}

func (t *responseTap) WriteHeader(code int) {
	if t.status == 0 {
		t.status = code
	}
	t.ResponseWriter.WriteHeader(code)
}

func (t *responseTap) Write(p []byte) (int, error) {
	if t.status == 0 {
		t.status = http.StatusOK
	}
	n, err := t.ResponseWriter.Write(p)
	t.written += int64(n)
	return n, err
}

func (t *responseTap) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := t.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("observe: %T cannot be hijacked", t.ResponseWriter)
	}
	conn, rw, err := hj.Hijack()
	if err == nil {
		t.upgraded = true
		t.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

func (t *responseTap) Flush() {
	if f, ok := t.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (t *responseTap) Unwrap() http.ResponseWriter { return t.ResponseWriter }

// code is the status the client saw; handlers that never write get 200.
func (t *responseTap) code() int {
	if t.status == 0 {
		return http.StatusOK
	}
	return t.status
}

// HTTPOption tunes [HTTPMiddleware].
type HTTPOption func(*httpObserver)

// WithQuietRoutes lists mux patterns (e.g. "GET /healthz") whose successful
// requests are logged at debug instead of info. Probes and scrapes would
// otherwise drown the request log.
func WithQuietRoutes(patterns ...string) HTTPOption {
	return func(o *httpObserver) {
		for _, p := range patterns {
			o.quiet[p] = true
		}
	}
}

type httpObserver struct {
	metrics *Metrics
	log     *slog.Logger
	quiet   map[string]bool
	prop    propagation.TextMapPropagator
}

// HTTPMiddleware wraps every request of the control API in a server span,
// stamps [CorrelationHeader] on the response, records
// [Metrics.HTTPRequestDuration] by route and status, and logs the outcome.
// A panicking handler is answered with 500 and recorded on the span; the
// server keeps running.
//
// Websocket streams are logged once they close, since that is when their
// handler returns.
func HTTPMiddleware(m *Metrics, log *slog.Logger, opts ...HTTPOption) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	o := &httpObserver{
		metrics: m,
		log:     log.With("component", "http"),
		quiet:   make(map[string]bool),
		prop:    propagation.TraceContext{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o.wrap
}

func (o *httpObserver) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := o.prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := Tracer().Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		if cid := CorrelationID(ctx); cid != "" {
			w.Header().Set(CorrelationHeader, cid)
		}
		o.prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

		tap := &responseTap{ResponseWriter: w}
		r = r.WithContext(ctx)

		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				span.RecordError(fmt.Errorf("panic: %v", p))
				span.SetStatus(codes.Error, "handler panicked")
				LoggerFrom(ctx, o.log).Error("handler panicked", "path", r.URL.Path, "panic", p)
				if tap.status == 0 && !tap.upgraded {
					http.Error(tap, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}
			o.finish(r, span, tap, time.Since(start))
		}()

		next.ServeHTTP(tap, r)
	})
}

func (o *httpObserver) finish(r *http.Request, span trace.Span, tap *responseTap, elapsed time.Duration) {
	ctx := r.Context()
	status := tap.code()

	// The mux pattern keeps label cardinality bounded; unrouted requests all
	// share one bucket.
	route := r.Pattern
	if route == "" {
		route = "unmatched"
	}

	if o.metrics != nil {
		o.metrics.HTTPRequestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
			Attr("method", r.Method),
			Attr("path", route),
			Attr("status", strconv.Itoa(status)),
		))
	}
	span.SetAttributes(semconv.HTTPResponseStatusCode(status))
	if status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(status))
	}

	level := slog.LevelInfo
	switch {
	case status >= http.StatusInternalServerError:
		level = slog.LevelWarn
	case o.quiet[r.Pattern]:
		level = slog.LevelDebug
	}
	LoggerFrom(ctx, o.log).LogAttrs(ctx, level, "request",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("route", route),
		slog.Int("status", status),
		slog.Int64("bytes", tap.written),
		slog.Bool("upgraded", tap.upgraded),
		slog.Duration("took", elapsed),
	)
}
