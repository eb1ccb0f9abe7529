package observe

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// responseTap captures the status code the wrapped handler writes.
type responseTap struct {
	http.ResponseWriter
	status int
}

func (t *responseTap) WriteHeader(code int) {
	t.status = code
	t.ResponseWriter.WriteHeader(code)
}

// TraceRequests wraps next so every request runs inside a server span.
// Incoming W3C trace context is honoured, the span's trace ID is echoed in
// the X-Correlation-ID response header, and completion is logged through the
// trace-aware [Logger].
func TraceRequests(log *slog.Logger, next http.Handler) http.Handler {
	prop := propagation.TraceContext{}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := StartSpan(ctx, "HTTP "+r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		if cid := CorrelationID(ctx); cid != "" {
			w.Header().Set("X-Correlation-ID", cid)
		}

		tap := &responseTap{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(tap, r.WithContext(ctx))

		span.SetAttributes(semconv.HTTPResponseStatusCode(tap.status))
		Logger(ctx, log).InfoContext(ctx, "request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"status", tap.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
