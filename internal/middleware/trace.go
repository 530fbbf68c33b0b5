package middleware

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Context keys for request-scoped values not carried by the otel span context.
type contextKey string

const StartTimeKey contextKey = "start_time"

// Trace returns middleware that stamps the response with the trace/span IDs
// of the active otel span (started by the tracer provider's HTTP
// instrumentation upstream of this middleware) and records the request start
// time for latency logging further down the chain.
func Trace() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), StartTimeKey, time.Now())

			sc := trace.SpanContextFromContext(ctx)
			if sc.HasTraceID() {
				w.Header().Set("X-Trace-ID", sc.TraceID().String())
			}
			if sc.HasSpanID() {
				w.Header().Set("X-Span-ID", sc.SpanID().String())
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetTraceID extracts the active span's trace ID from context, if any.
func GetTraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// GetSpanID extracts the active span's ID from context, if any.
func GetSpanID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasSpanID() {
		return ""
	}
	return sc.SpanID().String()
}

// GetStartTime extracts request start time from context.
func GetStartTime(ctx context.Context) time.Time {
	if t, ok := ctx.Value(StartTimeKey).(time.Time); ok {
		return t
	}
	return time.Time{}
}
