package tracing

import (
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"admission-engine/internal/handler/http/pathutil"
	"admission-engine/internal/handler/http/responsewriter"
)

// TraceIDHeader carries the server span's trace ID back to the client.
const TraceIDHeader = "X-Trace-Id"

// Span attributes set by Middleware.
const (
	AttrMethod    = attribute.Key("http.request.method")
	AttrRoute     = attribute.Key("http.route")
	AttrStatus    = attribute.Key("http.response.status_code")
	AttrPolicy    = attribute.Key("ratelimit.policy")
	AttrRejected  = attribute.Key("ratelimit.rejected")
	AttrErrorFlag = attribute.Key("error")
)

// Middleware starts a server span per request, continuing any W3C trace
// context in the request headers. Spans are named by method and normalized
// path so IDs in the URL do not explode span names. Rate-limit rejections
// are tagged on the span; 5xx responses mark it as failed.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		route := pathutil.NormalizePath(r.URL.Path)
		ctx, span := tracer.Start(ctx, r.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(AttrMethod.String(r.Method), AttrRoute.String(route)),
		)
		defer span.End()

		w.Header().Set(TraceIDHeader, span.SpanContext().TraceID().String())

		rw := responsewriter.Wrap(w)
		next.ServeHTTP(rw, r.WithContext(ctx))

		status := rw.StatusCode()
		span.SetAttributes(AttrStatus.Int(status))
		if policy := rw.Policy(); policy != "" {
			span.SetAttributes(AttrPolicy.String(policy))
		}
		switch {
		case rw.Rejected():
			span.SetAttributes(AttrRejected.Bool(true))
		case status >= 500:
			span.SetAttributes(AttrErrorFlag.Bool(true))
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	})
}
