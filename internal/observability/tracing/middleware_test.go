package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"admission-engine/internal/handler/http/responsewriter"
)

// withRecorder installs an in-memory provider for the duration of the test.
func withRecorder(t *testing.T) (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	tracer = otel.Tracer(ServiceName)
	t.Cleanup(func() {
		otel.SetTracerProvider(sdktrace.NewTracerProvider())
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator())
		tracer = otel.Tracer(ServiceName)
	})
	return exporter, tp
}

func serve(status int, method, path string, headers map[string]string) *httptest.ResponseRecorder {
	return serveWith(method, path, headers, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	})
}

func serveWith(method, path string, headers map[string]string, h http.HandlerFunc) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	Middleware(h).ServeHTTP(rr, req)
	return rr
}

func onlySpan(t *testing.T, exporter *tracetest.InMemoryExporter, tp *sdktrace.TracerProvider) tracetest.SpanStub {
	t.Helper()
	_ = tp.ForceFlush(context.Background())
	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	return spans[0]
}

func attr(span tracetest.SpanStub, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range span.Attributes {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestMiddleware_CreatesSpan(t *testing.T) {
	exporter, tp := withRecorder(t)

	serve(http.StatusOK, http.MethodPost, "/v1/check", nil)

	span := onlySpan(t, exporter, tp)
	assert.Equal(t, "POST /v1/check", span.Name)
	assert.Equal(t, trace.SpanKindServer, span.SpanKind)
	v, ok := attr(span, AttrMethod)
	require.True(t, ok)
	assert.Equal(t, "POST", v.AsString())
	v, ok = attr(span, AttrStatus)
	require.True(t, ok)
	assert.Equal(t, int64(200), v.AsInt64())
	_, ok = attr(span, AttrPolicy)
	assert.False(t, ok, "unlimited request has no policy")
}

func TestMiddleware_NormalizesSpanName(t *testing.T) {
	exporter, tp := withRecorder(t)

	serve(http.StatusOK, http.MethodGet, "/v1/items/12345", nil)

	span := onlySpan(t, exporter, tp)
	assert.Equal(t, "GET /v1/items/:id", span.Name)
	v, _ := attr(span, AttrRoute)
	assert.Equal(t, "/v1/items/:id", v.AsString())
}

func TestMiddleware_RecordsPolicy(t *testing.T) {
	exporter, tp := withRecorder(t)

	serveWith(http.MethodGet, "/v1/stats", nil, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(responsewriter.PolicyHeader, "api")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	span := onlySpan(t, exporter, tp)
	v, ok := attr(span, AttrPolicy)
	require.True(t, ok)
	assert.Equal(t, "api", v.AsString())
	v, _ = attr(span, AttrRejected)
	assert.True(t, v.AsBool())
}

func TestMiddleware_ContextCarriesSpan(t *testing.T) {
	exporter, tp := withRecorder(t)

	var inner trace.SpanContext
	serveWith(http.MethodGet, "/health", nil, func(w http.ResponseWriter, r *http.Request) {
		inner = trace.SpanContextFromContext(r.Context())
	})

	span := onlySpan(t, exporter, tp)
	assert.Equal(t, span.SpanContext.SpanID(), inner.SpanID())
}

func TestMiddleware_AddsTraceIDToResponse(t *testing.T) {
	withRecorder(t)

	rr := serve(http.StatusOK, http.MethodGet, "/v1/stats", nil)

	traceID := rr.Header().Get(TraceIDHeader)
	if len(traceID) != 32 {
		t.Errorf("trace ID %q, want 32 hex characters", traceID)
	}
}

func TestMiddleware_PropagatesTraceContext(t *testing.T) {
	exporter, tp := withRecorder(t)

	serve(http.StatusOK, http.MethodGet, "/v1/stats", map[string]string{
		"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
	})

	span := onlySpan(t, exporter, tp)
	if got := span.SpanContext.TraceID().String(); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("trace ID = %s, want the propagated one", got)
	}
}

func TestMiddleware_StatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantError bool
		wantLimit bool
	}{
		{"ok", http.StatusOK, false, false},
		{"not found", http.StatusNotFound, false, false},
		{"rejected", http.StatusTooManyRequests, false, true},
		{"server error", http.StatusInternalServerError, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exporter, tp := withRecorder(t)

			serve(tt.status, http.MethodGet, "/api/resource", nil)

			span := onlySpan(t, exporter, tp)
			_, hasError := attr(span, AttrErrorFlag)
			if hasError != tt.wantError {
				t.Errorf("error attribute = %v, want %v", hasError, tt.wantError)
			}
			if tt.wantError && span.Status.Code != codes.Error {
				t.Errorf("span status = %v, want Error", span.Status.Code)
			}
			_, hasLimit := attr(span, AttrRejected)
			if hasLimit != tt.wantLimit {
				t.Errorf("ratelimit.rejected attribute = %v, want %v", hasLimit, tt.wantLimit)
			}
		})
	}
}

type countingExporter struct{ spans int }

func (e *countingExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	e.spans += len(spans)
	return nil
}

func (e *countingExporter) Shutdown(context.Context) error { return nil }

func TestInit(t *testing.T) {
	exporter := &countingExporter{}
	shutdown := Init(exporter, 1)
	t.Cleanup(func() {
		otel.SetTracerProvider(sdktrace.NewTracerProvider())
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator())
	})

	_, span := otel.Tracer(ServiceName).Start(context.Background(), "check")
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if exporter.spans != 1 {
		t.Errorf("exported %d spans, want 1", exporter.spans)
	}
}
