package middleware_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"drive-collab/internal/middleware"
)

func TestRequestID(t *testing.T) {
	t.Run("handler sees the id sent to the client", func(t *testing.T) {
		var seen string
		h := middleware.TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = middleware.GetRequestID(r.Context())
		}))

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

		require.NotEmpty(t, seen)
		assert.NotEqual(t, "unknown", seen)
		assert.Equal(t, rec.Header().Get("X-Request-ID"), seen)
	})

	t.Run("outside a request", func(t *testing.T) {
		assert.Equal(t, "unknown", middleware.GetRequestID(context.Background()))
	})
}

func TestAddSpanEvent(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, span := tp.Tracer("test").Start(context.Background(), "Registry.Drain")
	middleware.AddSpanEvent(ctx, "room.abandoned", attribute.String("document.version", "3:00"))
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	events := ended[0].Events()
	require.Len(t, events, 1)
	assert.Equal(t, "room.abandoned", events[0].Name)
	assert.Contains(t, events[0].Attributes, attribute.String("document.version", "3:00"))
}
