package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupTracingRouter(t *testing.T) (*gin.Engine, *tracetest.InMemoryExporter) {
	t.Helper()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(TracingMiddleware("/ws"))
	router.GET("/ws", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/api/v1/rooms/:code", func(c *gin.Context) { c.Status(http.StatusOK) })
	return router, exporter
}

func TestTracingMiddleware_RecordsRoomCode(t *testing.T) {
	router, exporter := setupTracingRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/rooms/standup", nil))
	require.Equal(t, http.StatusOK, w.Code)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)

	found := false
	for _, attr := range spans[0].Attributes {
		if string(attr.Key) == "room.code" && attr.Value.AsString() == "standup" {
			found = true
		}
	}
	assert.True(t, found, "span should carry the room code")
}

func TestTracingMiddleware_SkipsWebsocketPath(t *testing.T) {
	router, exporter := setupTracingRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
	require.Equal(t, http.StatusOK, w.Code)

	assert.Empty(t, exporter.GetSpans())
}
