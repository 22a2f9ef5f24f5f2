package middleware

import (
	"callify/pkg/tracing"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// TracingMiddleware opens one span per HTTP request. The signaling endpoint
// at wsPath is excluded: a span wrapped around a long-lived websocket would
// only end at disconnect and swallow the whole meeting.
func TracingMiddleware(wsPath string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.FullPath() == wsPath {
			c.Next()
			return
		}

		ctx, span := tracing.TraceHTTPRequest(c.Request.Context(), c.Request.Method, c.FullPath())
		defer span.End()

		span.SetAttributes(attribute.String("http.client_ip", c.ClientIP()))
		if code := c.Param("code"); code != "" {
			span.SetAttributes(tracing.RoomCodeKey.String(code))
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		span.SetAttributes(attribute.Int("http.status_code", c.Writer.Status()))
		if c.Writer.Status() >= 400 {
			span.SetStatus(codes.Error, c.Errors.String())
			return
		}
		span.SetStatus(codes.Ok, "")
	}
}
