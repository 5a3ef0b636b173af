package httpmw

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/sandrun/sandrun/internal/common/logger"
	"github.com/sandrun/sandrun/internal/common/tracing"
)

// OtelTracing wraps each request in an OTel span. When tracing is disabled
// (no OTEL_EXPORTER_OTLP_ENDPOINT) this is a no-op.
func OtelTracing(serverName string) gin.HandlerFunc {
	tracer := tracing.Tracer(serverName)

	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		ctx, span := tracer.Start(c.Request.Context(), c.Request.Method+" "+route)
		defer span.End()
		span.SetAttributes(
			semconv.HTTPRequestMethodKey.String(c.Request.Method),
			semconv.HTTPRouteKey.String(route),
		)

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(
			semconv.HTTPResponseStatusCodeKey.Int(status),
			attribute.Int("http.response.size", c.Writer.Size()),
		)
		reqCtx := c.Request.Context()
		if requestID, ok := reqCtx.Value(logger.RequestIDKey).(string); ok && requestID != "" {
			span.SetAttributes(attribute.String("sandrun.request_id", requestID))
		}
		if userID, ok := reqCtx.Value(logger.UserIDKey).(string); ok && userID != "" {
			span.SetAttributes(attribute.String("sandrun.user_id", userID))
		}
		if status >= 500 {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
		}
	}
}
