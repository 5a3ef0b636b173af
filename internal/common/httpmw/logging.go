// Package httpmw holds gin middleware shared by the HTTP surface.
package httpmw

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sandrun/sandrun/internal/common/logger"
)

// RequestLogger logs one line per request after the handler completes. The
// auth middleware runs inside this one, so the identifiers it stores on the
// request context are visible here once Next returns.
func RequestLogger(log *logger.Logger, serverName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		status := c.Writer.Status()
		size := c.Writer.Size()
		if size < 0 {
			// Streaming responses (SSE, websocket upgrades) report no size.
			size = 0
		}

		fields := []zap.Field{
			zap.String("server", serverName),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.Int("bytes", size),
		}
		fields = append(fields, identityFields(c)...)

		switch {
		case status >= 500:
			log.Error("http", fields...)
		case status >= 400:
			log.Warn("http", fields...)
		default:
			log.Debug("http", fields...)
		}
	}
}

// identityFields extracts the request id and user id the auth middleware put
// on the request context, when the request got that far.
func identityFields(c *gin.Context) []zap.Field {
	ctx := c.Request.Context()
	fields := []zap.Field{}
	if requestID, ok := ctx.Value(logger.RequestIDKey).(string); ok && requestID != "" {
		fields = append(fields, zap.String("request_id", requestID))
	}
	if userID, ok := ctx.Value(logger.UserIDKey).(string); ok && userID != "" {
		fields = append(fields, zap.String("user_id", userID))
	}
	return fields
}
