package middleware

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/querybridge-backend/internal/platform/ctxutil"
	"github.com/yungbote/querybridge-backend/internal/platform/logger"
)

// RequestLogger emits one line per request. Severity follows the status
// class; the caller identity is logged as tenant and user ids only, never
// the query text.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		if log == nil {
			return
		}

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		fields := []interface{}{
			"method", strings.ToUpper(c.Request.Method),
			"path", path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if td := ctxutil.GetTraceData(c.Request.Context()); td != nil {
			if td.TraceID != "" {
				fields = append(fields, "trace_id", td.TraceID)
			}
			if td.RequestID != "" {
				fields = append(fields, "request_id", td.RequestID)
			}
		}
		if tenant := c.GetString(ctxKeyTenantID); tenant != "" {
			fields = append(fields, "tenant_id", tenant)
		}
		if user := c.GetString(ctxKeyUserID); user != "" {
			fields = append(fields, "user_id", user)
		}

		switch {
		case status >= 500:
			log.Error("HTTP request", fields...)
		case status >= 400:
			log.Warn("HTTP request", fields...)
		default:
			log.Info("HTTP request", fields...)
		}
	}
}
