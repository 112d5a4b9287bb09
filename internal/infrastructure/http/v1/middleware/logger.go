package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	appctx "stockledger/internal/core/context"
	"stockledger/pkg/logger"
)

const headerIdempotencyKey = "X-Idempotency-Key"

// Logger stores log in the request context and writes one access entry per
// request. Server errors log at error level, rejected requests at warn.
func Logger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Request = c.Request.WithContext(logger.WithLogger(c.Request.Context(), log))

		c.Next()

		ctx := c.Request.Context()
		status := c.Writer.Status()
		fields := []any{
			"method", c.Request.Method,
			"route", c.FullPath(),
			"path", c.Request.URL.Path,
			"query", c.Request.URL.RawQuery,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
			"actor_id", appctx.GetActorID(ctx),
			"idempotency_key", c.GetHeader(headerIdempotencyKey),
		}
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			fields = append(fields, "error", errs.String())
		}

		l := log.WithContext(ctx)
		switch {
		case status >= http.StatusInternalServerError:
			l.Errorw("http request", fields...)
		case status >= http.StatusBadRequest:
			l.Warnw("http request", fields...)
		default:
			l.Infow("http request", fields...)
		}
	}
}
