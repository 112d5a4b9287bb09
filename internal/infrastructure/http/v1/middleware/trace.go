package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	appctx "stockledger/internal/core/context"
)

const (
	HeaderRequestID = "X-Request-ID"
	HeaderTraceID   = "X-Trace-ID"
)

var tracer = otel.Tracer("stockledger/http")

// Trace opens a server span and attaches the correlation IDs to the request.
// Caller-supplied IDs win, then the span's IDs, then fresh UUIDs.
func Trace() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), c.Request.Method+" "+c.FullPath(),
			trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		tc := &appctx.TraceContext{
			TraceID:   c.GetHeader(HeaderTraceID),
			RequestID: c.GetHeader(HeaderRequestID),
		}
		if sc := span.SpanContext(); sc.IsValid() {
			if tc.TraceID == "" {
				tc.TraceID = sc.TraceID().String()
			}
			tc.SpanID = sc.SpanID().String()
		}
		if tc.TraceID == "" {
			tc.TraceID = uuid.New().String()
		}
		if tc.SpanID == "" {
			tc.SpanID = uuid.New().String()[:16]
		}
		if tc.RequestID == "" {
			tc.RequestID = uuid.New().String()
		}

		c.Request = c.Request.WithContext(appctx.WithTrace(ctx, tc))
		c.Set("trace_id", tc.TraceID)
		c.Set("request_id", tc.RequestID)
		c.Header(HeaderRequestID, tc.RequestID)
		c.Header(HeaderTraceID, tc.TraceID)
		span.SetAttributes(attribute.String("request.id", tc.RequestID))

		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= 500 {
			span.SetStatus(codes.Error, c.Errors.String())
		}
	}
}
