package httpmw

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/kandev/nexus/internal/common/errors"
	"github.com/kandev/nexus/internal/common/logger"
)

// RequestTracing wraps each operator API request in a server span tagged with
// the agent, instance or task it addresses. Handlers report failures with
// c.Error so the span carries the engine error code. Pass a no-op tracer to
// disable.
func RequestTracing(tracer trace.Tracer) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		ctx, span := tracer.Start(c.Request.Context(), c.Request.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(c.Request.Method),
				semconv.HTTPRouteKey.String(route),
			))
		defer span.End()
		span.SetAttributes(targetAttributes(c, route)...)
		if id, ok := ctx.Value(logger.CorrelationIDKey).(string); ok && id != "" {
			span.SetAttributes(attribute.String("correlation_id", id))
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(semconv.HTTPResponseStatusCodeKey.Int(status))
		if last := c.Errors.Last(); last != nil {
			if code := errors.CodeOf(last.Err); code != "" {
				span.SetAttributes(attribute.String("error_code", code))
			}
			span.RecordError(last.Err)
		}
		if status >= 500 {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
		}
	}
}

// targetAttributes maps route parameters to engine identifiers. ":id" names an
// instance under /instances and a task under /tasks.
func targetAttributes(c *gin.Context, route string) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if name := c.Param("name"); name != "" {
		attrs = append(attrs, attribute.String("agent", name))
	}
	if id := c.Param("id"); id != "" {
		switch {
		case strings.Contains(route, "/instances/"):
			attrs = append(attrs, attribute.String("instance_id", id))
		case strings.Contains(route, "/tasks/"):
			attrs = append(attrs, attribute.String("task_id", id))
		}
	}
	return attrs
}
