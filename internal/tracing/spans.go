package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kandev/nexus/internal/common/errors"
)

const engineTracerName = "nexus-engine"

func engineTracer() trace.Tracer {
	return Tracer(engineTracerName)
}

func start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := engineTracer().Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attrs...)
	return ctx, span
}

// TraceExecute creates a span for one agent execution.
func TraceExecute(ctx context.Context, agentName, instanceID, requestID string) (context.Context, trace.Span) {
	return start(ctx, "executor.execute",
		attribute.String("agent", agentName),
		attribute.String("instance_id", instanceID),
		attribute.String("request_id", requestID),
	)
}

// TraceHealthCheck creates a span for an agent health check.
func TraceHealthCheck(ctx context.Context, agentName string) (context.Context, trace.Span) {
	return start(ctx, "executor.health_check", attribute.String("agent", agentName))
}

// TraceParallel creates a span for a parallel fan-out.
func TraceParallel(ctx context.Context, tasks, workers int) (context.Context, trace.Span) {
	return start(ctx, "orchestrator.parallel_execute",
		attribute.Int("tasks", tasks),
		attribute.Int("workers", workers),
	)
}

// TraceChain creates a span for a two-stage pipeline.
func TraceChain(ctx context.Context, firstID, secondID, taskID string) (context.Context, trace.Span) {
	return start(ctx, "orchestrator.chain",
		attribute.String("first_agent_id", firstID),
		attribute.String("second_agent_id", secondID),
		attribute.String("task_id", taskID),
	)
}

// TraceResult records the outcome on span and ends it.
func TraceResult(span trace.Span, err error) {
	if err != nil {
		span.SetAttributes(attribute.String("error_code", errors.CodeOf(err)))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
