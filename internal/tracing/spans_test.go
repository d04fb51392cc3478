package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kandev/nexus/internal/common/errors"
)

func TestEndpointHost(t *testing.T) {
	assert.Equal(t, "collector:4318", endpointHost("http://collector:4318"))
	assert.Equal(t, "collector:4318", endpointHost("https://collector:4318"))
	assert.Equal(t, "collector:4318", endpointHost("collector:4318"))
}

func TestNoopSpans(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	ctx := context.Background()

	ctx, span := TraceExecute(ctx, "echo", "i-1", "T1")
	assert.NotNil(t, ctx)
	TraceResult(span, errors.Timeout("deadline"))

	_, span = TraceParallel(ctx, 3, 2)
	TraceResult(span, nil)

	assert.NoError(t, Shutdown(ctx))
}
