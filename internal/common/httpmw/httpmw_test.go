package httpmw

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/kandev/nexus/internal/common/errors"
	"github.com/kandev/nexus/internal/common/logger"
)

func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	log := logger.NewNop()
	r := gin.New()
	r.Use(Correlation(), RequestLogger(log, "test"), RequestTracing(noop.NewTracerProvider().Tracer("test")), Recovery(log))
	r.GET("/ok", func(c *gin.Context) {
		id, _ := c.Request.Context().Value(logger.CorrelationIDKey).(string)
		c.String(http.StatusOK, id)
	})
	r.GET("/boom", func(*gin.Context) { panic("handler bug") })
	return r
}

func TestCorrelation(t *testing.T) {
	r := newRouter()

	t.Run("propagates caller id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ok", nil)
		req.Header.Set(CorrelationHeader, "corr-1")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "corr-1", w.Body.String())
		assert.Equal(t, "corr-1", w.Header().Get(CorrelationHeader))
	})

	t.Run("generates id", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))

		assert.NotEmpty(t, w.Body.String())
		assert.Equal(t, w.Body.String(), w.Header().Get(CorrelationHeader))
	})
}

func TestRecovery(t *testing.T) {
	w := httptest.NewRecorder()
	newRouter().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "EXECUTION_FAILED")
}

func spanAttrs(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value)
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestRequestTracing_TagsEngineTargets(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	r := gin.New()
	r.Use(Correlation(), RequestTracing(provider.Tracer("test")))
	r.POST("/api/v1/agents/:name/execute", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/api/v1/instances/:id/tasks", func(c *gin.Context) {
		err := errors.ResourceUnavailable("agent instance 'i-9' not found")
		_ = c.Error(err)
		c.Status(errors.GetHTTPStatus(err))
	})
	r.DELETE("/api/v1/tasks/:id", func(c *gin.Context) {
		_ = c.Error(errors.ExecutionFailed("cancel", nil))
		c.Status(http.StatusInternalServerError)
	})

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/api/v1/agents/echo/execute"},
		{http.MethodPost, "/api/v1/instances/i-9/tasks"},
		{http.MethodDelete, "/api/v1/tasks/T1"},
	} {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		req.Header.Set(CorrelationHeader, "corr-7")
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	spans := recorder.Ended()
	require.Len(t, spans, 3)

	assert.Equal(t, "POST /api/v1/agents/:name/execute", spans[0].Name())
	agent := spanAttrs(spans[0])
	assert.Equal(t, "echo", agent["agent"].AsString())
	assert.Equal(t, "corr-7", agent["correlation_id"].AsString())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)

	instance := spanAttrs(spans[1])
	assert.Equal(t, "i-9", instance["instance_id"].AsString())
	assert.Equal(t, errors.ErrCodeResourceUnavailable, instance["error_code"].AsString())
	assert.Equal(t, int64(http.StatusNotFound), instance["http.response.status_code"].AsInt64())
	assert.Equal(t, codes.Unset, spans[1].Status().Code)

	task := spanAttrs(spans[2])
	assert.Equal(t, "T1", task["task_id"].AsString())
	assert.Equal(t, errors.ErrCodeExecutionFailed, task["error_code"].AsString())
	assert.Equal(t, codes.Error, spans[2].Status().Code)
}
