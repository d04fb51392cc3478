package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/nexus/internal/agent/builtin"
	"github.com/kandev/nexus/internal/agent/registry"
	"github.com/kandev/nexus/internal/common/config"
	"github.com/kandev/nexus/internal/common/logger"
	"github.com/kandev/nexus/internal/metrics"
	"github.com/kandev/nexus/internal/orchestrator"
	"github.com/kandev/nexus/internal/orchestrator/commandqueue"
	"github.com/kandev/nexus/internal/orchestrator/executor"
	"github.com/kandev/nexus/internal/security"
	v1 "github.com/kandev/nexus/pkg/api/v1"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(t *testing.T) (*gin.Engine, *orchestrator.Service) {
	t.Helper()
	log := logger.NewNop()
	rec := metrics.New()
	reg := registry.NewRegistry(log)
	sec := security.NewManager(config.SecurityConfig{
		RateLimit: config.RateLimitConfig{Enabled: true, MaxRequests: 1000, TimeWindowSecs: 60},
	}, log)
	exec := executor.NewExecutor(reg, executor.Config{}, log, executor.WithMetrics(rec), executor.WithSecurity(sec))
	commands := commandqueue.New(exec, commandqueue.Config{}, log, commandqueue.WithMetrics(rec))
	svc := orchestrator.NewService(reg, commands, orchestrator.DefaultServiceConfig(), log, orchestrator.WithMetrics(rec))
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})

	_, err := svc.RegisterAgent(context.Background(), builtin.NewEcho(), orchestrator.WithID("echo-1"))
	require.NoError(t, err)

	router := gin.New()
	SetupRoutes(router, svc, rec, log, WithExecutions(exec), WithSecurityStats(sec))
	return router, svc
}

func do(t *testing.T, router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealthAndListings(t *testing.T) {
	router, _ := setupRouter(t)

	w := do(t, router, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	health := decode[HealthResponse](t, w)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.Agents)
	assert.Equal(t, 1, health.Instances)
	require.NotNil(t, health.Security)
	assert.True(t, health.Security.RateLimitEnabled)
	assert.Equal(t, 0, health.Security.ActiveRateLimiters)

	w = do(t, router, http.MethodGet, "/api/v1/agents", "")
	require.Equal(t, http.StatusOK, w.Code)
	agents := decode[AgentsResponse](t, w)
	require.Equal(t, 1, agents.Total)
	assert.Equal(t, "echo", agents.Agents[0].Name)

	w = do(t, router, http.MethodGet, "/api/v1/instances", "")
	require.Equal(t, http.StatusOK, w.Code)
	instances := decode[InstancesResponse](t, w)
	require.Equal(t, 1, instances.Total)
	assert.Equal(t, "echo-1", instances.Instances[0].ID)

	w = do(t, router, http.MethodGet, "/api/v1/agents/echo/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, v1.HealthStateHealthy, decode[v1.HealthStatus](t, w).State)

	w = do(t, router, http.MethodGet, "/api/v1/agents/echo", "")
	require.Equal(t, http.StatusOK, w.Code)
	info := decode[v1.AgentInfo](t, w)
	assert.Equal(t, "echo", info.Name)

	w = do(t, router, http.MethodGet, "/api/v1/agents/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, router, http.MethodGet, "/api/v1/executions", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, decode[ExecutionsResponse](t, w).Total)
}

func TestHealthReportsRateLimiterKeys(t *testing.T) {
	router, _ := setupRouter(t)

	w := do(t, router, http.MethodPost, "/api/v1/agents/echo/execute", `{"data":{"x":1}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, router, http.MethodGet, "/health", "")
	health := decode[HealthResponse](t, w)
	require.NotNil(t, health.Security)
	assert.Equal(t, 1, health.Security.ActiveRateLimiters)
}

func TestExecuteAgent(t *testing.T) {
	router, _ := setupRouter(t)

	w := do(t, router, http.MethodPost, "/api/v1/agents/echo/execute", `{"data":{"x":1},"request_id":"T1"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode[v1.AgentOutput](t, w)
	assert.True(t, out.Success)
	assert.Equal(t, float64(1), out.Data["x"])

	w = do(t, router, http.MethodPost, "/api/v1/agents/missing/execute", `{"data":{"x":1}}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "RESOURCE_UNAVAILABLE", decode[ErrorResponse](t, w).Code)

	w = do(t, router, http.MethodPost, "/api/v1/agents/echo/execute", `{"data":{}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "CONFIGURATION_INVALID", decode[ErrorResponse](t, w).Code)

	w = do(t, router, http.MethodPost, "/api/v1/agents/echo/execute", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExecuteTaskOnInstance(t *testing.T) {
	router, svc := setupRouter(t)

	w := do(t, router, http.MethodPost, "/api/v1/instances/echo-1/tasks", `{"id":"T1","data":{"x":1}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	result := decode[v1.AgentResult](t, w)
	assert.True(t, result.Success)
	assert.Equal(t, "T1", result.TaskID)
	assert.Equal(t, v1.AgentStatusCompleted, svc.AgentStatuses()["echo-1"])

	w = do(t, router, http.MethodGet, "/api/v1/instances/echo-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, v1.AgentStatusCompleted, decode[v1.AgentInstance](t, w).Status)

	w = do(t, router, http.MethodPost, "/api/v1/instances/nope/tasks", `{"id":"T2","data":{"x":1}}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, router, http.MethodPost, "/api/v1/instances/echo-1/tasks", `{"data":{"x":1}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, http.MethodGet, "/api/v1/results", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[ResultsResponse](t, w).Total)

	w = do(t, router, http.MethodGet, "/api/v1/results", "")
	assert.Equal(t, 0, decode[ResultsResponse](t, w).Total)

	w = do(t, router, http.MethodPost, "/api/v1/reset", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, v1.AgentStatusIdle, svc.AgentStatuses()["echo-1"])
}

func TestSubmitListRunCancel(t *testing.T) {
	router, _ := setupRouter(t)

	w := do(t, router, http.MethodPost, "/api/v1/tasks", `{"id":"A","priority":1,"data":{"x":1}}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	w = do(t, router, http.MethodPost, "/api/v1/tasks", `{"id":"A","data":{"x":1}}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	w = do(t, router, http.MethodPost, "/api/v1/tasks", `{"id":"B","priority":5,"data":{"x":2}}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	w = do(t, router, http.MethodGet, "/api/v1/tasks", "")
	queue := decode[QueueResponse](t, w)
	require.Equal(t, 2, queue.Total)
	assert.False(t, queue.Full)
	assert.Equal(t, "B", queue.Tasks[0].TaskID)

	w = do(t, router, http.MethodDelete, "/api/v1/tasks/B", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = do(t, router, http.MethodDelete, "/api/v1/tasks/B", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, router, http.MethodPost, "/api/v1/tasks/run", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	run := decode[RunResponse](t, w)
	require.Equal(t, 1, run.Total)
	assert.Equal(t, "A", run.Outcomes[0].TaskID)
	assert.True(t, run.Outcomes[0].Result.Success)
	assert.Empty(t, run.Outcomes[0].Error)

	w = do(t, router, http.MethodPost, "/api/v1/wait", `{"timeout_ms":500}`)
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(t, router, http.MethodPost, "/api/v1/wait", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	router, _ := setupRouter(t)

	do(t, router, http.MethodPost, "/api/v1/agents/echo/execute", `{"data":{"x":1}}`)

	w := do(t, router, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.True(t, strings.Contains(body, "nexus_agent_executions_total"))
	assert.True(t, strings.Contains(body, `nexus_agent_instances{status="idle"} 1`))
}
