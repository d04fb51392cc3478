package metrics

import (
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/nexus/internal/common/errors"
	v1 "github.com/kandev/nexus/pkg/api/v1"
)

func TestOutcome(t *testing.T) {
	assert.Equal(t, "success", Outcome(nil))
	assert.Equal(t, "timeout", Outcome(errors.Timeout("x")))
	assert.Equal(t, "permission_denied", Outcome(errors.PermissionDenied("x")))
	assert.Equal(t, "error", Outcome(stderrors.New("x")))
}

func TestRecorder(t *testing.T) {
	r := New()

	r.ObserveExecution("echo", 10*time.Millisecond, nil)
	r.ObserveExecution("echo", time.Second, errors.Timeout("slow"))
	r.ObserveExecution("echo", time.Millisecond, nil)
	assert.Equal(t, 2.0, testutil.ToFloat64(r.executions.WithLabelValues("echo", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.executions.WithLabelValues("echo", "timeout")))

	r.QueueDepthInc()
	r.QueueDepthInc()
	r.QueueDepthDec()
	assert.Equal(t, 1.0, testutil.ToFloat64(r.queueDepth))

	r.ResultDropped()
	assert.Equal(t, 1.0, testutil.ToFloat64(r.resultsDropped))

	r.SetInstanceCounts(map[v1.AgentStatus]int{v1.AgentStatusIdle: 3})
	assert.Equal(t, 3.0, testutil.ToFloat64(r.instances.WithLabelValues("idle")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.instances.WithLabelValues("running")))

	r.ObserveHealthCheck("echo", v1.HealthStateHealthy)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "nexus_agent_executions_total")
	assert.Contains(t, rec.Body.String(), "nexus_agent_health_checks_total")
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	r.ObserveExecution("x", time.Second, nil)
	r.QueueDepthInc()
	r.InFlightDec()
	r.ResultDropped()
	r.SetInstanceCounts(nil)
	assert.Nil(t, r.Registry())

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
