// Package metrics exposes Prometheus collectors for the execution engine.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kandev/nexus/internal/common/errors"
	v1 "github.com/kandev/nexus/pkg/api/v1"
)

const namespace = "nexus"

// Recorder holds the engine collectors. A nil *Recorder records nothing.
type Recorder struct {
	registry *prometheus.Registry

	executions     *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	healthChecks   *prometheus.CounterVec
	queueDepth     prometheus.Gauge
	inFlight       prometheus.Gauge
	resultsDropped prometheus.Counter
	instances      *prometheus.GaugeVec
}

// New creates a Recorder on its own registry, with Go and process collectors.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		registry: reg,
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_executions_total",
			Help:      "Agent executions by outcome.",
		}, []string{"agent", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_execution_duration_seconds",
			Help:      "Wall-clock agent execution time.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"agent"}),
		healthChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_health_checks_total",
			Help:      "Agent health checks by reported state.",
		}, []string{"agent", "state"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "command_queue_depth",
			Help:      "Commands accepted but not yet dispatched.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "commands_in_flight",
			Help:      "Commands currently being executed.",
		}),
		resultsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_dropped_total",
			Help:      "Results dropped because the result buffer was full.",
		}),
		instances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_instances",
			Help:      "Orchestrator instances by status.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.executions, r.duration, r.healthChecks,
		r.queueDepth, r.inFlight, r.resultsDropped, r.instances,
	)
	return r
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and custom collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// ObserveExecution counts one execution. err decides the outcome label.
func (r *Recorder) ObserveExecution(agent string, elapsed time.Duration, err error) {
	if r == nil {
		return
	}
	r.executions.WithLabelValues(agent, Outcome(err)).Inc()
	r.duration.WithLabelValues(agent).Observe(elapsed.Seconds())
}

// ObserveHealthCheck counts one health check.
func (r *Recorder) ObserveHealthCheck(agent string, state v1.HealthState) {
	if r == nil {
		return
	}
	r.healthChecks.WithLabelValues(agent, strings.ToLower(string(state))).Inc()
}

func (r *Recorder) QueueDepthInc() {
	if r != nil {
		r.queueDepth.Inc()
	}
}

func (r *Recorder) QueueDepthDec() {
	if r != nil {
		r.queueDepth.Dec()
	}
}

func (r *Recorder) InFlightInc() {
	if r != nil {
		r.inFlight.Inc()
	}
}

func (r *Recorder) InFlightDec() {
	if r != nil {
		r.inFlight.Dec()
	}
}

func (r *Recorder) ResultDropped() {
	if r != nil {
		r.resultsDropped.Inc()
	}
}

// SetInstanceCounts replaces the per-status instance gauge.
func (r *Recorder) SetInstanceCounts(counts map[v1.AgentStatus]int) {
	if r == nil {
		return
	}
	for _, s := range []v1.AgentStatus{
		v1.AgentStatusIdle, v1.AgentStatusRunning, v1.AgentStatusWaiting,
		v1.AgentStatusCompleted, v1.AgentStatusFailed,
	} {
		r.instances.WithLabelValues(strings.ToLower(string(s))).Set(float64(counts[s]))
	}
}

// Outcome maps an execution error to a metric label.
func Outcome(err error) string {
	if err == nil {
		return "success"
	}
	if code := errors.CodeOf(err); code != "" {
		return strings.ToLower(code)
	}
	return "error"
}
