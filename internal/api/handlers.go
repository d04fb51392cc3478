package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/nexus/internal/common/errors"
	"github.com/kandev/nexus/internal/common/logger"
	"github.com/kandev/nexus/internal/orchestrator"
	"github.com/kandev/nexus/internal/orchestrator/executor"
	"github.com/kandev/nexus/internal/security"
	v1 "github.com/kandev/nexus/pkg/api/v1"
)

const defaultWaitTimeout = 30 * time.Second

// ExecutionSource lists the executions currently in flight.
type ExecutionSource interface {
	Active() []executor.Execution
}

// SecurityStatsSource reports security manager statistics.
type SecurityStatsSource interface {
	Stats() security.Stats
}

// Handler contains HTTP handlers for the orchestrator API
type Handler struct {
	service    *orchestrator.Service
	executions ExecutionSource
	security   SecurityStatsSource
	logger     *logger.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithExecutions serves in-flight executions from src.
func WithExecutions(src ExecutionSource) Option {
	return func(h *Handler) { h.executions = src }
}

// WithSecurityStats adds security statistics to the health response.
func WithSecurityStats(src SecurityStatsSource) Option {
	return func(h *Handler) { h.security = src }
}

// NewHandler creates a new API handler
func NewHandler(service *orchestrator.Service, log *logger.Logger, opts ...Option) *Handler {
	h := &Handler{
		service: service,
		logger:  log.WithFields(zap.String("component", "orchestrator-api")),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Health reports liveness
// GET /health
func (h *Handler) Health(c *gin.Context) {
	resp := HealthResponse{
		Status:         "ok",
		Agents:         h.service.AgentCount(),
		Instances:      len(h.service.Instances()),
		PendingResults: h.service.PendingResults(),
	}
	if h.security != nil {
		stats := h.security.Stats()
		resp.Security = &stats
	}
	c.JSON(http.StatusOK, resp)
}

// ListAgents returns the registered agents
// GET /api/v1/agents
func (h *Handler) ListAgents(c *gin.Context) {
	agents := h.service.ListAgents()
	c.JSON(http.StatusOK, AgentsResponse{Agents: agents, Total: len(agents)})
}

// GetAgent describes one registered agent
// GET /api/v1/agents/:name
func (h *Handler) GetAgent(c *gin.Context) {
	name := c.Param("name")
	info, err := h.service.AgentInfo(name)
	if err != nil {
		h.fail(c, err, "agent lookup failed", zap.String("agent", name))
		return
	}
	c.JSON(http.StatusOK, info)
}

// ListExecutions returns the executions in flight, oldest first
// GET /api/v1/executions
func (h *Handler) ListExecutions(c *gin.Context) {
	active := []executor.Execution{}
	if h.executions != nil {
		active = h.executions.Active()
	}
	c.JSON(http.StatusOK, ExecutionsResponse{Executions: active, Total: len(active)})
}

// AgentHealth runs an agent's health check
// GET /api/v1/agents/:name/health
func (h *Handler) AgentHealth(c *gin.Context) {
	name := c.Param("name")
	status, err := h.service.GetAgentHealth(c.Request.Context(), name)
	if err != nil {
		h.fail(c, err, "health check failed", zap.String("agent", name))
		return
	}
	c.JSON(http.StatusOK, status)
}

// ExecuteAgent runs an agent directly
// POST /api/v1/agents/:name/execute
func (h *Handler) ExecuteAgent(c *gin.Context) {
	name := c.Param("name")
	var req ExecuteAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	input := &v1.AgentInput{Data: req.Data, Metadata: req.Metadata, RequestID: req.RequestID}
	out, err := h.service.ExecuteAgent(c.Request.Context(), name, input, req.Context.agentContext())
	if err != nil {
		h.fail(c, err, "agent execution failed", zap.String("agent", name))
		return
	}
	c.JSON(http.StatusOK, out)
}

// ListInstances returns every orchestrator instance
// GET /api/v1/instances
func (h *Handler) ListInstances(c *gin.Context) {
	instances := h.service.Instances()
	c.JSON(http.StatusOK, InstancesResponse{Instances: instances, Total: len(instances)})
}

// GetInstance returns one instance
// GET /api/v1/instances/:id
func (h *Handler) GetInstance(c *gin.Context) {
	id := c.Param("id")
	inst, err := h.service.Instance(id)
	if err != nil {
		h.fail(c, err, "instance lookup failed", zap.String("instance_id", id))
		return
	}
	c.JSON(http.StatusOK, inst)
}

// ResetInstances returns completed and failed instances to idle
// POST /api/v1/reset
func (h *Handler) ResetInstances(c *gin.Context) {
	n := h.service.ResetAgents(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"reset": n})
}

// ExecuteTask runs a task on one instance
// POST /api/v1/instances/:id/tasks
func (h *Handler) ExecuteTask(c *gin.Context) {
	id := c.Param("id")
	var task v1.AgentTask
	if err := c.ShouldBindJSON(&task); err != nil {
		h.badRequest(c, err)
		return
	}

	result, err := h.service.ExecuteTask(c.Request.Context(), id, &task)
	if err != nil {
		h.fail(c, err, "failed to execute task", zap.String("instance_id", id), zap.String("task_id", task.ID))
		return
	}
	c.JSON(http.StatusOK, result)
}

// SubmitTask queues a task for a later run
// POST /api/v1/tasks
func (h *Handler) SubmitTask(c *gin.Context) {
	var task v1.AgentTask
	if err := c.ShouldBindJSON(&task); err != nil {
		h.badRequest(c, err)
		return
	}

	id, err := h.service.SubmitTask(&task)
	if err != nil {
		h.fail(c, err, "failed to submit task", zap.String("task_id", task.ID))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": id})
}

// ListTasks returns the submitted tasks in run order
// GET /api/v1/tasks
func (h *Handler) ListTasks(c *gin.Context) {
	pending := h.service.PendingTasks()
	tasks := make([]QueuedTaskResponse, 0, len(pending))
	for _, t := range pending {
		tasks = append(tasks, QueuedTaskResponse{
			TaskID:       t.ID,
			Description:  t.Description,
			Priority:     t.Priority,
			Dependencies: t.Dependencies,
		})
	}
	c.JSON(http.StatusOK, QueueResponse{Tasks: tasks, Total: len(tasks), Full: h.service.TaskQueueFull()})
}

// CancelTask removes a queued task
// DELETE /api/v1/tasks/:id
func (h *Handler) CancelTask(c *gin.Context) {
	id := c.Param("id")
	if err := h.service.CancelTask(id); err != nil {
		h.fail(c, err, "failed to cancel task", zap.String("task_id", id))
		return
	}
	c.Status(http.StatusNoContent)
}

// RunPending runs every ready submitted task
// POST /api/v1/tasks/run
func (h *Handler) RunPending(c *gin.Context) {
	outcomes, err := h.service.RunPending(c.Request.Context(), nil)
	if err != nil {
		h.fail(c, err, "failed to run pending tasks")
		return
	}

	resp := RunResponse{Outcomes: make([]OutcomeResponse, 0, len(outcomes))}
	for _, o := range outcomes {
		item := OutcomeResponse{TaskID: o.TaskID, AgentID: o.AgentID, Result: o.Result}
		if o.Err != nil {
			item.Error = errors.MessageOf(o.Err)
		}
		resp.Outcomes = append(resp.Outcomes, item)
	}
	resp.Total = len(resp.Outcomes)
	c.JSON(http.StatusOK, resp)
}

// DrainResults returns and clears the pending results
// GET /api/v1/results
func (h *Handler) DrainResults(c *gin.Context) {
	results := h.service.Results()
	c.JSON(http.StatusOK, ResultsResponse{Results: results, Total: len(results)})
}

// Wait blocks until every instance settles
// POST /api/v1/wait
func (h *Handler) Wait(c *gin.Context) {
	var req WaitRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.badRequest(c, err)
			return
		}
	}
	timeout := defaultWaitTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	if err := h.service.WaitForCompletion(c.Request.Context(), timeout); err != nil {
		h.fail(c, err, "wait for completion failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"statuses": h.service.AgentStatuses()})
}

func (h *Handler) badRequest(c *gin.Context, err error) {
	writeError(c, errors.ConfigurationInvalid("invalid request: "+err.Error()))
}

func (h *Handler) fail(c *gin.Context, err error, msg string, fields ...zap.Field) {
	fields = append(fields, zap.String("error_code", errors.CodeOf(err)), zap.Error(err))
	if errors.GetHTTPStatus(err) >= http.StatusInternalServerError {
		h.logger.Error(msg, fields...)
	} else {
		h.logger.Debug(msg, fields...)
	}
	writeError(c, err)
}

func writeError(c *gin.Context, err error) {
	_ = c.Error(err)
	code := errors.CodeOf(err)
	if code == "" {
		code = errors.ErrCodeExecutionFailed
	}
	c.JSON(errors.GetHTTPStatus(err), ErrorResponse{Code: code, Message: errors.MessageOf(err)})
}
