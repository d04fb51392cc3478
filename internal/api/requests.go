// Package api provides the operator REST API for the orchestrator service.
package api

import (
	"time"

	"github.com/kandev/nexus/internal/orchestrator/executor"
	"github.com/kandev/nexus/internal/security"
	v1 "github.com/kandev/nexus/pkg/api/v1"
)

// ExecuteAgentRequest runs a registered agent outside any instance
type ExecuteAgentRequest struct {
	Data      map[string]any    `json:"data"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	Context   *ContextRequest   `json:"context,omitempty"`
}

// ContextRequest is the caller-supplied execution context
type ContextRequest struct {
	InstanceID  string            `json:"instance_id,omitempty"`
	UserID      string            `json:"user_id,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	WorkingDir  string            `json:"working_dir,omitempty"`
	Permissions v1.Permissions    `json:"permissions"`
	TimeoutMs   int64             `json:"timeout_ms,omitempty"`
}

func (r *ContextRequest) agentContext() *v1.AgentContext {
	if r == nil {
		return &v1.AgentContext{}
	}
	actx := &v1.AgentContext{
		InstanceID:  r.InstanceID,
		UserID:      r.UserID,
		Env:         r.Env,
		WorkingDir:  r.WorkingDir,
		Permissions: r.Permissions,
	}
	if r.TimeoutMs > 0 {
		actx.Limits.MaxExecutionTime = time.Duration(r.TimeoutMs) * time.Millisecond
	}
	return actx
}

// WaitRequest for waiting on all instances
type WaitRequest struct {
	TimeoutMs int64 `json:"timeout_ms"`
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HealthResponse for the liveness endpoint
type HealthResponse struct {
	Status         string          `json:"status"`
	Agents         int             `json:"agents"`
	Instances      int             `json:"instances"`
	PendingResults int             `json:"pending_results"`
	Security       *security.Stats `json:"security,omitempty"`
}

// AgentsResponse for agent listing
type AgentsResponse struct {
	Agents []v1.AgentInfo `json:"agents"`
	Total  int            `json:"total"`
}

// InstancesResponse for instance listing
type InstancesResponse struct {
	Instances []*v1.AgentInstance `json:"instances"`
	Total     int                 `json:"total"`
}

// QueuedTaskResponse for queue listing
type QueuedTaskResponse struct {
	TaskID       string   `json:"task_id"`
	Description  string   `json:"description,omitempty"`
	Priority     int      `json:"priority"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// QueueResponse for the pending task endpoint
type QueueResponse struct {
	Tasks []QueuedTaskResponse `json:"tasks"`
	Total int                  `json:"total"`
	Full  bool                 `json:"full"`
}

// ExecutionsResponse for the in-flight execution listing
type ExecutionsResponse struct {
	Executions []executor.Execution `json:"executions"`
	Total      int                  `json:"total"`
}

// OutcomeResponse is one entry of a pending run
type OutcomeResponse struct {
	TaskID  string          `json:"task_id"`
	AgentID string          `json:"agent_id"`
	Result  *v1.AgentResult `json:"result"`
	Error   string          `json:"error,omitempty"`
}

// RunResponse for the run-pending endpoint
type RunResponse struct {
	Outcomes []OutcomeResponse `json:"outcomes"`
	Total    int               `json:"total"`
}

// ResultsResponse for the result drain endpoint
type ResultsResponse struct {
	Results []*v1.AgentResult `json:"results"`
	Total   int               `json:"total"`
}
