package v1

import (
	"maps"
	"slices"
	"time"
)

// Permissions are the capability flags granted to (or required by) an agent.
// A false flag blocks the capability regardless of AllowedPaths.
type Permissions struct {
	ReadFiles       bool     `json:"read_files" mapstructure:"readFiles"`
	WriteFiles      bool     `json:"write_files" mapstructure:"writeFiles"`
	ExecuteCommands bool     `json:"execute_commands" mapstructure:"executeCommands"`
	NetworkAccess   bool     `json:"network_access" mapstructure:"networkAccess"`
	Web3Access      bool     `json:"web3_access" mapstructure:"web3Access"`
	AllowedPaths    []string `json:"allowed_paths,omitempty" mapstructure:"allowedPaths"`
}

// RequiresFileAccess reports whether read or write access is set.
func (p Permissions) RequiresFileAccess() bool {
	return p.ReadFiles || p.WriteFiles
}

// ResourceLimits bounds an execution. Zero values are unset.
// Only MaxExecutionTime is enforced; the rest are advisory.
type ResourceLimits struct {
	MaxMemoryBytes           uint64        `json:"max_memory_bytes,omitempty"`
	MaxExecutionTime         time.Duration `json:"max_execution_time,omitempty"`
	MaxCPUPercent            float64       `json:"max_cpu_percent,omitempty"`
	MaxFileOpsPerSec         uint32        `json:"max_file_ops_per_sec,omitempty"`
	MaxNetworkRequestsPerMin uint32        `json:"max_network_requests_per_min,omitempty"`
}

// DefaultResourceLimits returns the limits applied when none are configured.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		MaxMemoryBytes:           100 * 1024 * 1024,
		MaxExecutionTime:         300 * time.Second,
		MaxCPUPercent:            50.0,
		MaxFileOpsPerSec:         100,
		MaxNetworkRequestsPerMin: 1000,
	}
}

// AgentContext is the per-invocation bundle of identity, environment,
// permissions and limits. It is never persisted.
type AgentContext struct {
	InstanceID  string            `json:"instance_id"`
	UserID      string            `json:"user_id,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	WorkingDir  string            `json:"working_dir,omitempty"`
	Permissions Permissions       `json:"permissions"`
	Limits      ResourceLimits    `json:"limits"`
}

// Clone returns a deep copy of the context.
func (c *AgentContext) Clone() *AgentContext {
	if c == nil {
		return nil
	}
	out := *c
	out.Env = maps.Clone(c.Env)
	out.Permissions.AllowedPaths = slices.Clone(c.Permissions.AllowedPaths)
	return &out
}

// AgentInput is the payload handed to an agent.
type AgentInput struct {
	Data      map[string]any    `json:"data"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

// ExecutionMetrics describes resource usage of one execution.
type ExecutionMetrics struct {
	Duration        time.Duration `json:"duration"`
	MemoryUsedBytes uint64        `json:"memory_used_bytes,omitempty"`
	CPUPercent      float64       `json:"cpu_percent,omitempty"`
	FileOperations  uint32        `json:"file_operations,omitempty"`
	NetworkRequests uint32        `json:"network_requests,omitempty"`
}

// AgentOutput is what an agent returns from Execute.
type AgentOutput struct {
	Success  bool              `json:"success"`
	Data     map[string]any    `json:"data,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Message  string            `json:"message,omitempty"`
	Metrics  ExecutionMetrics  `json:"metrics"`
}

// HealthState is the coarse health of an agent
type HealthState string

const (
	HealthStateHealthy   HealthState = "HEALTHY"
	HealthStateDegraded  HealthState = "DEGRADED"
	HealthStateUnhealthy HealthState = "UNHEALTHY"
)

// HealthStatus is the result of an agent health check.
type HealthStatus struct {
	State  HealthState `json:"state"`
	Reason string      `json:"reason,omitempty"`
}

// Healthy returns a healthy status.
func Healthy() HealthStatus {
	return HealthStatus{State: HealthStateHealthy}
}

// Degraded returns a degraded status with a reason.
func Degraded(reason string) HealthStatus {
	return HealthStatus{State: HealthStateDegraded, Reason: reason}
}

// Unhealthy returns an unhealthy status with a reason.
func Unhealthy(reason string) HealthStatus {
	return HealthStatus{State: HealthStateUnhealthy, Reason: reason}
}

// ExecutionState tracks a single request through the executor
type ExecutionState string

const (
	ExecutionStateQueued          ExecutionState = "QUEUED"
	ExecutionStatePermissionCheck ExecutionState = "PERMISSION_CHECK"
	ExecutionStateInputValidation ExecutionState = "INPUT_VALIDATION"
	ExecutionStateRunning         ExecutionState = "RUNNING"
	ExecutionStateCompleted       ExecutionState = "COMPLETED"
	ExecutionStateFailed          ExecutionState = "FAILED"
	ExecutionStateTimedOut        ExecutionState = "TIMED_OUT"
)

// IsTerminal reports whether no further transitions follow.
func (s ExecutionState) IsTerminal() bool {
	switch s {
	case ExecutionStateCompleted, ExecutionStateFailed, ExecutionStateTimedOut:
		return true
	}
	return false
}

// AgentInfo is a registry snapshot of one registered agent.
type AgentInfo struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Permissions Permissions    `json:"permissions"`
	Limits      ResourceLimits `json:"limits"`
	LastState   ExecutionState `json:"last_state,omitempty"`
	LastRunAt   *time.Time     `json:"last_run_at,omitempty"`
	Runs        uint64         `json:"runs"`
}
