package v1

import (
	"maps"
	"slices"
	"time"
)

// AgentTask is a unit of work submitted to the orchestrator.
// ID is caller-assigned and must be unique per submission.
type AgentTask struct {
	ID           string            `json:"id" binding:"required"`
	Description  string            `json:"description,omitempty"`
	Priority     int               `json:"priority"`
	Dependencies []string          `json:"dependencies,omitempty"`
	Data         map[string]any    `json:"data"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Input converts the task into the payload handed to an agent.
func (t *AgentTask) Input() *AgentInput {
	return &AgentInput{
		Data:      maps.Clone(t.Data),
		Metadata:  maps.Clone(t.Metadata),
		RequestID: t.ID,
	}
}

// AgentResult is the outcome of a task executed on an instance.
type AgentResult struct {
	TaskID        string           `json:"task_id"`
	AgentID       string           `json:"agent_id"`
	AgentName     string           `json:"agent_name"`
	Success       bool             `json:"success"`
	Output        map[string]any   `json:"output,omitempty"`
	Error         string           `json:"error,omitempty"`
	Metrics       ExecutionMetrics `json:"metrics"`
	ExecutionTime time.Duration    `json:"execution_time"`
	CompletedAt   time.Time        `json:"completed_at"`
}

// AgentStatus is the orchestrator-level status of an instance
type AgentStatus string

const (
	AgentStatusIdle      AgentStatus = "IDLE"
	AgentStatusRunning   AgentStatus = "RUNNING"
	AgentStatusWaiting   AgentStatus = "WAITING"
	AgentStatusCompleted AgentStatus = "COMPLETED"
	AgentStatusFailed    AgentStatus = "FAILED"
)

// IsSettled reports whether the instance has no execution in flight.
func (s AgentStatus) IsSettled() bool {
	switch s {
	case AgentStatusIdle, AgentStatusCompleted, AgentStatusFailed:
		return true
	}
	return false
}

// AgentType classifies an instance
type AgentType string

const (
	AgentTypeCodeAnalyzer    AgentType = "code_analyzer"
	AgentTypeDeFiTrader      AgentType = "defi_trader"
	AgentTypeContractAuditor AgentType = "contract_auditor"
	AgentTypeDataCollector   AgentType = "data_collector"
	AgentTypeTaskExecutor    AgentType = "task_executor"
	AgentTypeCustom          AgentType = "custom"
)

// AgentMemory is per-instance scratch state.
type AgentMemory struct {
	Working      map[string]any `json:"working,omitempty"`
	Knowledge    map[string]any `json:"knowledge,omitempty"`
	Conversation []string       `json:"conversation,omitempty"`
}

// AgentInstance is a stateful slot in the orchestrator backed by a registered agent.
type AgentInstance struct {
	ID            string      `json:"id"`
	AgentName     string      `json:"agent_name"`
	Type          AgentType   `json:"type"`
	Capabilities  []string    `json:"capabilities,omitempty"`
	Status        AgentStatus `json:"status"`
	FailureReason string      `json:"failure_reason,omitempty"`
	Memory        AgentMemory `json:"memory"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Clone returns a deep copy suitable for handing outside the orchestrator.
func (i *AgentInstance) Clone() *AgentInstance {
	out := *i
	out.Capabilities = slices.Clone(i.Capabilities)
	out.Memory = AgentMemory{
		Working:      maps.Clone(i.Memory.Working),
		Knowledge:    maps.Clone(i.Memory.Knowledge),
		Conversation: slices.Clone(i.Memory.Conversation),
	}
	return &out
}
