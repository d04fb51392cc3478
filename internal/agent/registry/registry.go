// Package registry owns the set of registered agent implementations, keyed by name.
package registry

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/nexus/internal/common/errors"
	"github.com/kandev/nexus/internal/common/logger"
	"github.com/kandev/nexus/pkg/agent"
	v1 "github.com/kandev/nexus/pkg/api/v1"
)

type entry struct {
	agent     agent.Agent
	lastState v1.ExecutionState
	lastRunAt time.Time
	runs      uint64
}

// Registry is safe for concurrent use. The lock guards map access only and is
// never held while an agent runs.
type Registry struct {
	agents map[string]*entry
	mu     sync.RWMutex
	logger *logger.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		agents: make(map[string]*entry),
		logger: log.WithFields(zap.String("component", "agent-registry")),
	}
}

// Register adds an agent. A taken name returns ALREADY_EXISTS and leaves the
// registry unchanged.
func (r *Registry) Register(a agent.Agent) error {
	if a == nil {
		return errors.ConfigurationInvalid("agent is nil")
	}
	name := a.Name()
	if name == "" {
		return errors.ConfigurationInvalid("agent name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[name]; exists {
		return errors.AlreadyExists("agent", name)
	}
	r.agents[name] = &entry{agent: a}

	r.logger.Info("registered agent",
		zap.String("agent", name),
		zap.String("version", a.Version()))
	return nil
}

// Unregister removes an agent by name.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[name]; !exists {
		return errors.ResourceUnavailable("agent '" + name + "' not found")
	}
	delete(r.agents, name)

	r.logger.Info("unregistered agent", zap.String("agent", name))
	return nil
}

// Get returns the agent registered under name.
func (r *Registry) Get(name string) (agent.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.agents[name]
	if !ok {
		return nil, errors.ResourceUnavailable("agent '" + name + "' not found")
	}
	return e.agent, nil
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Agents returns the registered implementations sorted by name.
func (r *Registry) Agents() []agent.Agent {
	r.mu.RLock()
	out := make([]agent.Agent, 0, len(r.agents))
	for _, e := range r.agents {
		out = append(out, e.agent)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// List returns a snapshot of every registered agent sorted by name.
func (r *Registry) List() []v1.AgentInfo {
	r.mu.RLock()
	out := make([]v1.AgentInfo, 0, len(r.agents))
	for _, e := range r.agents {
		out = append(out, e.info())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Info returns the snapshot for a single agent.
func (r *Registry) Info(name string) (v1.AgentInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.agents[name]
	if !ok {
		return v1.AgentInfo{}, errors.ResourceUnavailable("agent '" + name + "' not found")
	}
	return e.info(), nil
}

// RecordState updates the status note of an agent. Terminal states count as a run.
// Unknown names are ignored since the agent may have been unregistered mid-flight.
func (r *Registry) RecordState(name string, state v1.ExecutionState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[name]
	if !ok {
		return
	}
	e.lastState = state
	e.lastRunAt = time.Now().UTC()
	if state.IsTerminal() {
		e.runs++
	}
}

func (e *entry) info() v1.AgentInfo {
	info := v1.AgentInfo{
		Name:        e.agent.Name(),
		Version:     e.agent.Version(),
		Description: e.agent.Description(),
		Permissions: e.agent.RequiredPermissions(),
		Limits:      e.agent.ResourceLimits(),
		LastState:   e.lastState,
		Runs:        e.runs,
	}
	if !e.lastRunAt.IsZero() {
		t := e.lastRunAt
		info.LastRunAt = &t
	}
	return info
}
