package orchestrator

import (
	"maps"
	"slices"

	"github.com/google/uuid"

	v1 "github.com/kandev/nexus/pkg/api/v1"
)

// InstanceOption customizes an instance created by RegisterAgent.
type InstanceOption func(*instanceOptions)

type instanceOptions struct {
	id           string
	agentType    v1.AgentType
	capabilities []string
	memory       v1.AgentMemory
	userID       string
	env          map[string]string
	workingDir   string
	permissions  v1.Permissions
	limits       v1.ResourceLimits
}

func newInstanceOptions(limits v1.ResourceLimits) instanceOptions {
	return instanceOptions{
		id:        uuid.New().String(),
		agentType: v1.AgentTypeTaskExecutor,
		limits:    limits,
	}
}

// context builds the execution context handed to every run of the instance.
func (o instanceOptions) context() *v1.AgentContext {
	return &v1.AgentContext{
		InstanceID: o.id,
		UserID:     o.userID,
		Env:        maps.Clone(o.env),
		WorkingDir: o.workingDir,
		Permissions: v1.Permissions{
			ReadFiles:       o.permissions.ReadFiles,
			WriteFiles:      o.permissions.WriteFiles,
			ExecuteCommands: o.permissions.ExecuteCommands,
			NetworkAccess:   o.permissions.NetworkAccess,
			Web3Access:      o.permissions.Web3Access,
			AllowedPaths:    slices.Clone(o.permissions.AllowedPaths),
		},
		Limits: o.limits,
	}
}

// WithID sets the instance id instead of a generated UUID.
func WithID(id string) InstanceOption {
	return func(o *instanceOptions) {
		if id != "" {
			o.id = id
		}
	}
}

// WithType sets the instance type. Defaults to task_executor.
func WithType(t v1.AgentType) InstanceOption {
	return func(o *instanceOptions) {
		if t != "" {
			o.agentType = t
		}
	}
}

// WithCapabilities appends capability tags.
func WithCapabilities(caps ...string) InstanceOption {
	return func(o *instanceOptions) { o.capabilities = append(o.capabilities, caps...) }
}

// WithMemory seeds the instance memory.
func WithMemory(m v1.AgentMemory) InstanceOption {
	return func(o *instanceOptions) {
		o.memory = v1.AgentMemory{
			Working:      maps.Clone(m.Working),
			Knowledge:    maps.Clone(m.Knowledge),
			Conversation: slices.Clone(m.Conversation),
		}
	}
}

// WithPermissions grants p to the instance. Nothing is granted by default.
func WithPermissions(p v1.Permissions) InstanceOption {
	return func(o *instanceOptions) { o.permissions = p }
}

// WithLimits overrides the configured default limits.
func WithLimits(l v1.ResourceLimits) InstanceOption {
	return func(o *instanceOptions) { o.limits = l }
}

// WithEnv sets environment variables visible to the agent.
func WithEnv(env map[string]string) InstanceOption {
	return func(o *instanceOptions) { o.env = maps.Clone(env) }
}

// WithWorkingDir sets the agent working directory.
func WithWorkingDir(dir string) InstanceOption {
	return func(o *instanceOptions) { o.workingDir = dir }
}

// WithUserID attributes runs to a user, which also keys rate limiting.
func WithUserID(id string) InstanceOption {
	return func(o *instanceOptions) { o.userID = id }
}
