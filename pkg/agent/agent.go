// Package agent defines the capability interface implemented by pluggable agents.
package agent

import (
	"context"

	"github.com/kandev/nexus/internal/common/errors"
	v1 "github.com/kandev/nexus/pkg/api/v1"
)

const (
	DefaultVersion     = "1.0.0"
	DefaultDescription = "No description available"
)

// Agent is a named, pluggable unit of execution logic.
//
// Execute receives a context that is cancelled when the execution deadline
// passes. The engine stops waiting at the deadline whether or not Execute
// returns, so long-running agents should watch ctx.Done().
type Agent interface {
	Name() string
	Version() string
	Description() string
	RequiredPermissions() v1.Permissions
	ResourceLimits() v1.ResourceLimits

	Initialize(ctx context.Context, actx *v1.AgentContext) error
	Cleanup(ctx context.Context, actx *v1.AgentContext) error
	HealthCheck(ctx context.Context) (v1.HealthStatus, error)
	ValidateInput(ctx context.Context, input *v1.AgentInput) error
	Execute(ctx context.Context, actx *v1.AgentContext, input *v1.AgentInput) (*v1.AgentOutput, error)
}

// Provider supplies fully constructed agents for registration.
type Provider interface {
	Agents() []Agent
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func() []Agent

func (f ProviderFunc) Agents() []Agent { return f() }

// Base provides the default behaviour for everything except Name and Execute.
// Embed it and override what differs.
type Base struct{}

func (Base) Version() string                     { return DefaultVersion }
func (Base) Description() string                 { return DefaultDescription }
func (Base) RequiredPermissions() v1.Permissions { return v1.Permissions{} }
func (Base) ResourceLimits() v1.ResourceLimits   { return v1.DefaultResourceLimits() }

func (Base) Initialize(context.Context, *v1.AgentContext) error { return nil }
func (Base) Cleanup(context.Context, *v1.AgentContext) error    { return nil }

func (Base) HealthCheck(context.Context) (v1.HealthStatus, error) {
	return v1.Healthy(), nil
}

// ValidateInput rejects a missing or empty data payload.
func (Base) ValidateInput(_ context.Context, input *v1.AgentInput) error {
	if input == nil || len(input.Data) == 0 {
		return errors.ConfigurationInvalid("Input data cannot be empty")
	}
	return nil
}

// ExecuteFunc is the signature of Func's body.
type ExecuteFunc func(ctx context.Context, actx *v1.AgentContext, input *v1.AgentInput) (*v1.AgentOutput, error)

// Func is an Agent built from a name and an execute function.
type Func struct {
	Base
	AgentName   string
	Permissions v1.Permissions
	Limits      *v1.ResourceLimits
	Fn          ExecuteFunc
}

// NewFunc returns a Func agent with default permissions and limits.
func NewFunc(name string, fn ExecuteFunc) *Func {
	return &Func{AgentName: name, Fn: fn}
}

func (f *Func) Name() string                        { return f.AgentName }
func (f *Func) RequiredPermissions() v1.Permissions { return f.Permissions }

func (f *Func) ResourceLimits() v1.ResourceLimits {
	if f.Limits != nil {
		return *f.Limits
	}
	return f.Base.ResourceLimits()
}

func (f *Func) Execute(ctx context.Context, actx *v1.AgentContext, input *v1.AgentInput) (*v1.AgentOutput, error) {
	return f.Fn(ctx, actx, input)
}
