// Package builtin holds the reference agents shipped with the service.
package builtin

import (
	"context"
	"maps"

	"github.com/kandev/nexus/pkg/agent"
	v1 "github.com/kandev/nexus/pkg/api/v1"
)

const (
	EchoName    = "echo"
	EchoMessage = "Echo agent running successfully!"
)

// Echo returns its input data unchanged. It needs no permissions.
type Echo struct {
	agent.Base
}

// NewEcho creates the echo agent.
func NewEcho() *Echo {
	return &Echo{}
}

func (*Echo) Name() string        { return EchoName }
func (*Echo) Description() string { return "Returns the input payload unchanged" }

func (*Echo) Execute(ctx context.Context, _ *v1.AgentContext, input *v1.AgentInput) (*v1.AgentOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &v1.AgentOutput{
		Success:  true,
		Data:     maps.Clone(input.Data),
		Metadata: maps.Clone(input.Metadata),
		Message:  EchoMessage,
	}, nil
}

// Provider returns the built-in agents.
func Provider() agent.Provider {
	return agent.ProviderFunc(func() []agent.Agent {
		return []agent.Agent{NewEcho()}
	})
}

// Index maps the agents of p by name. Later duplicates are ignored.
func Index(p agent.Provider) map[string]agent.Agent {
	out := make(map[string]agent.Agent)
	for _, a := range p.Agents() {
		if a == nil {
			continue
		}
		if _, ok := out[a.Name()]; !ok {
			out[a.Name()] = a
		}
	}
	return out
}
