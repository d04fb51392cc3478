package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kandev/nexus/internal/agent/builtin"
	"github.com/kandev/nexus/internal/common/config"
	"github.com/kandev/nexus/internal/common/logger"
	"github.com/kandev/nexus/internal/orchestrator"
	"github.com/kandev/nexus/pkg/agent"
	v1 "github.com/kandev/nexus/pkg/api/v1"
)

// defaultPool is used when the configuration declares no instances.
var defaultPool = []config.PoolEntry{{Agent: builtin.EchoName, Count: 1}}

// registerPool creates the configured instances from the available agents.
func registerPool(ctx context.Context, svc *orchestrator.Service, pool []config.PoolEntry, agents map[string]agent.Agent, log *logger.Logger) error {
	if len(pool) == 0 {
		pool = defaultPool
	}

	for _, entry := range pool {
		a, ok := agents[entry.Agent]
		if !ok {
			return fmt.Errorf("pool references unknown agent %q", entry.Agent)
		}
		count := entry.Count
		if count <= 0 {
			count = 1
		}

		opts := []orchestrator.InstanceOption{
			orchestrator.WithType(v1.AgentType(entry.Type)),
			orchestrator.WithCapabilities(entry.Capabilities...),
			orchestrator.WithPermissions(entry.Permissions),
			orchestrator.WithWorkingDir(entry.WorkingDir),
		}
		for i := 0; i < count; i++ {
			id, err := svc.RegisterAgent(ctx, a, opts...)
			if err != nil {
				return fmt.Errorf("register %s instance %d: %w", entry.Agent, i, err)
			}
			log.Debug("pool instance created", zap.String("agent", entry.Agent), zap.String("instance_id", id))
		}
	}

	log.Info("agent pool registered", zap.Int("instances", len(svc.Instances())))
	return nil
}
