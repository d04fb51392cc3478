package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/kandev/nexus/internal/common/logger"
	"github.com/kandev/nexus/internal/events/bus"
	v1 "github.com/kandev/nexus/pkg/api/v1"
)

// Publisher turns engine state changes into bus events. Publish failures are
// logged and never fail the operation that produced them.
type Publisher struct {
	bus    bus.EventBus
	logger *logger.Logger
}

// NewPublisher returns a Publisher on b. A nil bus makes every call a no-op.
func NewPublisher(b bus.EventBus, log *logger.Logger) *Publisher {
	return &Publisher{
		bus:    b,
		logger: log.WithFields(zap.String("component", "event-publisher")),
	}
}

// PublishStatus announces an instance status change.
func (p *Publisher) PublishStatus(ctx context.Context, inst *v1.AgentInstance) {
	data := map[string]any{
		"instance_id": inst.ID,
		"agent_name":  inst.AgentName,
		"status":      string(inst.Status),
	}
	if inst.FailureReason != "" {
		data["failure_reason"] = inst.FailureReason
	}
	p.publish(ctx, AgentStatus, data)
}

// PublishResult announces a completed task.
func (p *Publisher) PublishResult(ctx context.Context, r *v1.AgentResult) {
	data := map[string]any{
		"task_id":        r.TaskID,
		"agent_id":       r.AgentID,
		"agent_name":     r.AgentName,
		"success":        r.Success,
		"execution_time": r.ExecutionTime.String(),
	}
	if r.Error != "" {
		data["error"] = r.Error
	}
	p.publish(ctx, AgentResult, data)
}

// PublishSecurityEvent forwards an audited security event.
func (p *Publisher) PublishSecurityEvent(ctx context.Context, eventType, details string) {
	p.publish(ctx, SecurityEvent, map[string]any{
		"event_type": eventType,
		"details":    details,
	})
}

func (p *Publisher) publish(ctx context.Context, subject string, data map[string]any) {
	if p == nil || p.bus == nil {
		return
	}
	if err := p.bus.Publish(ctx, subject, bus.NewEvent(subject, Source, data)); err != nil {
		p.logger.Warn("failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
