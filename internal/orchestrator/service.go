// Package orchestrator coordinates task execution across agent instances. It
// manages:
//
//   - Instance registration backed by the agent registry
//   - Submitted tasks in a bounded priority queue
//   - Single, parallel and chained execution through the command queue
//   - The buffered result stream and status events
//
// The orchestrator never calls agents directly; every execution travels through
// the command queue so responses are matched per request.
package orchestrator

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/nexus/internal/agent/registry"
	"github.com/kandev/nexus/internal/common/errors"
	"github.com/kandev/nexus/internal/common/logger"
	"github.com/kandev/nexus/internal/events"
	"github.com/kandev/nexus/internal/metrics"
	"github.com/kandev/nexus/internal/orchestrator/commandqueue"
	"github.com/kandev/nexus/internal/orchestrator/queue"
	"github.com/kandev/nexus/pkg/agent"
	v1 "github.com/kandev/nexus/pkg/api/v1"
)

// Common errors
var (
	ErrNoAvailableAgents = stderrors.New("no available agents")
	ErrServiceClosed     = stderrors.New("orchestrator is shut down")
)

const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultInitTimeout  = 30 * time.Second
	DefaultHistoryLimit = 10000
)

// ServiceConfig holds orchestrator configuration
type ServiceConfig struct {
	TaskQueueSize    int
	ResultBufferSize int // 0 = unbounded
	PollInterval     time.Duration
	InitTimeout      time.Duration // bounds Initialize during registration
	DefaultLimits    v1.ResourceLimits
	HistoryLimit     int // completed task ids kept for dependency checks
}

// DefaultServiceConfig returns default configuration
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		TaskQueueSize:    1000,
		ResultBufferSize: 10000,
		PollInterval:     DefaultPollInterval,
		InitTimeout:      DefaultInitTimeout,
		DefaultLimits:    v1.DefaultResourceLimits(),
		HistoryLimit:     DefaultHistoryLimit,
	}
}

// instanceEntry is an instance plus the execution context built for it.
type instanceEntry struct {
	inst *v1.AgentInstance
	actx *v1.AgentContext
	// reserved marks an instance owned by a parallel worker
	reserved bool
}

// Service is the orchestrator.
type Service struct {
	registry  *registry.Registry
	commands  *commandqueue.Queue
	tasks     *queue.TaskQueue
	results   *resultBuffer
	publisher *events.Publisher
	metrics   *metrics.Recorder
	logger    *logger.Logger
	config    ServiceConfig

	mu        sync.RWMutex
	instances map[string]*instanceEntry
	order     []string
	// instance ids whose agent is still initializing
	pending map[string]struct{}
	// agent name -> closed once its Initialize returns
	initializing map[string]chan struct{}
	// agents initialized by this service, with the context used for Initialize
	initialized map[string]*v1.AgentContext
	completed   *history
	closed      bool
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher publishes status and result events through p.
func WithPublisher(p *events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithMetrics records instance counts and dropped results on r.
func WithMetrics(r *metrics.Recorder) Option {
	return func(s *Service) { s.metrics = r }
}

// NewService creates the orchestrator. The command queue is started by Start.
func NewService(reg *registry.Registry, commands *commandqueue.Queue, cfg ServiceConfig, log *logger.Logger, opts ...Option) *Service {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = DefaultInitTimeout
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.DefaultLimits == (v1.ResourceLimits{}) {
		cfg.DefaultLimits = v1.DefaultResourceLimits()
	}
	s := &Service{
		registry:    reg,
		commands:    commands,
		tasks:       queue.NewTaskQueue(cfg.TaskQueueSize),
		results:     newResultBuffer(cfg.ResultBufferSize),
		logger:      log.WithFields(zap.String("component", "orchestrator")),
		config:      cfg,
		instances:    make(map[string]*instanceEntry),
		pending:      make(map[string]struct{}),
		initializing: make(map[string]chan struct{}),
		initialized:  make(map[string]*v1.AgentContext),
		completed:    newHistory(cfg.HistoryLimit),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins processing commands until ctx is cancelled or Shutdown is called.
func (s *Service) Start(ctx context.Context) error {
	if err := s.commands.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start orchestrator")
	}
	s.logger.Info("orchestrator started")
	return nil
}

// RegisterAgent creates an instance backed by a. The implementation is added
// to the registry and initialized the first time it is seen; the same value
// may back any number of instances.
func (s *Service) RegisterAgent(ctx context.Context, a agent.Agent, opts ...InstanceOption) (string, error) {
	if a == nil {
		return "", errors.ConfigurationInvalid("agent must not be nil")
	}

	o := newInstanceOptions(s.config.DefaultLimits)
	for _, opt := range opts {
		opt(&o)
	}

	inst, err := s.addInstance(ctx, a, o)
	if err != nil {
		return "", err
	}

	s.logger.WithAgentName(inst.AgentName).WithInstanceID(inst.ID).Info("agent instance registered",
		zap.String("type", string(inst.Type)))
	s.announce(ctx, inst)
	return inst.ID, nil
}

// addInstance commits a new instance. A first-seen implementation is
// registered and its id reserved under the lock, then initialized with the lock
// released; a concurrent registration of the same implementation waits for it.
func (s *Service) addInstance(ctx context.Context, a agent.Agent, o instanceOptions) (*v1.AgentInstance, error) {
	name := a.Name()
	actx := o.context()

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, errors.ExecutionFailed("cannot register agent", ErrServiceClosed)
		}
		if s.idTakenLocked(o.id) {
			s.mu.Unlock()
			return nil, errors.AlreadyExists("instance", o.id)
		}
		if wait, ok := s.initializing[name]; ok {
			s.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, errors.ExecutionFailed(fmt.Sprintf("waiting for agent '%s' to initialize", name), ctx.Err())
			}
		}

		if existing, err := s.registry.Get(name); err == nil {
			if existing != a {
				s.mu.Unlock()
				return nil, errors.AlreadyExists("agent", name)
			}
			inst := s.commitLocked(o, name, actx)
			s.mu.Unlock()
			return inst, nil
		}

		if err := s.registry.Register(a); err != nil {
			s.mu.Unlock()
			return nil, err
		}
		wait := make(chan struct{})
		s.initializing[name] = wait
		s.pending[o.id] = struct{}{}
		s.mu.Unlock()

		initErr := s.initialize(ctx, a, actx)

		s.mu.Lock()
		delete(s.initializing, name)
		delete(s.pending, o.id)
		close(wait)
		closed := s.closed
		if initErr == nil && !closed {
			s.initialized[name] = actx.Clone()
			inst := s.commitLocked(o, name, actx)
			s.mu.Unlock()
			return inst, nil
		}
		_ = s.registry.Unregister(name)
		s.mu.Unlock()

		if initErr != nil {
			return nil, initErr
		}
		// shut down while initializing: Shutdown never saw this agent
		if err := cleanup(ctx, a, actx); err != nil {
			s.logger.WithAgentName(name).Warn("agent cleanup failed", zap.Error(err))
		}
		return nil, errors.ExecutionFailed("cannot register agent", ErrServiceClosed)
	}
}

func (s *Service) idTakenLocked(id string) bool {
	if _, ok := s.instances[id]; ok {
		return true
	}
	_, ok := s.pending[id]
	return ok
}

func (s *Service) commitLocked(o instanceOptions, name string, actx *v1.AgentContext) *v1.AgentInstance {
	now := time.Now().UTC()
	inst := &v1.AgentInstance{
		ID:           o.id,
		AgentName:    name,
		Type:         o.agentType,
		Capabilities: o.capabilities,
		Status:       v1.AgentStatusIdle,
		Memory:       o.memory,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.instances[o.id] = &instanceEntry{inst: inst, actx: actx}
	s.order = append(s.order, o.id)
	return inst.Clone()
}

// initialize runs a.Initialize under InitTimeout, isolating panics. An
// Initialize that ignores its context is abandoned once the timeout passes.
func (s *Service) initialize(ctx context.Context, a agent.Agent, actx *v1.AgentContext) error {
	name := a.Name()
	timeout := s.config.InitTimeout
	initCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				s.logger.WithAgentName(name).Error("agent panicked during initialize", zap.Any("panic", r))
				err = errors.ExecutionFailed(fmt.Sprintf("agent '%s' panicked during initialize", name), fmt.Errorf("%v", r))
			}
			done <- err
		}()
		err = a.Initialize(initCtx, actx.Clone())
	}()

	select {
	case err := <-done:
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("failed to initialize agent '%s'", name))
		}
		return nil
	case <-initCtx.Done():
		if ctx.Err() != nil && !stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errors.ExecutionFailed(fmt.Sprintf("initialization of agent '%s' cancelled", name), ctx.Err())
		}
		s.logger.WithAgentName(name).Warn("agent initialize abandoned", zap.Duration("timeout", timeout))
		return errors.Timeout(fmt.Sprintf("agent '%s' did not initialize within %s", name, timeout))
	}
}

// Instance returns a copy of one instance.
func (s *Service) Instance(id string) (*v1.AgentInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.instances[id]
	if !ok {
		return nil, instanceNotFound(id)
	}
	return e.inst.Clone(), nil
}

// Instances returns copies of every instance in registration order.
func (s *Service) Instances() []*v1.AgentInstance {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*v1.AgentInstance, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.instances[id].inst.Clone())
	}
	return out
}

// AgentStatuses maps instance ids to their current status.
func (s *Service) AgentStatuses() map[string]v1.AgentStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]v1.AgentStatus, len(s.instances))
	for id, e := range s.instances {
		out[id] = e.inst.Status
	}
	return out
}

// ResetAgents returns completed and failed instances to idle and reports how
// many changed.
func (s *Service) ResetAgents(ctx context.Context) int {
	s.mu.Lock()
	var changed []*v1.AgentInstance
	for _, id := range s.order {
		e := s.instances[id]
		if e.reserved {
			continue
		}
		if e.inst.Status == v1.AgentStatusCompleted || e.inst.Status == v1.AgentStatusFailed {
			e.inst.Status = v1.AgentStatusIdle
			e.inst.FailureReason = ""
			e.inst.UpdatedAt = time.Now().UTC()
			changed = append(changed, e.inst.Clone())
		}
	}
	s.mu.Unlock()

	for _, inst := range changed {
		s.announce(ctx, inst)
	}
	return len(changed)
}

// ExecuteAgent runs a registered agent directly, outside any instance.
func (s *Service) ExecuteAgent(ctx context.Context, name string, input *v1.AgentInput, actx *v1.AgentContext) (*v1.AgentOutput, error) {
	return s.commands.Execute(ctx, name, input, actx)
}

// ListAgents returns a snapshot of the registered agents.
func (s *Service) ListAgents() []v1.AgentInfo {
	return s.registry.List()
}

// AgentInfo describes one registered agent.
func (s *Service) AgentInfo(name string) (v1.AgentInfo, error) {
	return s.registry.Info(name)
}

// AgentCount returns how many implementations are registered.
func (s *Service) AgentCount() int {
	return s.registry.Len()
}

// GetAgentHealth runs the named agent's health check.
func (s *Service) GetAgentHealth(ctx context.Context, name string) (v1.HealthStatus, error) {
	return s.commands.HealthCheck(ctx, name)
}

// Shutdown drains the command queue and then runs Cleanup on every agent this
// service initialized.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	initialized := make(map[string]*v1.AgentContext, len(s.initialized))
	for name, actx := range s.initialized {
		initialized[name] = actx
	}
	s.mu.Unlock()

	var errs []error
	if err := s.commands.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	for _, a := range s.registry.Agents() {
		actx, ok := initialized[a.Name()]
		if !ok {
			continue
		}
		if err := cleanup(ctx, a, actx); err != nil {
			s.logger.WithAgentName(a.Name()).Warn("agent cleanup failed", zap.Error(err))
			errs = append(errs, err)
		}
	}

	s.logger.Info("orchestrator stopped")
	return stderrors.Join(errs...)
}

func cleanup(ctx context.Context, a agent.Agent, actx *v1.AgentContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.ExecutionFailed(fmt.Sprintf("agent '%s' panicked during cleanup", a.Name()), fmt.Errorf("%v", r))
		}
	}()
	if err := a.Cleanup(ctx, actx.Clone()); err != nil {
		return errors.Wrap(err, fmt.Sprintf("cleanup of agent '%s'", a.Name()))
	}
	return nil
}

// announce publishes a status change and refreshes the instance gauges.
func (s *Service) announce(ctx context.Context, inst *v1.AgentInstance) {
	s.publisher.PublishStatus(ctx, inst)
	if s.metrics == nil {
		return
	}
	counts := make(map[v1.AgentStatus]int)
	s.mu.RLock()
	for _, e := range s.instances {
		counts[e.inst.Status]++
	}
	s.mu.RUnlock()
	s.metrics.SetInstanceCounts(counts)
}

func instanceNotFound(id string) error {
	return errors.ResourceUnavailable(fmt.Sprintf("agent instance '%s' not found", id))
}
