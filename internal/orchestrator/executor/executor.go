// Package executor runs a single agent request: permission gate, security
// checks, input validation and a deadline-bounded, panic-isolated invocation.
package executor

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/nexus/internal/agent/permission"
	"github.com/kandev/nexus/internal/agent/registry"
	"github.com/kandev/nexus/internal/common/errors"
	"github.com/kandev/nexus/internal/common/logger"
	"github.com/kandev/nexus/internal/metrics"
	"github.com/kandev/nexus/internal/security"
	"github.com/kandev/nexus/internal/tracing"
	"github.com/kandev/nexus/pkg/agent"
	v1 "github.com/kandev/nexus/pkg/api/v1"
)

const (
	DefaultTimeout            = 300 * time.Second
	DefaultHealthCheckTimeout = 10 * time.Second
)

// Execution tracks one request through the executor
type Execution struct {
	ID         string            `json:"id"`
	AgentName  string            `json:"agent_name"`
	InstanceID string            `json:"instance_id,omitempty"`
	RequestID  string            `json:"request_id,omitempty"`
	State      v1.ExecutionState `json:"state"`
	StartedAt  time.Time         `json:"started_at"`
}

// Config holds executor timeouts.
type Config struct {
	DefaultTimeout     time.Duration
	HealthCheckTimeout time.Duration
}

// Executor is safe for concurrent use; there is no global execution lock.
type Executor struct {
	registry *registry.Registry
	security security.Service
	metrics  *metrics.Recorder
	logger   *logger.Logger

	defaultTimeout time.Duration
	healthTimeout  time.Duration

	executions map[string]*Execution
	mu         sync.RWMutex

	// invocations that passed their deadline but have not returned yet
	abandoned atomic.Int64
}

// Option configures an Executor.
type Option func(*Executor)

// WithSecurity injects the security service consulted before each run.
func WithSecurity(svc security.Service) Option {
	return func(e *Executor) { e.security = svc }
}

// WithMetrics records executions on r.
func WithMetrics(r *metrics.Recorder) Option {
	return func(e *Executor) { e.metrics = r }
}

// NewExecutor creates a new executor
func NewExecutor(reg *registry.Registry, cfg Config, log *logger.Logger, opts ...Option) *Executor {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.HealthCheckTimeout <= 0 {
		cfg.HealthCheckTimeout = DefaultHealthCheckTimeout
	}
	e := &Executor{
		registry:       reg,
		logger:         log.WithFields(zap.String("component", "executor")),
		defaultTimeout: cfg.DefaultTimeout,
		healthTimeout:  cfg.HealthCheckTimeout,
		executions:     make(map[string]*Execution),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the named agent and returns exactly one outcome.
//
// The deadline is actx.Limits.MaxExecutionTime, or the configured default.
// It is a soft timeout: the agent's context is cancelled and TIMEOUT is
// returned, but an agent that ignores its context keeps running in the
// background until it returns on its own.
func (e *Executor) Execute(ctx context.Context, name string, input *v1.AgentInput, actx *v1.AgentContext) (*v1.AgentOutput, error) {
	if input == nil {
		input = &v1.AgentInput{}
	}
	if actx == nil {
		actx = &v1.AgentContext{}
	}

	ctx, span := tracing.TraceExecute(ctx, name, actx.InstanceID, input.RequestID)
	start := time.Now()

	out, err := e.execute(ctx, name, input, actx)

	e.metrics.ObserveExecution(name, time.Since(start), err)
	tracing.TraceResult(span, err)
	return out, err
}

func (e *Executor) execute(ctx context.Context, name string, input *v1.AgentInput, actx *v1.AgentContext) (*v1.AgentOutput, error) {
	exec := e.track(name, actx.InstanceID, input.RequestID)
	defer e.untrack(exec.ID)

	log := e.logger.WithContext(ctx).WithAgentName(name).WithFields(
		zap.String("execution_id", exec.ID),
		zap.String("request_id", input.RequestID))

	a, err := e.registry.Get(name)
	if err != nil {
		return nil, err
	}

	e.transition(exec, v1.ExecutionStatePermissionCheck)
	if err := e.checkPermissions(a, actx); err != nil {
		log.Warn("permission denied", zap.Error(err))
		e.fail(exec, v1.ExecutionStateFailed)
		return nil, err
	}

	if e.security != nil && !e.security.CheckRateLimit(rateLimitKey(name, actx)) {
		e.fail(exec, v1.ExecutionStateFailed)
		return nil, errors.ResourceLimitExceeded(fmt.Sprintf("rate limit exceeded for agent '%s'", name))
	}

	e.transition(exec, v1.ExecutionStateInputValidation)
	if err := e.validate(ctx, a, input); err != nil {
		log.Debug("input rejected", zap.Error(err))
		e.fail(exec, v1.ExecutionStateFailed)
		return nil, err
	}

	timeout := actx.Limits.MaxExecutionTime
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	e.transition(exec, v1.ExecutionStateRunning)
	start := time.Now()
	out, err := e.run(ctx, a, actx.Clone(), input, timeout)
	elapsed := time.Since(start)

	if err != nil {
		state := v1.ExecutionStateFailed
		if errors.IsTimeout(err) {
			state = v1.ExecutionStateTimedOut
			log.Warn("agent execution timed out",
				zap.Duration("timeout", timeout),
				zap.Duration("elapsed", elapsed))
		} else {
			log.Warn("agent execution failed", zap.Error(err))
		}
		e.fail(exec, state)
		return nil, err
	}

	out.Metrics.Duration = elapsed
	e.checkAdvisoryLimits(log, out.Metrics, actx.Limits)

	state := v1.ExecutionStateCompleted
	if !out.Success {
		state = v1.ExecutionStateFailed
	}
	e.transition(exec, state)
	e.registry.RecordState(name, state)

	log.Debug("agent execution finished",
		zap.Bool("success", out.Success),
		zap.Duration("duration", elapsed))
	return out, nil
}

func (e *Executor) checkPermissions(a agent.Agent, actx *v1.AgentContext) error {
	required := a.RequiredPermissions()
	err := permission.Evaluate(required, actx.Permissions)
	if err == nil {
		err = permission.CheckPaths(required, actx.Permissions, actx.WorkingDir)
	}
	if err != nil && e.security != nil {
		e.security.LogSecurityEvent(security.EventPermissionDenied,
			fmt.Sprintf("agent: %s, instance: %s, reason: %s", a.Name(), actx.InstanceID, errors.MessageOf(err)))
	}
	return err
}

func (e *Executor) validate(ctx context.Context, a agent.Agent, input *v1.AgentInput) error {
	if e.security != nil {
		if err := security.ValidatePayload(e.security, input); err != nil {
			if errors.CodeOf(err) == "" {
				return errors.ConfigurationInvalid(err.Error())
			}
			return err
		}
	}
	if err := a.ValidateInput(ctx, input); err != nil {
		if errors.CodeOf(err) == "" {
			return errors.ConfigurationInvalid(err.Error())
		}
		return err
	}
	return nil
}

type runResult struct {
	out *v1.AgentOutput
	err error
}

const (
	invocationRunning int32 = iota
	invocationFinished
	invocationAbandoned
)

func (e *Executor) run(ctx context.Context, a agent.Agent, actx *v1.AgentContext, input *v1.AgentInput, timeout time.Duration) (*v1.AgentOutput, error) {
	name := a.Name()
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan runResult, 1)
	var state atomic.Int32

	go func() {
		var res runResult
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("agent panicked", zap.String("agent", name), zap.Any("panic", r))
				res = runResult{err: errors.ExecutionFailed(fmt.Sprintf("agent '%s' panicked", name), fmt.Errorf("%v", r))}
			}
			done <- res
			if !state.CompareAndSwap(invocationRunning, invocationFinished) {
				e.abandoned.Add(-1)
				e.logger.Info("abandoned agent invocation returned", zap.String("agent", name))
			}
		}()
		res.out, res.err = a.Execute(runCtx, actx, input)
	}()

	select {
	case res := <-done:
		if res.err != nil {
			if stderrors.Is(res.err, context.DeadlineExceeded) && stderrors.Is(runCtx.Err(), context.DeadlineExceeded) {
				return nil, timeoutError(name, timeout)
			}
			return nil, agentError(name, res.err)
		}
		if res.out == nil {
			return nil, errors.ExecutionFailed(fmt.Sprintf("agent '%s' returned no output", name), nil)
		}
		out := *res.out
		return &out, nil

	case <-runCtx.Done():
		if state.CompareAndSwap(invocationRunning, invocationAbandoned) {
			e.abandoned.Add(1)
		}
		if ctx.Err() != nil && !stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errors.ExecutionFailed(fmt.Sprintf("execution of agent '%s' cancelled", name), ctx.Err())
		}
		return nil, timeoutError(name, timeout)
	}
}

func timeoutError(name string, timeout time.Duration) error {
	return errors.Timeout(fmt.Sprintf("agent '%s' did not finish within %s", name, timeout))
}

// agentError keeps taxonomy errors returned by agents and wraps anything else.
func agentError(name string, err error) error {
	if errors.CodeOf(err) != "" {
		return err
	}
	return errors.ExecutionFailed(fmt.Sprintf("agent '%s' failed", name), err)
}

func (e *Executor) checkAdvisoryLimits(log *logger.Logger, m v1.ExecutionMetrics, l v1.ResourceLimits) {
	if l.MaxMemoryBytes > 0 && m.MemoryUsedBytes > l.MaxMemoryBytes {
		log.Warn("agent exceeded memory limit",
			zap.Uint64("used", m.MemoryUsedBytes), zap.Uint64("limit", l.MaxMemoryBytes))
	}
	if l.MaxCPUPercent > 0 && m.CPUPercent > l.MaxCPUPercent {
		log.Warn("agent exceeded cpu limit",
			zap.Float64("used", m.CPUPercent), zap.Float64("limit", l.MaxCPUPercent))
	}
	secs := m.Duration.Seconds()
	if l.MaxFileOpsPerSec > 0 && secs > 0 && float64(m.FileOperations)/secs > float64(l.MaxFileOpsPerSec) {
		log.Warn("agent exceeded file operation rate",
			zap.Uint32("ops", m.FileOperations), zap.Uint32("limit_per_sec", l.MaxFileOpsPerSec))
	}
	if l.MaxNetworkRequestsPerMin > 0 && secs > 0 && float64(m.NetworkRequests)/secs*60 > float64(l.MaxNetworkRequestsPerMin) {
		log.Warn("agent exceeded network request rate",
			zap.Uint32("requests", m.NetworkRequests), zap.Uint32("limit_per_min", l.MaxNetworkRequestsPerMin))
	}
}

// HealthCheck runs the agent's health check under the health check timeout.
func (e *Executor) HealthCheck(ctx context.Context, name string) (v1.HealthStatus, error) {
	ctx, span := tracing.TraceHealthCheck(ctx, name)
	status, err := e.healthCheck(ctx, name)
	if err == nil {
		e.metrics.ObserveHealthCheck(name, status.State)
	}
	tracing.TraceResult(span, err)
	return status, err
}

func (e *Executor) healthCheck(ctx context.Context, name string) (v1.HealthStatus, error) {
	a, err := e.registry.Get(name)
	if err != nil {
		return v1.HealthStatus{}, err
	}

	checkCtx, cancel := context.WithTimeout(ctx, e.healthTimeout)
	defer cancel()

	type healthResult struct {
		status v1.HealthStatus
		err    error
	}
	done := make(chan healthResult, 1)
	go func() {
		var res healthResult
		defer func() {
			if r := recover(); r != nil {
				res = healthResult{err: errors.ExecutionFailed(fmt.Sprintf("agent '%s' panicked during health check", name), fmt.Errorf("%v", r))}
			}
			done <- res
		}()
		res.status, res.err = a.HealthCheck(checkCtx)
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return v1.HealthStatus{}, agentError(name, res.err)
		}
		return res.status, nil
	case <-checkCtx.Done():
		if ctx.Err() != nil && !stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return v1.HealthStatus{}, errors.ExecutionFailed(fmt.Sprintf("health check of agent '%s' cancelled", name), ctx.Err())
		}
		return v1.HealthStatus{}, errors.Timeout(fmt.Sprintf("health check of agent '%s' did not finish within %s", name, e.healthTimeout))
	}
}

// Active returns the executions currently in flight, oldest first.
func (e *Executor) Active() []Execution {
	e.mu.RLock()
	out := make([]Execution, 0, len(e.executions))
	for _, exec := range e.executions {
		out = append(out, *exec)
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Abandoned returns how many timed-out invocations are still running.
func (e *Executor) Abandoned() int64 {
	return e.abandoned.Load()
}

func (e *Executor) track(name, instanceID, requestID string) *Execution {
	exec := &Execution{
		ID:         uuid.New().String(),
		AgentName:  name,
		InstanceID: instanceID,
		RequestID:  requestID,
		State:      v1.ExecutionStateQueued,
		StartedAt:  time.Now().UTC(),
	}
	e.mu.Lock()
	e.executions[exec.ID] = exec
	e.mu.Unlock()
	return exec
}

func (e *Executor) untrack(id string) {
	e.mu.Lock()
	delete(e.executions, id)
	e.mu.Unlock()
}

func (e *Executor) transition(exec *Execution, state v1.ExecutionState) {
	e.mu.Lock()
	exec.State = state
	e.mu.Unlock()
}

func (e *Executor) fail(exec *Execution, state v1.ExecutionState) {
	e.transition(exec, state)
	e.registry.RecordState(exec.AgentName, state)
}

func rateLimitKey(name string, actx *v1.AgentContext) string {
	principal := actx.UserID
	if principal == "" {
		principal = actx.InstanceID
	}
	return name + ":" + principal
}
