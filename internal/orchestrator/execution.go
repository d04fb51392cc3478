package orchestrator

import (
	"context"
	stderrors "errors"
	"fmt"
	"maps"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/nexus/internal/common/errors"
	"github.com/kandev/nexus/internal/tracing"
	v1 "github.com/kandev/nexus/pkg/api/v1"
)

// ResultHandler receives the result of each executed task.
type ResultHandler interface {
	HandleResult(ctx context.Context, result *v1.AgentResult) error
}

// ResultHandlerFunc adapts a function to ResultHandler.
type ResultHandlerFunc func(ctx context.Context, result *v1.AgentResult) error

// HandleResult calls f.
func (f ResultHandlerFunc) HandleResult(ctx context.Context, result *v1.AgentResult) error {
	return f(ctx, result)
}

// Outcome is the per-task result of ParallelExecute. Err carries the handler's
// error; agent failures are reported through Result.Success.
type Outcome struct {
	TaskID  string          `json:"task_id"`
	AgentID string          `json:"agent_id"`
	Result  *v1.AgentResult `json:"result"`
	Err     error           `json:"-"`
}

// TransformFunc turns the first stage's result into the second stage's task.
type TransformFunc func(ctx context.Context, result *v1.AgentResult) (*v1.AgentTask, error)

// FinalizeFunc post-processes the second stage's output.
type FinalizeFunc func(ctx context.Context, output map[string]any) (map[string]any, error)

// ExecuteTask runs task on the instance agentID and waits for the result.
//
// An error is returned only when the task could not be dispatched: unknown or
// busy instance, invalid task, or a shut down orchestrator. Once dispatched, a
// result is always returned; agent failures set Success=false and Error.
func (s *Service) ExecuteTask(ctx context.Context, agentID string, task *v1.AgentTask) (*v1.AgentResult, error) {
	result, err := s.run(ctx, agentID, task, false)
	if result == nil {
		return nil, err
	}
	return result, nil
}

// ExecuteWithCallback runs ExecuteTask and hands the result to handler. The
// handler's error is returned to the caller.
func (s *Service) ExecuteWithCallback(ctx context.Context, agentID string, task *v1.AgentTask, handler ResultHandler) error {
	result, err := s.ExecuteTask(ctx, agentID, task)
	if err != nil {
		return err
	}
	return invoke(ctx, handler, result)
}

// ParallelExecute runs tasks across the idle instances. Each idle instance is
// reserved and owned by one worker which pulls tasks until none are left, so
// no instance runs two tasks at once. Outcomes are returned in task order,
// with exactly one handler call per task.
func (s *Service) ParallelExecute(ctx context.Context, tasks []*v1.AgentTask, handler ResultHandler) ([]Outcome, error) {
	if len(tasks) == 0 {
		return []Outcome{}, nil
	}
	for i, t := range tasks {
		if t == nil || t.ID == "" {
			return nil, errors.ConfigurationInvalid(fmt.Sprintf("task %d has no id", i))
		}
	}

	workers, err := s.reserve(ctx, len(tasks))
	if err != nil {
		return nil, err
	}

	ctx, span := tracing.TraceParallel(ctx, len(tasks), len(workers))
	defer tracing.TraceResult(span, nil)

	s.logger.WithContext(ctx).Debug("parallel execution started",
		zap.Int("tasks", len(tasks)),
		zap.Int("workers", len(workers)))

	outcomes := make([]Outcome, len(tasks))
	var next atomic.Int64
	var g errgroup.Group
	for _, id := range workers {
		g.Go(func() error {
			defer s.release(ctx, id)
			for {
				i := int(next.Add(1) - 1)
				if i >= len(tasks) {
					return nil
				}
				outcomes[i] = s.runOutcome(ctx, id, tasks[i], handler)
			}
		})
	}
	_ = g.Wait()
	return outcomes, nil
}

func (s *Service) runOutcome(ctx context.Context, id string, task *v1.AgentTask, handler ResultHandler) Outcome {
	result, err := s.run(ctx, id, task, true)
	if result == nil {
		// the instance could not be claimed, typically after Shutdown
		result = &v1.AgentResult{
			TaskID:      task.ID,
			AgentID:     id,
			Error:       errors.MessageOf(err),
			CompletedAt: time.Now().UTC(),
		}
	}
	return Outcome{
		TaskID:  task.ID,
		AgentID: id,
		Result:  result,
		Err:     invoke(ctx, handler, result),
	}
}

// ChainAgents runs task on firstID, converts the result into a new task with
// transform, runs that on secondID and passes its output through finalize.
// A failing stage or transform stops the chain.
func (s *Service) ChainAgents(ctx context.Context, firstID, secondID string, task *v1.AgentTask, transform TransformFunc, finalize FinalizeFunc) (map[string]any, error) {
	if transform == nil {
		return nil, errors.ConfigurationInvalid("chain transform is required")
	}
	if task == nil {
		return nil, errors.ConfigurationInvalid("task is required")
	}
	if finalize == nil {
		finalize = func(_ context.Context, out map[string]any) (map[string]any, error) { return out, nil }
	}

	ctx, span := tracing.TraceChain(ctx, firstID, secondID, task.ID)
	out, err := s.chain(ctx, firstID, secondID, task, transform, finalize)
	tracing.TraceResult(span, err)
	return out, err
}

func (s *Service) chain(ctx context.Context, firstID, secondID string, task *v1.AgentTask, transform TransformFunc, finalize FinalizeFunc) (map[string]any, error) {
	first, err := s.run(ctx, firstID, task, false)
	if err != nil {
		if first == nil {
			return nil, err
		}
		return nil, errors.Wrap(err, fmt.Sprintf("first stage on instance '%s' failed", firstID))
	}

	nextTask, err := transform(ctx, first)
	if err != nil {
		return nil, errors.Wrap(err, "chain transform failed")
	}
	if nextTask == nil {
		return nil, errors.ConfigurationInvalid("chain transform returned no task")
	}

	second, err := s.run(ctx, secondID, nextTask, false)
	if err != nil {
		if second == nil {
			return nil, err
		}
		return nil, errors.Wrap(err, fmt.Sprintf("second stage on instance '%s' failed", secondID))
	}

	out, err := finalize(ctx, maps.Clone(second.Output))
	if err != nil {
		return nil, errors.Wrap(err, "chain finalize failed")
	}
	return out, nil
}

// WaitForCompletion polls until every instance is idle, completed or failed.
// It returns TIMEOUT when timeout elapses first.
func (s *Service) WaitForCompletion(ctx context.Context, timeout time.Duration) error {
	if s.settled() {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return errors.ExecutionFailed("waiting for agents to complete", ctx.Err())
		case <-timer.C:
			if s.settled() {
				return nil
			}
			return errors.Timeout(fmt.Sprintf("agents did not complete within %s", timeout))
		case <-ticker.C:
			if s.settled() {
				return nil
			}
		}
	}
}

func (s *Service) settled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.instances {
		if e.reserved || !e.inst.Status.IsSettled() {
			return false
		}
	}
	return true
}

// run executes task on instance id. A nil result means nothing was dispatched
// and err says why. Otherwise err is the cause of a failed result.
func (s *Service) run(ctx context.Context, id string, task *v1.AgentTask, owned bool) (*v1.AgentResult, error) {
	if task == nil || task.ID == "" {
		return nil, errors.ConfigurationInvalid("task id is required")
	}

	name, actx, err := s.begin(ctx, id, owned)
	if err != nil {
		return nil, err
	}

	log := s.logger.WithContext(ctx).WithTaskID(task.ID).WithInstanceID(id).WithAgentName(name)
	log.Debug("task started")

	start := time.Now()
	out, err := s.commands.Execute(ctx, name, task.Input(), actx)

	result := &v1.AgentResult{
		TaskID:        task.ID,
		AgentID:       id,
		AgentName:     name,
		ExecutionTime: time.Since(start),
		CompletedAt:   time.Now().UTC(),
	}
	if err != nil {
		result.Error = errors.MessageOf(err)
	} else {
		result.Success = out.Success
		result.Output = out.Data
		result.Metrics = out.Metrics
		if !out.Success {
			result.Error = out.Message
			if result.Error == "" {
				result.Error = "agent reported failure"
			}
			err = errors.ExecutionFailed(fmt.Sprintf("agent '%s' reported failure", name), stderrors.New(result.Error))
		}
	}

	if err != nil {
		log.Warn("task failed", zap.String("error_code", errors.CodeOf(err)), zap.String("reason", result.Error))
	} else {
		log.Info("task completed", zap.Duration("duration", result.ExecutionTime))
	}

	s.finish(ctx, id, result)
	s.collect(ctx, result)
	return result, err
}

// begin marks the instance running. Unless owned by the caller, a reserved,
// running or waiting instance is busy.
func (s *Service) begin(ctx context.Context, id string, owned bool) (string, *v1.AgentContext, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", nil, errors.ExecutionFailed("cannot execute task", ErrServiceClosed)
	}
	e, ok := s.instances[id]
	if !ok {
		s.mu.Unlock()
		return "", nil, instanceNotFound(id)
	}
	if !owned && (e.reserved || e.inst.Status == v1.AgentStatusRunning || e.inst.Status == v1.AgentStatusWaiting) {
		s.mu.Unlock()
		return "", nil, errors.ResourceUnavailable(fmt.Sprintf("agent instance '%s' is busy", id))
	}
	e.inst.Status = v1.AgentStatusRunning
	e.inst.FailureReason = ""
	e.inst.UpdatedAt = time.Now().UTC()
	inst := e.inst.Clone()
	actx := e.actx.Clone()
	s.mu.Unlock()

	s.announce(ctx, inst)
	return inst.AgentName, actx, nil
}

func (s *Service) finish(ctx context.Context, id string, result *v1.AgentResult) {
	s.mu.Lock()
	e := s.instances[id]
	if result.Success {
		e.inst.Status = v1.AgentStatusCompleted
		e.inst.FailureReason = ""
	} else {
		e.inst.Status = v1.AgentStatusFailed
		e.inst.FailureReason = result.Error
	}
	e.inst.UpdatedAt = time.Now().UTC()
	s.completed.record(result.TaskID, result.Success)
	inst := e.inst.Clone()
	s.mu.Unlock()

	s.announce(ctx, inst)
}

// collect appends result to the result buffer and publishes it.
func (s *Service) collect(ctx context.Context, result *v1.AgentResult) {
	stored := *result
	stored.Output = maps.Clone(result.Output)
	if !s.results.push(&stored) {
		s.logger.Warn("result buffer full, dropping result",
			zap.String("task_id", result.TaskID),
			zap.String("instance_id", result.AgentID))
		s.metrics.ResultDropped()
	}
	s.publisher.PublishResult(ctx, result)
}

// reserve claims up to n idle instances for a parallel run.
func (s *Service) reserve(ctx context.Context, n int) ([]string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.ExecutionFailed("cannot execute tasks", ErrServiceClosed)
	}
	var ids []string
	var changed []*v1.AgentInstance
	for _, id := range s.order {
		if len(ids) == n {
			break
		}
		e := s.instances[id]
		if e.reserved || e.inst.Status != v1.AgentStatusIdle {
			continue
		}
		e.reserved = true
		e.inst.Status = v1.AgentStatusWaiting
		e.inst.UpdatedAt = time.Now().UTC()
		ids = append(ids, id)
		changed = append(changed, e.inst.Clone())
	}
	s.mu.Unlock()

	if len(ids) == 0 {
		appErr := errors.ResourceUnavailable("no idle agent instances to run tasks")
		appErr.Err = ErrNoAvailableAgents
		return nil, appErr
	}
	for _, inst := range changed {
		s.announce(ctx, inst)
	}
	return ids, nil
}

// release hands a reserved instance back. One that never ran returns to idle.
func (s *Service) release(ctx context.Context, id string) {
	s.mu.Lock()
	e := s.instances[id]
	e.reserved = false
	var changed *v1.AgentInstance
	if e.inst.Status == v1.AgentStatusWaiting {
		e.inst.Status = v1.AgentStatusIdle
		e.inst.UpdatedAt = time.Now().UTC()
		changed = e.inst.Clone()
	}
	s.mu.Unlock()

	if changed != nil {
		s.announce(ctx, changed)
	}
}

func invoke(ctx context.Context, handler ResultHandler, result *v1.AgentResult) (err error) {
	if handler == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.ExecutionFailed("result handler panicked", fmt.Errorf("%v", r))
		}
	}()
	return handler.HandleResult(ctx, result)
}
