package orchestrator

import (
	"context"
	stderrors "errors"
	"fmt"
	"maps"

	"go.uber.org/zap"

	"github.com/kandev/nexus/internal/common/errors"
	"github.com/kandev/nexus/internal/orchestrator/queue"
	v1 "github.com/kandev/nexus/pkg/api/v1"
)

// SubmitTask queues task for a later RunPending. It does not execute anything.
func (s *Service) SubmitTask(task *v1.AgentTask) (string, error) {
	if task == nil || task.ID == "" {
		return "", errors.ConfigurationInvalid("task id is required")
	}

	queued := *task
	if err := s.tasks.Enqueue(&queued); err != nil {
		switch {
		case stderrors.Is(err, queue.ErrTaskExists):
			appErr := errors.AlreadyExists("task", task.ID)
			appErr.Err = err
			return "", appErr
		case stderrors.Is(err, queue.ErrQueueFull):
			appErr := errors.ResourceLimitExceeded(fmt.Sprintf("task queue is full, rejected task '%s'", task.ID))
			appErr.Err = err
			return "", appErr
		}
		return "", errors.Wrap(err, "failed to submit task")
	}

	s.logger.WithTaskID(task.ID).Debug("task submitted",
		zap.Int("priority", task.Priority),
		zap.Int("queue_length", s.tasks.Len()))
	return task.ID, nil
}

// PendingTasks lists submitted tasks in the order they would run.
func (s *Service) PendingTasks() []*v1.AgentTask {
	queued := s.tasks.List()
	out := make([]*v1.AgentTask, 0, len(queued))
	for _, qt := range queued {
		out = append(out, qt.Task)
	}
	return out
}

// TaskQueueFull reports whether SubmitTask would be rejected for capacity.
func (s *Service) TaskQueueFull() bool {
	return s.tasks.IsFull()
}

// CancelTask removes a submitted task that has not run yet.
func (s *Service) CancelTask(taskID string) error {
	if !s.tasks.Remove(taskID) {
		return errors.ResourceUnavailable(fmt.Sprintf("task '%s' is not queued", taskID))
	}
	return nil
}

// RunPending runs every submitted task whose dependencies have all completed
// successfully, using ParallelExecute. Tasks that are not ready stay queued.
// When no instance is idle the ready tasks are put back.
func (s *Service) RunPending(ctx context.Context, handler ResultHandler) ([]Outcome, error) {
	s.mu.RLock()
	done := s.completed.snapshot()
	s.mu.RUnlock()

	ready := s.tasks.DequeueReady(func(qt *queue.QueuedTask) bool {
		for _, dep := range qt.Task.Dependencies {
			if !done[dep] {
				return false
			}
		}
		return true
	})
	if len(ready) == 0 {
		return []Outcome{}, nil
	}

	tasks := make([]*v1.AgentTask, 0, len(ready))
	for _, qt := range ready {
		tasks = append(tasks, qt.Task)
	}

	outcomes, err := s.ParallelExecute(ctx, tasks, handler)
	if err != nil {
		for _, t := range tasks {
			if reqErr := s.tasks.Enqueue(t); reqErr != nil {
				s.logger.WithTaskID(t.ID).Warn("failed to requeue task", zap.Error(reqErr))
			}
		}
		return nil, err
	}
	return outcomes, nil
}

// history remembers task outcomes for dependency checks. Once limit is reached
// the oldest id is forgotten, so a task depending on it stays queued until
// cancelled. Guarded by Service.mu.
type history struct {
	limit int
	done  map[string]bool
	order []string
}

func newHistory(limit int) *history {
	return &history{limit: limit, done: make(map[string]bool)}
}

func (h *history) record(taskID string, success bool) {
	if _, seen := h.done[taskID]; !seen {
		h.order = append(h.order, taskID)
	}
	h.done[taskID] = success
	for len(h.order) > h.limit {
		delete(h.done, h.order[0])
		h.order = h.order[1:]
	}
}

func (h *history) snapshot() map[string]bool {
	return maps.Clone(h.done)
}
