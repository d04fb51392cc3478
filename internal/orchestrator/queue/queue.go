// Package queue holds submitted tasks in priority order until they are run.
package queue

import (
	"container/heap"
	"errors"
	"sort"
	"sync"
	"time"

	v1 "github.com/kandev/nexus/pkg/api/v1"
)

var (
	// ErrQueueFull is returned when the queue is at max capacity
	ErrQueueFull = errors.New("task queue is full")
	// ErrTaskExists is returned when a task already exists in the queue
	ErrTaskExists = errors.New("task already exists in queue")
)

// QueuedTask represents a task in the priority queue
type QueuedTask struct {
	TaskID   string
	Priority int // Higher priority = processed first
	QueuedAt time.Time
	Task     *v1.AgentTask
	seq      uint64
	index    int
}

// taskHeap implements heap.Interface: priority desc, then submission order
type taskHeap []*QueuedTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	item := x.(*QueuedTask)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// TaskQueue is a bounded priority queue keyed by task id.
type TaskQueue struct {
	mu      sync.RWMutex
	heap    taskHeap
	taskMap map[string]*QueuedTask
	maxSize int
	nextSeq uint64
}

// NewTaskQueue creates a queue; maxSize <= 0 means unbounded.
func NewTaskQueue(maxSize int) *TaskQueue {
	q := &TaskQueue{
		taskMap: make(map[string]*QueuedTask),
		maxSize: maxSize,
	}
	heap.Init(&q.heap)
	return q
}

// Enqueue adds a task, failing when the id is queued already or the queue is full.
func (q *TaskQueue) Enqueue(task *v1.AgentTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.taskMap[task.ID]; exists {
		return ErrTaskExists
	}
	if q.maxSize > 0 && len(q.heap) >= q.maxSize {
		return ErrQueueFull
	}

	qt := &QueuedTask{
		TaskID:   task.ID,
		Priority: task.Priority,
		QueuedAt: time.Now().UTC(),
		Task:     task,
		seq:      q.nextSeq,
	}
	q.nextSeq++

	heap.Push(&q.heap, qt)
	q.taskMap[task.ID] = qt
	return nil
}

// DequeueReady removes every task for which ready returns true and returns
// them in priority order. The rest stay queued in their original order.
func (q *TaskQueue) DequeueReady(ready func(*QueuedTask) bool) []*QueuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*QueuedTask
	for _, qt := range q.sortedLocked() {
		if !ready(qt) {
			continue
		}
		heap.Remove(&q.heap, qt.index)
		delete(q.taskMap, qt.TaskID)
		out = append(out, qt)
	}
	return out
}

// Remove removes a specific task from the queue
func (q *TaskQueue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	qt, exists := q.taskMap[taskID]
	if !exists {
		return false
	}
	heap.Remove(&q.heap, qt.index)
	delete(q.taskMap, taskID)
	return true
}

// Contains reports whether taskID is queued.
func (q *TaskQueue) Contains(taskID string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, ok := q.taskMap[taskID]
	return ok
}

// Len returns the number of tasks in the queue
func (q *TaskQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.heap)
}

// IsFull returns true if the queue is at max capacity
func (q *TaskQueue) IsFull() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.maxSize > 0 && len(q.heap) >= q.maxSize
}

// List returns the queued tasks in the order they would be dequeued.
func (q *TaskQueue) List() []*QueuedTask {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.sortedLocked()
}

func (q *TaskQueue) sortedLocked() []*QueuedTask {
	out := make([]*QueuedTask, len(q.heap))
	copy(out, q.heap)
	sort.Slice(out, func(i, j int) bool { return taskHeap(out).Less(i, j) })
	return out
}
