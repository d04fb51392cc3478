package queue

import (
	"testing"

	v1 "github.com/kandev/nexus/pkg/api/v1"
)

func task(id string, priority int, deps ...string) *v1.AgentTask {
	return &v1.AgentTask{ID: id, Priority: priority, Dependencies: deps}
}

func ids(tasks []*QueuedTask) []string {
	out := make([]string, 0, len(tasks))
	for _, qt := range tasks {
		out = append(out, qt.TaskID)
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestNewTaskQueue(t *testing.T) {
	q := NewTaskQueue(10)
	if q == nil {
		t.Fatal("expected non-nil queue")
	}
	if q.Len() != 0 {
		t.Errorf("expected empty queue, got %d", q.Len())
	}
	if got := q.DequeueReady(func(*QueuedTask) bool { return true }); len(got) != 0 {
		t.Errorf("expected nothing from empty queue, got %v", ids(got))
	}
	if q.IsFull() {
		t.Error("expected empty queue not to be full")
	}
}

func TestEnqueue_PriorityThenFIFO(t *testing.T) {
	q := NewTaskQueue(0)
	for _, tk := range []*v1.AgentTask{task("low", 1), task("high-a", 5), task("mid", 3), task("high-b", 5)} {
		if err := q.Enqueue(tk); err != nil {
			t.Fatalf("enqueue %s: %v", tk.ID, err)
		}
	}

	want := []string{"high-a", "high-b", "mid", "low"}
	all := q.DequeueReady(func(*QueuedTask) bool { return true })
	for _, qt := range all {
		if qt.Task == nil || qt.Task.ID != qt.TaskID {
			t.Errorf("queued task %s lost its payload", qt.TaskID)
		}
	}
	if got := ids(all); !equal(got, want) {
		t.Errorf("expected order %v, got %v", want, got)
	}
}

func TestEnqueue_DuplicateAndFull(t *testing.T) {
	q := NewTaskQueue(2)
	if err := q.Enqueue(task("a", 0)); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(task("a", 9)); err != ErrTaskExists {
		t.Errorf("expected ErrTaskExists, got %v", err)
	}
	if err := q.Enqueue(task("b", 0)); err != nil {
		t.Fatal(err)
	}
	if !q.IsFull() {
		t.Error("expected queue to be full")
	}
	if err := q.Enqueue(task("c", 0)); err != ErrQueueFull {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}

func TestRemoveAndContains(t *testing.T) {
	q := NewTaskQueue(0)
	_ = q.Enqueue(task("a", 1))
	_ = q.Enqueue(task("b", 2))
	_ = q.Enqueue(task("c", 3))

	if !q.Contains("b") {
		t.Error("expected b to be queued")
	}
	if !q.Remove("b") {
		t.Error("expected remove to succeed")
	}
	if q.Remove("b") {
		t.Error("expected second remove to fail")
	}
	if q.Contains("b") {
		t.Error("expected b to be gone")
	}
	if got := ids(q.List()); !equal(got, []string{"c", "a"}) {
		t.Errorf("unexpected list %v", got)
	}
}

func TestList_DoesNotConsume(t *testing.T) {
	q := NewTaskQueue(0)
	_ = q.Enqueue(task("a", 0))
	_ = q.Enqueue(task("b", 7))

	if got := ids(q.List()); !equal(got, []string{"b", "a"}) {
		t.Errorf("unexpected list %v", got)
	}
	if q.Len() != 2 {
		t.Errorf("expected 2 queued, got %d", q.Len())
	}
}

func TestDequeueReady(t *testing.T) {
	q := NewTaskQueue(0)
	_ = q.Enqueue(task("build", 1))
	_ = q.Enqueue(task("test", 5, "build"))
	_ = q.Enqueue(task("lint", 3))
	_ = q.Enqueue(task("deploy", 9, "test"))

	done := map[string]bool{}
	ready := func(qt *QueuedTask) bool {
		for _, dep := range qt.Task.Dependencies {
			if !done[dep] {
				return false
			}
		}
		return true
	}

	first := ids(q.DequeueReady(ready))
	if !equal(first, []string{"lint", "build"}) {
		t.Errorf("expected [lint build], got %v", first)
	}
	for _, id := range first {
		done[id] = true
	}

	second := ids(q.DequeueReady(ready))
	if !equal(second, []string{"test"}) {
		t.Errorf("expected [test], got %v", second)
	}
	if q.Len() != 1 || !q.Contains("deploy") {
		t.Errorf("expected only deploy left, got %v", ids(q.List()))
	}

	if got := q.DequeueReady(ready); len(got) != 0 {
		t.Errorf("expected nothing ready, got %v", ids(got))
	}
}
