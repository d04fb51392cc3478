package orchestrator

import (
	"sync"

	v1 "github.com/kandev/nexus/pkg/api/v1"
)

// resultBuffer holds completed results in completion order until drained.
type resultBuffer struct {
	mu    sync.Mutex
	items []*v1.AgentResult
	max   int
}

func newResultBuffer(limit int) *resultBuffer {
	return &resultBuffer{max: limit}
}

// push appends r, returning false when the buffer is full.
func (b *resultBuffer) push(r *v1.AgentResult) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.max > 0 && len(b.items) >= b.max {
		return false
	}
	b.items = append(b.items, r)
	return true
}

func (b *resultBuffer) drain() []*v1.AgentResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.items
	b.items = nil
	if out == nil {
		out = []*v1.AgentResult{}
	}
	return out
}

func (b *resultBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Results drains every pending result without blocking. It returns an empty
// slice when nothing is pending.
func (s *Service) Results() []*v1.AgentResult {
	return s.results.drain()
}

// PendingResults reports how many results are waiting to be drained.
func (s *Service) PendingResults() int {
	return s.results.len()
}
