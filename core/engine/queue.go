package engine

import (
	"container/heap"
	"time"

	"github.com/quantrail/tradingcore/core/taskstore"
)

// readyHeap orders a batch of Ready tasks by effective priority (aged) desc,
// then created_at asc, then id asc, the same anti-starvation shape the
// original per-queue scheduler used a container/heap.Interface for.
type readyHeap struct {
	tasks               []*taskstore.Task
	now                 time.Time
	starvationThreshold time.Duration
}

// effectivePriority implements "tasks older than starvation_threshold have
// their effective priority incremented by 1 every minute until executed."
func (h *readyHeap) effectivePriority(t *taskstore.Task) int {
	if t.ReadySince.IsZero() {
		return t.Priority
	}
	age := h.now.Sub(t.ReadySince)
	if age <= h.starvationThreshold {
		return t.Priority
	}
	agedMinutes := int((age - h.starvationThreshold) / time.Minute)
	return t.Priority + agedMinutes
}

func (h *readyHeap) Len() int { return len(h.tasks) }

func (h *readyHeap) Less(i, j int) bool {
	pi, pj := h.effectivePriority(h.tasks[i]), h.effectivePriority(h.tasks[j])
	if pi != pj {
		return pi > pj // higher priority value runs first
	}
	ci, cj := h.tasks[i].CreatedAt, h.tasks[j].CreatedAt
	if !ci.Equal(cj) {
		return ci.Before(cj)
	}
	return h.tasks[i].ID < h.tasks[j].ID
}

func (h *readyHeap) Swap(i, j int) { h.tasks[i], h.tasks[j] = h.tasks[j], h.tasks[i] }

func (h *readyHeap) Push(x interface{}) { h.tasks = append(h.tasks, x.(*taskstore.Task)) }

func (h *readyHeap) Pop() interface{} {
	old := h.tasks
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	h.tasks = old[:n-1]
	return item
}

// orderByEffectivePriority re-ranks an oversampled Ready batch by aged
// priority so starvation avoidance can promote long-waiting low-priority
// tasks ahead of recently-submitted higher ones, then truncates to limit.
func orderByEffectivePriority(tasks []*taskstore.Task, now time.Time, starvationThreshold time.Duration, limit int) []*taskstore.Task {
	h := &readyHeap{
		tasks:               append([]*taskstore.Task(nil), tasks...),
		now:                 now,
		starvationThreshold: starvationThreshold,
	}
	heap.Init(h)
	out := make([]*taskstore.Task, 0, limit)
	for h.Len() > 0 && len(out) < limit {
		t := heap.Pop(h).(*taskstore.Task)
		t.EffectivePriority = h.effectivePriority(t)
		out = append(out, t)
	}
	return out
}
