package taskstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process map-backed Store with one sync.RWMutex per
// logical table, used in tests and single-process deployments.
type MemoryStore struct {
	tasksMu sync.RWMutex
	tasks   map[string]*Task
	// dependents[depID] = set of task ids that declared depID as a dependency
	dependents map[string]map[string]struct{}

	workflowsMu sync.RWMutex
	workflows   map[string]*Workflow

	eventsMu sync.RWMutex
	events   map[string][]*Event // keyed by correlation id

	epochsMu sync.Mutex
	epochs   map[string]int64

	lastFireMu sync.Mutex
	lastFire   map[string]time.Time
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:      make(map[string]*Task),
		dependents: make(map[string]map[string]struct{}),
		workflows:  make(map[string]*Workflow),
		events:     make(map[string][]*Event),
		epochs:     make(map[string]int64),
		lastFire:   make(map[string]time.Time),
	}
}

func (s *MemoryStore) Admit(ctx context.Context, task *Task) error {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return ErrAlreadyExists
	}
	stored := task.Clone()
	s.tasks[task.ID] = stored
	for _, dep := range stored.Dependencies {
		set, ok := s.dependents[dep]
		if !ok {
			set = make(map[string]struct{})
			s.dependents[dep] = set
		}
		set[stored.ID] = struct{}{}
	}
	return nil
}

func (s *MemoryStore) Transition(ctx context.Context, id string, from, to TaskState, patch func(*Task)) error {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if t.State != from {
		return ErrStaleState
	}
	t.State = to
	if patch != nil {
		patch(t)
	}
	return nil
}

func (s *MemoryStore) LoadReady(ctx context.Context, queue Queue, limit int) ([]*Task, error) {
	s.tasksMu.RLock()
	defer s.tasksMu.RUnlock()
	var out []*Task
	for _, t := range s.tasks {
		if t.Queue == queue && t.State == TaskReady {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EffectivePriority != out[j].EffectivePriority {
			return out[i].EffectivePriority > out[j].EffectivePriority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) LoadDependents(ctx context.Context, id string) ([]string, error) {
	s.tasksMu.RLock()
	defer s.tasksMu.RUnlock()
	set := s.dependents[id]
	out := make([]string, 0, len(set))
	for depID := range set {
		out = append(out, depID)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*Task, error) {
	s.tasksMu.RLock()
	defer s.tasksMu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (s *MemoryStore) RecordResult(ctx context.Context, id string, to TaskState, result *Result) error {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.State = to
	t.Result = result
	now := time.Now()
	t.CompletedAt = &now
	return nil
}

func (s *MemoryStore) Retain(ctx context.Context, policy RetentionPolicy) (int, error) {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	now := time.Now()
	removed := 0
	for id, t := range s.tasks {
		if !t.State.IsTerminal() || t.CompletedAt == nil {
			continue
		}
		var threshold time.Duration
		if t.State == TaskCompleted {
			threshold = policy.CompletedAfter
		} else {
			threshold = policy.FailedAfter
		}
		if now.Sub(*t.CompletedAt) >= threshold {
			delete(s.tasks, id)
			for _, dep := range t.Dependencies {
				delete(s.dependents[dep], id)
			}
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) ListDueRetries(ctx context.Context, queue Queue, now time.Time, limit int) ([]*Task, error) {
	s.tasksMu.RLock()
	defer s.tasksMu.RUnlock()
	var out []*Task
	for _, t := range s.tasks {
		if t.Queue != queue || t.State != TaskPending || t.NextRetryAt == nil {
			continue
		}
		if t.NextRetryAt.After(now) {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(*out[j].NextRetryAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListNonTerminal(ctx context.Context, queue Queue) ([]*Task, error) {
	s.tasksMu.RLock()
	defer s.tasksMu.RUnlock()
	var out []*Task
	for _, t := range s.tasks {
		if t.Queue == queue && !t.State.IsTerminal() {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) AdmitWorkflow(ctx context.Context, wf *Workflow) error {
	s.workflowsMu.Lock()
	defer s.workflowsMu.Unlock()
	if _, exists := s.workflows[wf.ID]; exists {
		return ErrAlreadyExists
	}
	cp := *wf
	s.workflows[wf.ID] = &cp
	return nil
}

func (s *MemoryStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	s.workflowsMu.RLock()
	defer s.workflowsMu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *wf
	return &cp, nil
}

func (s *MemoryStore) UpdateWorkflow(ctx context.Context, wf *Workflow) error {
	s.workflowsMu.Lock()
	defer s.workflowsMu.Unlock()
	if _, ok := s.workflows[wf.ID]; !ok {
		return ErrNotFound
	}
	cp := *wf
	s.workflows[wf.ID] = &cp
	return nil
}

func (s *MemoryStore) ListTasksByParentWorkflow(ctx context.Context, workflowID string) ([]*Task, error) {
	s.tasksMu.RLock()
	defer s.tasksMu.RUnlock()
	var out []*Task
	for _, t := range s.tasks {
		if t.ParentWorkflowID == workflowID {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) ListNonTerminalWorkflows(ctx context.Context) ([]*Workflow, error) {
	s.workflowsMu.RLock()
	defer s.workflowsMu.RUnlock()
	var out []*Workflow
	for _, wf := range s.workflows {
		if wf.State != WorkflowCompleted && wf.State != WorkflowFailed && wf.State != WorkflowCancelled {
			cp := *wf
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, ev *Event) error {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	s.events[ev.CorrelationID] = append(s.events[ev.CorrelationID], ev)
	return nil
}

func (s *MemoryStore) ListEventsByCorrelation(ctx context.Context, correlationID string) ([]*Event, error) {
	s.eventsMu.RLock()
	defer s.eventsMu.RUnlock()
	return append([]*Event(nil), s.events[correlationID]...), nil
}

func (s *MemoryStore) IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	s.epochsMu.Lock()
	defer s.epochsMu.Unlock()
	s.epochs[resourceID]++
	return s.epochs[resourceID], nil
}

func (s *MemoryStore) GetDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	s.epochsMu.Lock()
	defer s.epochsMu.Unlock()
	return s.epochs[resourceID], nil
}

func (s *MemoryStore) GetLastFire(ctx context.Context, name string) (time.Time, bool, error) {
	s.lastFireMu.Lock()
	defer s.lastFireMu.Unlock()
	t, ok := s.lastFire[name]
	return t, ok, nil
}

func (s *MemoryStore) SetLastFire(ctx context.Context, name string, t time.Time) error {
	s.lastFireMu.Lock()
	defer s.lastFireMu.Unlock()
	s.lastFire[name] = t
	return nil
}

func (s *MemoryStore) QueueStats(ctx context.Context, queue Queue) (QueueStatus, error) {
	s.tasksMu.RLock()
	defer s.tasksMu.RUnlock()

	status := QueueStatus{Queue: queue, SampledAt: time.Now()}
	var oldestReady time.Time
	for _, t := range s.tasks {
		if t.Queue != queue {
			continue
		}
		switch t.State {
		case TaskPending:
			status.Pending++
		case TaskReady:
			status.Ready++
			if oldestReady.IsZero() || t.ReadySince.Before(oldestReady) {
				oldestReady = t.ReadySince
			}
		case TaskRunning:
			status.Running++
		case TaskCompleted:
			status.CompletedTotal++
		case TaskFailed:
			status.FailedTotal++
		}
	}
	if !oldestReady.IsZero() {
		status.OldestReadyAge = time.Since(oldestReady)
	}
	return status, nil
}
