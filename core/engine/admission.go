package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quantrail/tradingcore/core/taskstore"
)

// ErrRejected is returned by Submit when admission validation fails.
type ErrRejected struct {
	Kind   taskstore.ErrorKind
	Code   string
	Detail string
}

func (e *ErrRejected) Error() string {
	return fmt.Sprintf("rejected(%s/%s): %s", e.Kind, e.Code, e.Detail)
}

// Submit validates, persists, and (if its dependencies are already
// satisfied) marks a new task Ready, emitting TaskCreated.
func (e *Engine) Submit(ctx context.Context, t *taskstore.Task) error {
	qcfg, ok := e.cfg.Queues[t.Queue]
	if !ok {
		return &ErrRejected{Kind: taskstore.ErrValidation, Code: "UnknownQueue", Detail: string(t.Queue)}
	}

	if _, ok := e.registry.Lookup(t.Queue, t.Type); !ok {
		return &ErrRejected{Kind: taskstore.ErrValidation, Code: "NoHandler", Detail: t.Type}
	}

	for _, depID := range t.Dependencies {
		if _, err := e.store.GetTask(ctx, depID); err != nil {
			if errors.Is(err, taskstore.ErrNotFound) {
				return &ErrRejected{Kind: taskstore.ErrValidation, Code: "DependencyNotFound", Detail: depID}
			}
			return fmt.Errorf("engine: checking dependency %s: %w", depID, err)
		}
	}

	if err := e.checkDependencyCycle(ctx, t); err != nil {
		return err
	}

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Timeout <= 0 {
		t.Timeout = qcfg.DefaultTimeout
	}
	if t.MaxRetries <= 0 {
		t.MaxRetries = qcfg.MaxRetries
	}
	t.CreatedAt = time.Now()
	t.EffectivePriority = t.Priority

	allDepsSatisfied, err := e.dependenciesSatisfied(ctx, t.Dependencies)
	if err != nil {
		return err
	}
	if allDepsSatisfied {
		t.State = taskstore.TaskReady
		t.ReadySince = t.CreatedAt
	} else {
		t.State = taskstore.TaskPending
	}

	if err := e.store.Admit(ctx, t); err != nil {
		return err
	}

	e.publish(ctx, taskstore.EventTaskCreated, t.ID, t.CorrelationID, map[string]interface{}{
		"queue": string(t.Queue), "type": t.Type,
	})

	if t.State == taskstore.TaskReady {
		e.wake(t.Queue)
	}
	return nil
}

func (e *Engine) dependenciesSatisfied(ctx context.Context, deps []string) (bool, error) {
	for _, id := range deps {
		dep, err := e.store.GetTask(ctx, id)
		if err != nil {
			return false, err
		}
		if !dep.State.IsTerminalSuccess() {
			return false, nil
		}
	}
	return true, nil
}

// checkDependencyCycle walks the transitive dependency graph via DFS,
// rejecting admission with CycleDetected if t's own (not-yet-persisted) id
// would be reachable from one of its declared dependencies — i.e. a
// dependency (transitively) depends back on t — or if the graph reachable
// from t's dependencies already contains a cycle of its own.
func (e *Engine) checkDependencyCycle(ctx context.Context, t *taskstore.Task) error {
	visited := make(map[string]bool)
	onPath := make(map[string]bool)
	var visit func(id string) error
	visit = func(id string) error {
		if (id == t.ID && t.ID != "") || onPath[id] {
			return &ErrRejected{Kind: taskstore.ErrValidation, Code: "CycleDetected", Detail: id}
		}
		if visited[id] {
			return nil
		}
		visited[id] = true
		onPath[id] = true
		defer delete(onPath, id)
		dep, err := e.store.GetTask(ctx, id)
		if err != nil {
			return nil // missing dependency already reported by the caller
		}
		for _, next := range dep.Dependencies {
			if err := visit(next); err != nil {
				return err
			}
		}
		return nil
	}
	for _, id := range t.Dependencies {
		if id == t.ID {
			return &ErrRejected{Kind: taskstore.ErrValidation, Code: "CycleDetected", Detail: id}
		}
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}
