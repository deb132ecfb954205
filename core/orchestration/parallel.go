package orchestration

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/quantrail/tradingcore/core/taskstore"
)

// runParallel emits every step with no cross-dependencies and awaits them
// together; the workflow completes iff every step does. The first step to end
// anywhere but Completed cancels errgroup's context, which stops the remaining
// awaitTask calls and fails the workflow without waiting for those steps; when
// any step carries FailFast, every sibling task is then also sent Cancel.
func (m *Manager) runParallel(ctx context.Context, wf *taskstore.Workflow) {
	if wf.State == taskstore.WorkflowPending {
		wf.State = taskstore.WorkflowRunning
		_ = m.store.UpdateWorkflow(ctx, wf)
	}

	failFast := false
	for _, step := range wf.Steps {
		if step.FailFast {
			failFast = true
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	taskIDs := make([]string, len(wf.Steps))

	for i, step := range wf.Steps {
		i, step := i, step
		taskID, state, ok := m.existingStep(wf, step.ID)
		if ok && state == taskstore.TaskCompleted {
			taskIDs[i] = taskID
			continue
		}
		if !ok {
			task := m.buildTask(wf, step)
			if err := m.eng.Submit(ctx, task); err != nil {
				m.failWorkflow(ctx, wf, step.ID, err)
				return
			}
			taskID = task.ID
			m.recordProgress(ctx, wf, step.ID, taskID, taskstore.TaskPending)
		}
		taskIDs[i] = taskID

		g.Go(func() error {
			t := m.awaitTask(gctx, taskID)
			if t == nil {
				return gctx.Err()
			}
			m.recordProgress(ctx, wf, step.ID, taskID, t.State)
			if t.State != taskstore.TaskCompleted {
				return fmt.Errorf("step %s ended in state %s", step.ID, t.State)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if failFast {
			for _, id := range taskIDs {
				if id == "" {
					continue
				}
				_ = m.eng.Cancel(context.Background(), id, "workflow_fail_fast")
			}
		}
		m.failWorkflow(ctx, wf, "", err)
		return
	}
	m.completeWorkflow(ctx, wf)
}
