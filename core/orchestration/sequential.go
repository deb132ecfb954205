package orchestration

import (
	"context"
	"fmt"

	"github.com/quantrail/tradingcore/core/taskstore"
)

// runSequential emits step N, waits for it to reach a terminal state, then
// emits step N+1; a step ending anywhere but Completed fails the whole
// workflow without retrying it. Already-recorded Completed steps (from a
// prior run cut short by a restart) are skipped, which is what lets Recover
// re-enter this same function instead of needing a separate resume path.
func (m *Manager) runSequential(ctx context.Context, wf *taskstore.Workflow) {
	if wf.State == taskstore.WorkflowPending {
		wf.State = taskstore.WorkflowRunning
		_ = m.store.UpdateWorkflow(ctx, wf)
	}

	for _, step := range wf.Steps {
		taskID, state, ok := m.existingStep(wf, step.ID)
		if ok && state == taskstore.TaskCompleted {
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

		t := m.awaitTask(ctx, taskID)
		if t == nil {
			return
		}
		m.recordProgress(ctx, wf, step.ID, taskID, t.State)
		if t.State != taskstore.TaskCompleted {
			m.failWorkflow(ctx, wf, step.ID, fmt.Errorf("step %s ended in state %s", step.ID, t.State))
			return
		}
	}
	m.completeWorkflow(ctx, wf)
}
