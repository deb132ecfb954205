package orchestration

import (
	"context"
	"fmt"

	"github.com/quantrail/tradingcore/core/taskstore"
)

// runConditional evaluates each step's Predicate against the accumulated
// results of previously completed steps, keyed by step id; a step whose
// predicate is false is recorded Cancelled (it never runs) rather than
// Completed, so the Progress record still distinguishes "skipped" from
// "never reached".
func (m *Manager) runConditional(ctx context.Context, wf *taskstore.Workflow) {
	if wf.State == taskstore.WorkflowPending {
		wf.State = taskstore.WorkflowRunning
		_ = m.store.UpdateWorkflow(ctx, wf)
	}

	priorResults := m.priorResultsFromProgress(ctx, wf)

	for _, step := range wf.Steps {
		taskID, state, ok := m.existingStep(wf, step.ID)
		if ok && state == taskstore.TaskCompleted {
			continue
		}
		if !ok {
			if step.Predicate != nil && !step.Predicate(priorResults) {
				m.recordProgress(ctx, wf, step.ID, "", taskstore.TaskCancelled)
				continue
			}
			task := m.buildTask(wf, step)
			if err := m.eng.Submit(ctx, task); err != nil {
				m.failWorkflow(ctx, wf, step.ID, err)
				return
			}
			taskID = task.ID
			m.recordProgress(ctx, wf, step.ID, taskID, taskstore.TaskPending)
		}
		if taskID == "" {
			// A step already recorded as skipped (predicate false) before a
			// restart — nothing to await.
			continue
		}

		t := m.awaitTask(ctx, taskID)
		if t == nil {
			return
		}
		m.recordProgress(ctx, wf, step.ID, taskID, t.State)
		if t.Result != nil {
			priorResults[step.ID] = *t.Result
		}
		if t.State != taskstore.TaskCompleted {
			m.failWorkflow(ctx, wf, step.ID, fmt.Errorf("step %s ended in state %s", step.ID, t.State))
			return
		}
	}
	m.completeWorkflow(ctx, wf)
}
