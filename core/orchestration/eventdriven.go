package orchestration

import (
	"context"

	"github.com/quantrail/tradingcore/core/logging"
	"github.com/quantrail/tradingcore/core/taskstore"
)

// registerEventDriven subscribes wf to every event type in its filter,
// sharing one bus subscription per type across all EventDriven workflows
// (see the Manager.subscribedTypes doc comment for why).
func (m *Manager) registerEventDriven(wf *taskstore.Workflow) {
	wf.State = taskstore.WorkflowRunning
	_ = m.store.UpdateWorkflow(context.Background(), wf)

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, etype := range wf.Filter.Types {
		m.eventDriven[etype] = append(m.eventDriven[etype], wf)
		if !m.subscribedTypes[etype] {
			m.subscribedTypes[etype] = true
			m.bus.Subscribe(etype, m.onEventDrivenMatch)
		}
	}
}

func (m *Manager) onEventDrivenMatch(ctx context.Context, ev *taskstore.Event) {
	m.mu.Lock()
	matched := append([]*taskstore.Workflow(nil), m.eventDriven[ev.Type]...)
	m.mu.Unlock()
	for _, wf := range matched {
		m.spawnEventDrivenStep(ctx, wf, ev)
	}
}

// spawnEventDrivenStep creates a task (single-step workflows) or a small
// Sequential child workflow (multi-step) for one matching event, with
// correlation_id set to the event's own correlation id (falling back to its
// own id for events that never carried one).
func (m *Manager) spawnEventDrivenStep(ctx context.Context, wf *taskstore.Workflow, ev *taskstore.Event) {
	correlationID := ev.CorrelationID
	if correlationID == "" {
		correlationID = ev.ID
	}

	if len(wf.Steps) == 1 {
		step := wf.Steps[0]
		payload := make(map[string]interface{}, len(step.Payload)+1)
		for k, v := range step.Payload {
			payload[k] = v
		}
		payload["trigger_event"] = map[string]interface{}{
			"type": string(ev.Type), "id": ev.ID, "payload": ev.Payload,
		}
		task := &taskstore.Task{
			Queue:            step.Queue,
			Type:             step.Type,
			Payload:          payload,
			Priority:         step.Priority,
			MaxRetries:       step.MaxRetries,
			Timeout:          step.Timeout,
			CorrelationID:    correlationID,
			ParentWorkflowID: wf.ID,
		}
		if err := m.eng.Submit(ctx, task); err != nil {
			logging.Log(m.log, "warn", "event-driven workflow: step submission failed", logging.Fields{
				"workflow_id": wf.ID, "step_id": step.ID, "error": err,
			})
		}
		return
	}

	child := &taskstore.Workflow{
		Mode:          taskstore.ModeSequential,
		Steps:         wf.Steps,
		CorrelationID: correlationID,
	}
	if err := m.Submit(ctx, child); err != nil {
		logging.Log(m.log, "warn", "event-driven workflow: child workflow submission failed", logging.Fields{
			"workflow_id": wf.ID, "error": err,
		})
	}
}
