// Package orchestration composes tasks into workflows (Sequential, Parallel,
// Conditional, EventDriven) and tracks their progress purely off the Event
// Bus, never by polling the task store.
package orchestration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantrail/tradingcore/core/engine"
	"github.com/quantrail/tradingcore/core/eventbus"
	"github.com/quantrail/tradingcore/core/logging"
	"github.com/quantrail/tradingcore/core/taskstore"
)

// Manager runs workflows on top of an engine.Engine, submitting each step as
// a task and advancing on TaskCompleted/TaskFailed events delivered by bus.
type Manager struct {
	eng   *engine.Engine
	store taskstore.Store
	bus   *eventbus.Bus
	log   *logging.Logger

	mu      sync.Mutex
	waiters map[string]chan *taskstore.Task

	// eventDriven indexes registered EventDriven workflows by the event types
	// they listen for; subscribedTypes tracks which types already have a bus
	// subscription so a second workflow listening for the same type doesn't
	// attempt a second Subscribe call (the bus dedupes by handler identity,
	// which for a closure is the code pointer, not the captured state — one
	// shared dispatcher per type sidesteps that entirely).
	eventDriven     map[taskstore.EventType][]*taskstore.Workflow
	subscribedTypes map[taskstore.EventType]bool
}

// New constructs a Manager and wires its permanent bus subscriptions.
func New(eng *engine.Engine, store taskstore.Store, bus *eventbus.Bus, log *logging.Logger) *Manager {
	m := &Manager{
		eng:             eng,
		store:           store,
		bus:             bus,
		log:             log,
		waiters:         make(map[string]chan *taskstore.Task),
		eventDriven:     make(map[taskstore.EventType][]*taskstore.Workflow),
		subscribedTypes: make(map[taskstore.EventType]bool),
	}
	bus.Subscribe(taskstore.EventTaskCompleted, m.onTaskTerminal)
	bus.Subscribe(taskstore.EventTaskFailed, m.onTaskTerminal)
	return m
}

// Submit validates, persists, and dispatches a new workflow. For Sequential,
// Parallel, and Conditional modes this starts a goroutine that drives the
// workflow to completion; for EventDriven it registers a standing bus
// subscription instead.
func (m *Manager) Submit(ctx context.Context, wf *taskstore.Workflow) error {
	if wf.Mode != taskstore.ModeEventDriven && len(wf.Steps) == 0 {
		return fmt.Errorf("orchestration: workflow requires at least one step")
	}
	if wf.Mode == taskstore.ModeEventDriven && (wf.Filter == nil || len(wf.Filter.Types) == 0) {
		return fmt.Errorf("orchestration: event-driven workflow requires a filter")
	}
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	if wf.CorrelationID == "" {
		wf.CorrelationID = wf.ID
	}
	wf.State = taskstore.WorkflowPending
	wf.CreatedAt = time.Now()
	if wf.Progress == nil {
		wf.Progress = make(map[string]*taskstore.StepRecord)
	}
	if err := m.store.AdmitWorkflow(ctx, wf); err != nil {
		return err
	}
	m.dispatch(wf)
	return nil
}

func (m *Manager) dispatch(wf *taskstore.Workflow) {
	switch wf.Mode {
	case taskstore.ModeSequential:
		go m.runSequential(context.Background(), wf)
	case taskstore.ModeParallel:
		go m.runParallel(context.Background(), wf)
	case taskstore.ModeConditional:
		go m.runConditional(context.Background(), wf)
	case taskstore.ModeEventDriven:
		m.registerEventDriven(wf)
	}
}

// Recover rebuilds in-flight workflow progress by scanning tasks with
// parent_workflow_id set, then resumes driving each non-terminal workflow.
// It never trusts the workflow's own persisted Progress blindly: a task may
// have completed or failed after the process crashed but before restart, so
// every step record is refreshed from the task store's live state first.
func (m *Manager) Recover(ctx context.Context) error {
	workflows, err := m.store.ListNonTerminalWorkflows(ctx)
	if err != nil {
		return err
	}
	for _, wf := range workflows {
		tasks, err := m.store.ListTasksByParentWorkflow(ctx, wf.ID)
		if err != nil {
			logging.Log(m.log, "warn", "workflow recovery: failed to list tasks", logging.Fields{
				"workflow_id": wf.ID, "error": err,
			})
			continue
		}
		byID := make(map[string]*taskstore.Task, len(tasks))
		for _, t := range tasks {
			byID[t.ID] = t
		}
		if wf.Progress == nil {
			wf.Progress = make(map[string]*taskstore.StepRecord)
		}
		for _, rec := range wf.Progress {
			if t, ok := byID[rec.TaskID]; ok {
				rec.State = t.State
			}
		}
		m.dispatch(wf)
	}
	return nil
}

// Cancel issues Cancel to every non-terminal task belonging to workflowID and
// marks the workflow Cancelled; cancellation propagates to dependents the
// usual way through the engine.
func (m *Manager) Cancel(ctx context.Context, workflowID, reason string) error {
	wf, err := m.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	tasks, err := m.store.ListTasksByParentWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.State.IsTerminal() {
			continue
		}
		if err := m.eng.Cancel(ctx, t.ID, reason); err != nil {
			logging.Log(m.log, "warn", "workflow cancel: task cancel failed", logging.Fields{
				"workflow_id": workflowID, "task_id": t.ID, "error": err,
			})
		}
	}
	now := time.Now()
	wf.State = taskstore.WorkflowCancelled
	wf.CompletedAt = &now
	return m.store.UpdateWorkflow(ctx, wf)
}

func (m *Manager) buildTask(wf *taskstore.Workflow, step taskstore.StepDescriptor) *taskstore.Task {
	payload := make(map[string]interface{}, len(step.Payload))
	for k, v := range step.Payload {
		payload[k] = v
	}
	return &taskstore.Task{
		Queue:            step.Queue,
		Type:             step.Type,
		Payload:          payload,
		Priority:         step.Priority,
		MaxRetries:       step.MaxRetries,
		Timeout:          step.Timeout,
		CorrelationID:    wf.CorrelationID,
		ParentWorkflowID: wf.ID,
	}
}

// existingStep reports the step's recorded task id/state, if any — present
// whenever the step has already been submitted (including across a restart).
func (m *Manager) existingStep(wf *taskstore.Workflow, stepID string) (taskID string, state taskstore.TaskState, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, exists := wf.Progress[stepID]
	if !exists {
		return "", "", false
	}
	return rec.TaskID, rec.State, true
}

func (m *Manager) recordProgress(ctx context.Context, wf *taskstore.Workflow, stepID, taskID string, state taskstore.TaskState) {
	m.mu.Lock()
	if wf.Progress == nil {
		wf.Progress = make(map[string]*taskstore.StepRecord)
	}
	rec, ok := wf.Progress[stepID]
	if !ok {
		rec = &taskstore.StepRecord{StepID: stepID}
		wf.Progress[stepID] = rec
	}
	rec.TaskID = taskID
	rec.State = state
	m.mu.Unlock()
	if err := m.store.UpdateWorkflow(ctx, wf); err != nil {
		logging.Log(m.log, "warn", "workflow progress update failed", logging.Fields{
			"workflow_id": wf.ID, "step_id": stepID, "error": err,
		})
	}
}

func (m *Manager) priorResultsFromProgress(ctx context.Context, wf *taskstore.Workflow) map[string]taskstore.Result {
	out := make(map[string]taskstore.Result)
	m.mu.Lock()
	records := make([]*taskstore.StepRecord, 0, len(wf.Progress))
	for _, rec := range wf.Progress {
		records = append(records, rec)
	}
	m.mu.Unlock()
	for _, rec := range records {
		if rec.State != taskstore.TaskCompleted || rec.TaskID == "" {
			continue
		}
		if t, err := m.store.GetTask(ctx, rec.TaskID); err == nil && t.Result != nil {
			out[rec.StepID] = *t.Result
		}
	}
	return out
}

func (m *Manager) completeWorkflow(ctx context.Context, wf *taskstore.Workflow) {
	now := time.Now()
	wf.State = taskstore.WorkflowCompleted
	wf.CompletedAt = &now
	if err := m.store.UpdateWorkflow(ctx, wf); err != nil {
		logging.Log(m.log, "warn", "workflow completion update failed", logging.Fields{
			"workflow_id": wf.ID, "error": err,
		})
	}
	_ = m.bus.Publish(ctx, &taskstore.Event{
		ID:            uuid.NewString(),
		Type:          taskstore.EventWorkflowCompleted,
		Source:        "orchestration",
		Timestamp:     time.Now(),
		CorrelationID: wf.CorrelationID,
		Payload:       map[string]interface{}{"workflow_id": wf.ID},
	})
}

// failWorkflow marks the workflow Failed. There is no WorkflowFailed wire
// event in the closed event enum, so failure is observable only through the
// workflow's own state (and the TaskFailed event its failing step already
// published) — logged here for operational visibility.
func (m *Manager) failWorkflow(ctx context.Context, wf *taskstore.Workflow, stepID string, cause error) {
	now := time.Now()
	wf.State = taskstore.WorkflowFailed
	wf.CompletedAt = &now
	if err := m.store.UpdateWorkflow(ctx, wf); err != nil {
		logging.Log(m.log, "warn", "workflow failure update failed", logging.Fields{
			"workflow_id": wf.ID, "error": err,
		})
	}
	logging.Log(m.log, "error", "workflow failed", logging.Fields{
		"workflow_id": wf.ID, "step_id": stepID, "error": cause,
	})
}

// awaitTask blocks until taskID reaches a terminal state, returning the
// terminal task, or nil if ctx is cancelled first.
func (m *Manager) awaitTask(ctx context.Context, taskID string) *taskstore.Task {
	ch := make(chan *taskstore.Task, 1)
	m.mu.Lock()
	m.waiters[taskID] = ch
	m.mu.Unlock()

	// Covers the race where the task had already finished (and its
	// TaskCompleted/TaskFailed event already delivered) before this waiter
	// was registered.
	if t, err := m.store.GetTask(ctx, taskID); err == nil && t.State.IsTerminal() {
		m.mu.Lock()
		_, stillWaiting := m.waiters[taskID]
		delete(m.waiters, taskID)
		m.mu.Unlock()
		if stillWaiting {
			return t
		}
	}

	select {
	case t := <-ch:
		return t
	case <-ctx.Done():
		return nil
	}
}

func (m *Manager) onTaskTerminal(ctx context.Context, ev *taskstore.Event) {
	taskID, _ := ev.Payload["task_id"].(string)
	if taskID == "" {
		return
	}
	m.mu.Lock()
	ch, ok := m.waiters[taskID]
	if ok {
		delete(m.waiters, taskID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	t, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return
	}
	ch <- t
}
