package orchestration

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantrail/tradingcore/core/breaker"
	"github.com/quantrail/tradingcore/core/engine"
	"github.com/quantrail/tradingcore/core/eventbus"
	"github.com/quantrail/tradingcore/core/logging"
	"github.com/quantrail/tradingcore/core/ratebudget"
	"github.com/quantrail/tradingcore/core/taskstore"
)

func newTestManager(t *testing.T) (*Manager, *engine.Engine, *taskstore.MemoryStore, *engine.Registry, *eventbus.Bus) {
	t.Helper()
	store := taskstore.NewMemoryStore()
	log := logging.New("orchestration_test", logiface.LevelError)
	bus := eventbus.New("orchestration_test", log)
	budget := ratebudget.New()
	breakers := breaker.NewManager(breaker.DefaultConfig(), bus)
	registry := engine.NewRegistry()

	cfg := engine.DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	for q, qcfg := range cfg.Queues {
		qcfg.MaxConcurrent = 8
		cfg.Queues[q] = qcfg
	}

	eng := engine.New(cfg, store, bus, budget, breakers, registry, log)
	mgr := New(eng, store, bus, log)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go eng.Start(ctx)

	return mgr, eng, store, registry, bus
}

func register(registry *engine.Registry, queue taskstore.Queue, taskType string, h engine.Handler) {
	registry.Register(queue, taskType, engine.HandlerSpec{Handler: h})
}

func succeedingHandler(value string) engine.Handler {
	return func(ctx context.Context, payload map[string]interface{}) taskstore.Result {
		return taskstore.Result{Value: map[string]interface{}{"out": value}}
	}
}

func failingHandler(kind taskstore.ErrorKind) engine.Handler {
	return func(ctx context.Context, payload map[string]interface{}) taskstore.Result {
		return taskstore.Result{Err: &taskstore.TaskError{Kind: kind, Message: "boom", Recoverable: false}}
	}
}

func waitForWorkflow(t *testing.T, store taskstore.Store, id string, state taskstore.WorkflowState) *taskstore.Workflow {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		wf, err := store.GetWorkflow(context.Background(), id)
		require.NoError(t, err)
		if wf.State == state {
			return wf
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("workflow %s never reached state %s", id, state)
	return nil
}

func TestSequentialWorkflowRunsStepsInOrderAndCompletes(t *testing.T) {
	mgr, _, store, registry, _ := newTestManager(t)
	register(registry, taskstore.QueuePortfolioSync, "step-a", succeedingHandler("a"))
	register(registry, taskstore.QueueDataFetcher, "step-b", succeedingHandler("b"))

	wf := &taskstore.Workflow{
		Mode: taskstore.ModeSequential,
		Steps: []taskstore.StepDescriptor{
			{ID: "s1", Queue: taskstore.QueuePortfolioSync, Type: "step-a"},
			{ID: "s2", Queue: taskstore.QueueDataFetcher, Type: "step-b"},
		},
	}
	require.NoError(t, mgr.Submit(context.Background(), wf))

	done := waitForWorkflow(t, store, wf.ID, taskstore.WorkflowCompleted)
	assert.Equal(t, taskstore.TaskCompleted, done.Progress["s1"].State)
	assert.Equal(t, taskstore.TaskCompleted, done.Progress["s2"].State)
}

func TestSequentialWorkflowFailsOnStepFailureWithoutRetryingWorkflow(t *testing.T) {
	mgr, _, store, registry, _ := newTestManager(t)
	register(registry, taskstore.QueuePortfolioSync, "step-fail", failingHandler(taskstore.ErrFatal))

	wf := &taskstore.Workflow{
		Mode: taskstore.ModeSequential,
		Steps: []taskstore.StepDescriptor{
			{ID: "s1", Queue: taskstore.QueuePortfolioSync, Type: "step-fail"},
		},
	}
	require.NoError(t, mgr.Submit(context.Background(), wf))

	done := waitForWorkflow(t, store, wf.ID, taskstore.WorkflowFailed)
	assert.Equal(t, taskstore.TaskFailed, done.Progress["s1"].State)
}

func TestParallelWorkflowCompletesWhenAllStepsSucceed(t *testing.T) {
	mgr, _, store, registry, _ := newTestManager(t)
	register(registry, taskstore.QueuePortfolioSync, "par-a", succeedingHandler("a"))
	register(registry, taskstore.QueueDataFetcher, "par-b", succeedingHandler("b"))

	wf := &taskstore.Workflow{
		Mode: taskstore.ModeParallel,
		Steps: []taskstore.StepDescriptor{
			{ID: "p1", Queue: taskstore.QueuePortfolioSync, Type: "par-a"},
			{ID: "p2", Queue: taskstore.QueueDataFetcher, Type: "par-b"},
		},
	}
	require.NoError(t, mgr.Submit(context.Background(), wf))
	waitForWorkflow(t, store, wf.ID, taskstore.WorkflowCompleted)
}

func TestParallelWorkflowFailFastCancelsSiblings(t *testing.T) {
	mgr, _, store, registry, _ := newTestManager(t)
	register(registry, taskstore.QueuePortfolioSync, "fast-fail", failingHandler(taskstore.ErrFatal))
	register(registry, taskstore.QueueDataFetcher, "slow-ok", func(ctx context.Context, payload map[string]interface{}) taskstore.Result {
		select {
		case <-time.After(500 * time.Millisecond):
			return taskstore.Result{Value: map[string]interface{}{"out": "late"}}
		case <-ctx.Done():
			return taskstore.Result{Err: &taskstore.TaskError{Kind: taskstore.ErrCancelled, Message: "cancelled"}}
		}
	})

	wf := &taskstore.Workflow{
		Mode: taskstore.ModeParallel,
		Steps: []taskstore.StepDescriptor{
			{ID: "p1", Queue: taskstore.QueuePortfolioSync, Type: "fast-fail", FailFast: true},
			{ID: "p2", Queue: taskstore.QueueDataFetcher, Type: "slow-ok", FailFast: true},
		},
	}
	require.NoError(t, mgr.Submit(context.Background(), wf))
	done := waitForWorkflow(t, store, wf.ID, taskstore.WorkflowFailed)

	sibling := done.Progress["p2"]
	require.NotNil(t, sibling)
	var state taskstore.TaskState
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, err := store.GetTask(context.Background(), sibling.TaskID)
		require.NoError(t, err)
		state = task.State
		if state.IsTerminal() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, taskstore.TaskCancelled, state)
}

func TestConditionalWorkflowSkipsStepWhenPredicateFalse(t *testing.T) {
	mgr, _, store, registry, _ := newTestManager(t)
	register(registry, taskstore.QueuePortfolioSync, "cond-a", succeedingHandler("a"))
	register(registry, taskstore.QueueDataFetcher, "cond-b", succeedingHandler("b"))

	wf := &taskstore.Workflow{
		Mode: taskstore.ModeConditional,
		Steps: []taskstore.StepDescriptor{
			{ID: "c1", Queue: taskstore.QueuePortfolioSync, Type: "cond-a"},
			{ID: "c2", Queue: taskstore.QueueDataFetcher, Type: "cond-b", Predicate: func(prior map[string]taskstore.Result) bool {
				return false
			}},
		},
	}
	require.NoError(t, mgr.Submit(context.Background(), wf))

	done := waitForWorkflow(t, store, wf.ID, taskstore.WorkflowCompleted)
	assert.Equal(t, taskstore.TaskCompleted, done.Progress["c1"].State)
	assert.Equal(t, taskstore.TaskCancelled, done.Progress["c2"].State)
	assert.Empty(t, done.Progress["c2"].TaskID)
}

func TestEventDrivenWorkflowSpawnsTaskOnMatchingEvent(t *testing.T) {
	mgr, _, store, registry, bus := newTestManager(t)
	register(registry, taskstore.QueueAIAnalysis, "react", succeedingHandler("reacted"))

	wf := &taskstore.Workflow{
		Mode:   taskstore.ModeEventDriven,
		Filter: &taskstore.EventFilter{Types: []taskstore.EventType{taskstore.EventNewsIngested}},
		Steps: []taskstore.StepDescriptor{
			{ID: "r1", Queue: taskstore.QueueAIAnalysis, Type: "react"},
		},
	}
	require.NoError(t, mgr.Submit(context.Background(), wf))

	require.NoError(t, bus.Publish(context.Background(), &taskstore.Event{
		ID:            uuid.NewString(),
		Type:          taskstore.EventNewsIngested,
		Source:        "test",
		Timestamp:     time.Now(),
		CorrelationID: "corr-xyz",
		Payload:       map[string]interface{}{"topic": "news"},
	}))

	deadline := time.Now().Add(2 * time.Second)
	var tasks []*taskstore.Task
	for time.Now().Before(deadline) {
		var err error
		tasks, err = store.ListTasksByParentWorkflow(context.Background(), wf.ID)
		require.NoError(t, err)
		if len(tasks) > 0 && tasks[0].State == taskstore.TaskCompleted {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Len(t, tasks, 1)
	assert.Equal(t, "corr-xyz", tasks[0].CorrelationID)
	assert.Equal(t, taskstore.TaskCompleted, tasks[0].State)
}

func TestAwaitTaskReturnsImmediatelyForAlreadyTerminalTask(t *testing.T) {
	mgr, _, store, _, _ := newTestManager(t)
	ctx := context.Background()
	task := &taskstore.Task{ID: "pre-terminal", Queue: taskstore.QueuePortfolioSync, Type: "x", State: taskstore.TaskCompleted, CreatedAt: time.Now()}
	require.NoError(t, store.Admit(ctx, task))

	t2 := mgr.awaitTask(ctx, "pre-terminal")
	require.NotNil(t, t2)
	assert.Equal(t, taskstore.TaskCompleted, t2.State)
}
