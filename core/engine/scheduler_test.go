package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantrail/tradingcore/core/breaker"
	"github.com/quantrail/tradingcore/core/eventbus"
	"github.com/quantrail/tradingcore/core/ratebudget"
	"github.com/quantrail/tradingcore/core/taskstore"
)

func newTestEngine(t *testing.T, cfg Config) (*Engine, *taskstore.MemoryStore, *Registry) {
	t.Helper()
	store := taskstore.NewMemoryStore()
	bus := eventbus.New("test", nil)
	budget := ratebudget.New()
	breakers := breaker.NewManager(breaker.DefaultConfig(), bus)
	registry := NewRegistry()
	eng := New(cfg, store, bus, budget, breakers, registry, nil)
	return eng, store, registry
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.BackoffBase = 5 * time.Millisecond
	cfg.BackoffCap = 20 * time.Millisecond
	cfg.CancelGrace = 200 * time.Millisecond
	return cfg
}

func TestSubmitRejectsUnknownQueue(t *testing.T) {
	eng, _, _ := newTestEngine(t, fastConfig())
	err := eng.Submit(context.Background(), &taskstore.Task{Queue: "Bogus", Type: "x"})
	require.Error(t, err)
	var rej *ErrRejected
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "UnknownQueue", rej.Code)
}

func TestSubmitRejectsMissingHandler(t *testing.T) {
	eng, _, _ := newTestEngine(t, fastConfig())
	err := eng.Submit(context.Background(), &taskstore.Task{Queue: taskstore.QueueDataFetcher, Type: "fetch_quote"})
	require.Error(t, err)
	var rej *ErrRejected
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "NoHandler", rej.Code)
}

func TestSubmitRejectsMissingDependency(t *testing.T) {
	eng, _, reg := newTestEngine(t, fastConfig())
	reg.Register(taskstore.QueueDataFetcher, "fetch_quote", HandlerSpec{Handler: func(ctx context.Context, p map[string]interface{}) taskstore.Result {
		return taskstore.Result{Value: map[string]interface{}{"ok": true}}
	}})
	err := eng.Submit(context.Background(), &taskstore.Task{
		Queue: taskstore.QueueDataFetcher, Type: "fetch_quote", Dependencies: []string{"missing-id"},
	})
	require.Error(t, err)
	var rej *ErrRejected
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "DependencyNotFound", rej.Code)
}

func TestSubmitMarksReadyWhenNoDependencies(t *testing.T) {
	eng, store, reg := newTestEngine(t, fastConfig())
	reg.Register(taskstore.QueuePortfolioSync, "rebalance", HandlerSpec{Handler: func(ctx context.Context, p map[string]interface{}) taskstore.Result {
		return taskstore.Result{}
	}})
	task := &taskstore.Task{Queue: taskstore.QueuePortfolioSync, Type: "rebalance", Priority: 5}
	require.NoError(t, eng.Submit(context.Background(), task))
	got, err := store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, taskstore.TaskReady, got.State)
	assert.False(t, got.ReadySince.IsZero())
}

func TestSubmitLeavesPendingWhenDependencyUnsatisfied(t *testing.T) {
	eng, store, reg := newTestEngine(t, fastConfig())
	reg.Register(taskstore.QueuePortfolioSync, "rebalance", HandlerSpec{Handler: func(ctx context.Context, p map[string]interface{}) taskstore.Result {
		return taskstore.Result{}
	}})
	dep := &taskstore.Task{Queue: taskstore.QueuePortfolioSync, Type: "rebalance"}
	require.NoError(t, eng.Submit(context.Background(), dep))

	child := &taskstore.Task{Queue: taskstore.QueuePortfolioSync, Type: "rebalance", Dependencies: []string{dep.ID}}
	require.NoError(t, eng.Submit(context.Background(), child))

	got, err := store.GetTask(context.Background(), child.ID)
	require.NoError(t, err)
	assert.Equal(t, taskstore.TaskPending, got.State)
}

func TestSubmitRejectsCycle(t *testing.T) {
	eng, store, reg := newTestEngine(t, fastConfig())
	reg.Register(taskstore.QueuePortfolioSync, "rebalance", HandlerSpec{Handler: func(ctx context.Context, p map[string]interface{}) taskstore.Result {
		return taskstore.Result{}
	}})
	a := &taskstore.Task{ID: "a", Queue: taskstore.QueuePortfolioSync, Type: "rebalance"}
	require.NoError(t, eng.Submit(context.Background(), a))

	b := &taskstore.Task{ID: "b", Queue: taskstore.QueuePortfolioSync, Type: "rebalance", Dependencies: []string{"a"}}
	require.NoError(t, eng.Submit(context.Background(), b))

	got, err := store.GetTask(context.Background(), "a")
	require.NoError(t, err)
	err = store.Transition(context.Background(), "a", got.State, got.State, func(task *taskstore.Task) {
		task.Dependencies = []string{"b"}
	})
	require.NoError(t, err)

	c := &taskstore.Task{ID: "c", Queue: taskstore.QueuePortfolioSync, Type: "rebalance", Dependencies: []string{"a"}}
	err = eng.Submit(context.Background(), c)
	require.Error(t, err)
	var rej *ErrRejected
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "CycleDetected", rej.Code)
}

func TestRunCycleDispatchesReadyTaskToCompletion(t *testing.T) {
	cfg := fastConfig()
	eng, store, reg := newTestEngine(t, cfg)
	executed := make(chan struct{}, 1)
	reg.Register(taskstore.QueuePortfolioSync, "rebalance", HandlerSpec{Handler: func(ctx context.Context, p map[string]interface{}) taskstore.Result {
		executed <- struct{}{}
		return taskstore.Result{Value: map[string]interface{}{"done": true}}
	}})

	task := &taskstore.Task{Queue: taskstore.QueuePortfolioSync, Type: "rebalance"}
	require.NoError(t, eng.Submit(context.Background(), task))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go eng.runLoop(ctx, taskstore.QueuePortfolioSync)

	select {
	case <-executed:
	case <-time.After(time.Second):
		t.Fatal("handler never executed")
	}

	ok := waitUntil(t, time.Second, func() bool {
		got, err := store.GetTask(context.Background(), task.ID)
		return err == nil && got.State == taskstore.TaskCompleted
	})
	assert.True(t, ok, "task should reach Completed")
}

func TestFailedTaskCascadesCancelToDependents(t *testing.T) {
	cfg := fastConfig()
	eng, store, reg := newTestEngine(t, cfg)
	reg.Register(taskstore.QueuePortfolioSync, "fails", HandlerSpec{Handler: func(ctx context.Context, p map[string]interface{}) taskstore.Result {
		return taskstore.Result{Err: &taskstore.TaskError{Kind: taskstore.ErrFatal, Message: "boom", Recoverable: false}}
	}})
	reg.Register(taskstore.QueuePortfolioSync, "noop", HandlerSpec{Handler: func(ctx context.Context, p map[string]interface{}) taskstore.Result {
		return taskstore.Result{}
	}})

	parent := &taskstore.Task{Queue: taskstore.QueuePortfolioSync, Type: "fails"}
	require.NoError(t, eng.Submit(context.Background(), parent))
	child := &taskstore.Task{Queue: taskstore.QueuePortfolioSync, Type: "noop", Dependencies: []string{parent.ID}}
	require.NoError(t, eng.Submit(context.Background(), child))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go eng.runLoop(ctx, taskstore.QueuePortfolioSync)

	ok := waitUntil(t, 2*time.Second, func() bool {
		got, err := store.GetTask(context.Background(), child.ID)
		return err == nil && got.State == taskstore.TaskCancelled
	})
	require.True(t, ok, "dependent should be cancelled after parent failure")

	got, err := store.GetTask(context.Background(), child.ID)
	require.NoError(t, err)
	assert.Equal(t, taskstore.ErrDependencyFailed, got.Result.Err.Kind)
}

func TestRetryableFailureReschedulesWithBackoff(t *testing.T) {
	cfg := fastConfig()
	eng, store, reg := newTestEngine(t, cfg)
	var attempts int
	reg.Register(taskstore.QueuePortfolioSync, "flaky", HandlerSpec{Handler: func(ctx context.Context, p map[string]interface{}) taskstore.Result {
		attempts++
		if attempts < 2 {
			return taskstore.Result{Err: &taskstore.TaskError{Kind: taskstore.ErrTransient, Message: "try again", Recoverable: true}}
		}
		return taskstore.Result{Value: map[string]interface{}{"ok": true}}
	}})

	task := &taskstore.Task{Queue: taskstore.QueuePortfolioSync, Type: "flaky", MaxRetries: 3}
	require.NoError(t, eng.Submit(context.Background(), task))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go eng.runLoop(ctx, taskstore.QueuePortfolioSync)

	ok := waitUntil(t, 2*time.Second, func() bool {
		got, err := store.GetTask(context.Background(), task.ID)
		return err == nil && got.State == taskstore.TaskCompleted
	})
	assert.True(t, ok, "task should eventually complete after a retried transient failure")
	assert.GreaterOrEqual(t, attempts, 2)
}

func TestOrderByEffectivePriorityAgesStarvedTasks(t *testing.T) {
	now := time.Now()
	old := &taskstore.Task{ID: "old", Priority: 1, CreatedAt: now.Add(-time.Hour), ReadySince: now.Add(-20 * time.Minute)}
	fresh := &taskstore.Task{ID: "fresh", Priority: 5, CreatedAt: now, ReadySince: now}

	ordered := orderByEffectivePriority([]*taskstore.Task{fresh, old}, now, 10*time.Minute, 2)
	require.Len(t, ordered, 2)
	assert.Equal(t, "old", ordered[0].ID, "a long-starved low priority task should age above a fresh high priority one")
	assert.Greater(t, old.EffectivePriority, old.Priority)
}

func TestCancelPendingTaskTransitionsImmediately(t *testing.T) {
	eng, store, reg := newTestEngine(t, fastConfig())
	reg.Register(taskstore.QueuePortfolioSync, "rebalance", HandlerSpec{Handler: func(ctx context.Context, p map[string]interface{}) taskstore.Result {
		return taskstore.Result{}
	}})
	dep := &taskstore.Task{Queue: taskstore.QueuePortfolioSync, Type: "rebalance"}
	require.NoError(t, eng.Submit(context.Background(), dep))
	task := &taskstore.Task{Queue: taskstore.QueuePortfolioSync, Type: "rebalance", Dependencies: []string{dep.ID}}
	require.NoError(t, eng.Submit(context.Background(), task))

	require.NoError(t, eng.Cancel(context.Background(), task.ID, "user_requested"))

	got, err := store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, taskstore.TaskCancelled, got.State)
}

func TestIsDependencyHealthyClassification(t *testing.T) {
	assert.True(t, isDependencyHealthy(nil))
	assert.False(t, isDependencyHealthy(&taskstore.TaskError{Kind: taskstore.ErrTransient}))
	assert.False(t, isDependencyHealthy(&taskstore.TaskError{Kind: taskstore.ErrTimeout}))
	assert.False(t, isDependencyHealthy(&taskstore.TaskError{Kind: taskstore.ErrFatal}))
	assert.True(t, isDependencyHealthy(&taskstore.TaskError{Kind: taskstore.ErrValidation}))
	assert.True(t, isDependencyHealthy(&taskstore.TaskError{Kind: taskstore.ErrRateLimited}))
	assert.True(t, isDependencyHealthy(&taskstore.TaskError{Kind: taskstore.ErrDependencyFailed}))
	assert.True(t, isDependencyHealthy(&taskstore.TaskError{Kind: taskstore.ErrCancelled}))
}

