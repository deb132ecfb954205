package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantrail/tradingcore/core/breaker"
	"github.com/quantrail/tradingcore/core/eventbus"
	"github.com/quantrail/tradingcore/core/logging"
	"github.com/quantrail/tradingcore/core/observability"
	"github.com/quantrail/tradingcore/core/ratebudget"
	"github.com/quantrail/tradingcore/core/taskstore"
)

// Engine owns one run loop per configured queue and turns Ready tasks into
// handler executions under the dependency/priority/concurrency/rate/circuit
// constraints described by the scheduling core.
type Engine struct {
	cfg      Config
	store    taskstore.Store
	bus      *eventbus.Bus
	budget   *ratebudget.Budget
	breakers *breaker.Manager
	registry *Registry
	log      *logging.Logger

	mu          sync.Mutex
	inFlight    map[taskstore.Queue]int
	cancelFuncs map[string]context.CancelFunc
	wakeCh      map[taskstore.Queue]chan struct{}
}

// New builds an Engine. registry must already hold every handler the
// configured queues will dispatch.
func New(cfg Config, store taskstore.Store, bus *eventbus.Bus, budget *ratebudget.Budget, breakers *breaker.Manager, registry *Registry, log *logging.Logger) *Engine {
	e := &Engine{
		cfg:         cfg,
		store:       store,
		bus:         bus,
		budget:      budget,
		breakers:    breakers,
		registry:    registry,
		log:         log,
		inFlight:    make(map[taskstore.Queue]int),
		cancelFuncs: make(map[string]context.CancelFunc),
		wakeCh:      make(map[taskstore.Queue]chan struct{}),
	}
	for q := range cfg.Queues {
		e.wakeCh[q] = make(chan struct{}, 1)
	}
	return e
}

// Start launches one run-loop goroutine per enabled queue; it returns
// once every loop has exited (on ctx cancellation).
func (e *Engine) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for q, qcfg := range e.cfg.Queues {
		if !qcfg.Enabled {
			continue
		}
		wg.Add(1)
		go func(q taskstore.Queue) {
			defer wg.Done()
			e.runLoop(ctx, q)
		}(q)
	}
	wg.Wait()
}

func (e *Engine) wake(q taskstore.Queue) {
	e.mu.Lock()
	ch, ok := e.wakeCh[q]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (e *Engine) publish(ctx context.Context, etype taskstore.EventType, taskID, correlationID string, payload map[string]interface{}) {
	if e.bus == nil {
		return
	}
	_ = e.bus.Publish(ctx, &taskstore.Event{
		ID:            uuid.NewString(),
		Type:          etype,
		Source:        "engine",
		Timestamp:     time.Now(),
		CorrelationID: correlationID,
		Payload:       mergeTaskID(payload, taskID),
	})
}

func mergeTaskID(payload map[string]interface{}, taskID string) map[string]interface{} {
	out := make(map[string]interface{}, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out["task_id"] = taskID
	return out
}

// runLoop implements the per-queue central algorithm from the scheduling
// engine's contract.
func (e *Engine) runLoop(ctx context.Context, q taskstore.Queue) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.wakeCh[q]:
		}
		e.runCycle(ctx, q)
	}
}

func (e *Engine) runCycle(ctx context.Context, q taskstore.Queue) {
	if e.breakers != nil && e.breakers.State(queueBreakerName(q)) == "open" {
		return // step 2/7: circuit open, skip this cycle entirely
	}

	e.promoteDueRetries(ctx, q)

	qcfg := e.cfg.Queues[q]
	e.mu.Lock()
	headroom := qcfg.MaxConcurrent - e.inFlight[q]
	e.mu.Unlock()
	if headroom <= 0 {
		return
	}

	oversample := headroom * e.cfg.AdmissionBatchOversample
	if oversample < headroom {
		oversample = headroom
	}
	candidates, err := e.store.LoadReady(ctx, q, oversample)
	if err != nil {
		e.logError("load_ready_failed", q, "", err)
		return
	}
	if len(candidates) == 0 {
		return
	}
	batch := orderByEffectivePriority(candidates, time.Now(), e.cfg.StarvationThreshold, headroom)

	for _, t := range batch {
		e.dispatchCandidate(ctx, q, qcfg, t)
	}
}

// promoteDueRetries moves Pending tasks whose next_retry_at has elapsed back
// to Ready, mirroring the retry-timer wake condition.
func (e *Engine) promoteDueRetries(ctx context.Context, q taskstore.Queue) {
	due, err := e.store.ListDueRetries(ctx, q, time.Now(), 64)
	if err != nil {
		e.logError("list_due_retries_failed", q, "", err)
		return
	}
	for _, t := range due {
		id := t.ID
		err := e.store.Transition(ctx, id, taskstore.TaskPending, taskstore.TaskReady, func(task *taskstore.Task) {
			task.ReadySince = time.Now()
			task.NextRetryAt = nil
		})
		if err != nil && !errors.Is(err, taskstore.ErrStaleState) {
			e.logError("promote_retry_failed", q, id, err)
		}
	}
}

func (e *Engine) dispatchCandidate(ctx context.Context, q taskstore.Queue, qcfg QueueConfig, t *taskstore.Task) {
	e.mu.Lock()
	if e.inFlight[q] >= qcfg.MaxConcurrent {
		e.mu.Unlock()
		return
	}
	e.inFlight[q]++
	e.mu.Unlock()

	slotReleased := false
	releaseSlot := func() {
		if slotReleased {
			return
		}
		slotReleased = true
		e.mu.Lock()
		e.inFlight[q]--
		e.mu.Unlock()
	}

	spec, ok := e.registry.Lookup(q, t.Type)
	if !ok {
		releaseSlot()
		e.failTerminal(ctx, t, &taskstore.TaskError{Kind: taskstore.ErrValidation, Message: "no handler registered", Recoverable: false})
		return
	}

	for _, api := range spec.APIs {
		decision, wait := e.budget.Acquire(api, 1)
		if decision != ratebudget.Granted {
			releaseSlot()
			e.requeueWithDelay(ctx, t, wait, "rate_budget_wait")
			e.publish(ctx, taskstore.EventRateLimitExceeded, t.ID, t.CorrelationID, map[string]interface{}{"api": api})
			return
		}
	}

	var done breaker.Done
	if e.breakers != nil {
		var err error
		done, err = e.breakers.Allow(queueBreakerName(q))
		if err != nil {
			releaseSlot()
			cooldown := e.cfg.BackoffCap
			e.requeueWithDelay(ctx, t, cooldown, "circuit_open")
			return
		}
	}

	runCtx, cancel := context.WithTimeout(withHandlerContext(ctx, t.ID, t.CorrelationID), t.Timeout)
	taskID := t.ID
	err := e.store.Transition(ctx, taskID, taskstore.TaskReady, taskstore.TaskRunning, func(task *taskstore.Task) {
		now := time.Now()
		task.StartedAt = &now
	})
	if err != nil {
		cancel()
		releaseSlot()
		if done != nil {
			done(true) // not a dependency failure, just lost the CAS race
		}
		return
	}

	e.mu.Lock()
	e.cancelFuncs[taskID] = cancel
	e.mu.Unlock()

	e.logDecision(SchedulingDecision{Queue: string(q), Decision: "DISPATCH", TaskID: taskID, Priority: t.EffectivePriority})
	e.publish(ctx, taskstore.EventTaskStarted, taskID, t.CorrelationID, map[string]interface{}{"queue": string(q)})

	go e.execute(runCtx, cancel, q, qcfg, t, spec, releaseSlot, done)
}

func (e *Engine) execute(ctx context.Context, cancel context.CancelFunc, q taskstore.Queue, qcfg QueueConfig, t *taskstore.Task, spec HandlerSpec, releaseSlot func(), done breaker.Done) {
	resultCh := make(chan taskstore.Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- taskstore.Result{Err: &taskstore.TaskError{Kind: taskstore.ErrFatal, Message: fmt.Sprintf("handler panic: %v", r)}}
			}
		}()
		resultCh <- spec.Handler(ctx, t.Payload)
	}()

	var result taskstore.Result
	select {
	case result = <-resultCh:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			result = taskstore.Result{Err: &taskstore.TaskError{Kind: taskstore.ErrTimeout, Message: "handler deadline exceeded", Recoverable: true}}
		} else {
			result = taskstore.Result{Err: &taskstore.TaskError{Kind: taskstore.ErrCancelled, Message: "handler cancelled"}}
		}
	}

	cancel()
	e.mu.Lock()
	delete(e.cancelFuncs, t.ID)
	e.mu.Unlock()
	releaseSlot()

	if done != nil {
		done(isDependencyHealthy(result.Err))
	}

	e.wake(q)
	e.finish(context.Background(), q, qcfg, t, result)
}

// isDependencyHealthy reports whether a handler outcome should count as a
// "success" signal for the queue's circuit breaker. Validation/Cancelled/
// DependencyFailed/RateLimited outcomes say nothing about dependency health.
func isDependencyHealthy(err *taskstore.TaskError) bool {
	if err == nil {
		return true
	}
	switch err.Kind {
	case taskstore.ErrTransient, taskstore.ErrTimeout, taskstore.ErrFatal:
		return false
	default:
		return true
	}
}

func (e *Engine) finish(ctx context.Context, q taskstore.Queue, qcfg QueueConfig, t *taskstore.Task, result taskstore.Result) {
	if result.Err == nil {
		e.completeSuccess(ctx, q, t, result)
		return
	}
	switch result.Err.Kind {
	case taskstore.ErrCancelled:
		_ = e.store.Transition(ctx, t.ID, taskstore.TaskRunning, taskstore.TaskCancelled, func(task *taskstore.Task) {
			now := time.Now()
			task.CompletedAt = &now
			task.Result = &result
		})
		e.publish(ctx, taskstore.EventTaskFailed, t.ID, t.CorrelationID, map[string]interface{}{"reason": "cancelled"})
		e.cascadeFailureToDependents(ctx, t.ID)
		return
	case taskstore.ErrRateLimited:
		t.RateLimitRetries++
		if t.RateLimitRetries <= e.cfg.RateRetryCap {
			e.scheduleRetry(ctx, t, result, false)
			return
		}
		// fall through to terminal failure handling once the cap is exceeded
	}

	if result.Err.Recoverable && t.RetryCount < qcfg.MaxRetries {
		e.scheduleRetry(ctx, t, result, true)
		return
	}

	e.completeFailure(ctx, q, t, result)
}

func (e *Engine) scheduleRetry(ctx context.Context, t *taskstore.Task, result taskstore.Result, consumesRetry bool) {
	delay := backoff(e.cfg, t.RetryCount, func(max time.Duration) time.Duration {
		return time.Duration(rand.Int63n(int64(max) + 1))
	})
	next := time.Now().Add(delay)
	err := e.store.Transition(ctx, t.ID, taskstore.TaskRunning, taskstore.TaskPending, func(task *taskstore.Task) {
		if consumesRetry {
			task.RetryCount++
		}
		task.NextRetryAt = &next
		task.Result = &result
	})
	if err != nil && !errors.Is(err, taskstore.ErrStaleState) {
		e.logError("schedule_retry_failed", t.Queue, t.ID, err)
	}
	observability.TaskRetries.Inc()
	e.logDecision(SchedulingDecision{Queue: string(t.Queue), Decision: "RETRY_SCHEDULED", TaskID: t.ID, DelayMS: delay.Milliseconds(), Reason: string(result.Err.Kind)})
	e.publish(ctx, taskstore.EventTaskRetried, t.ID, t.CorrelationID, map[string]interface{}{
		"retry_count": t.RetryCount, "delay_ms": delay.Milliseconds(),
	})
}

func (e *Engine) requeueWithDelay(ctx context.Context, t *taskstore.Task, delay time.Duration, reason string) {
	next := time.Now().Add(delay)
	err := e.store.Transition(ctx, t.ID, taskstore.TaskReady, taskstore.TaskPending, func(task *taskstore.Task) {
		task.NextRetryAt = &next
	})
	if err != nil && !errors.Is(err, taskstore.ErrStaleState) {
		e.logError(reason+"_requeue_failed", t.Queue, t.ID, err)
		return
	}
	decision := "RATE_DELAY"
	if reason == "circuit_open" {
		decision = "CIRCUIT_SKIP"
	}
	e.logDecision(SchedulingDecision{Queue: string(t.Queue), Decision: decision, TaskID: t.ID, DelayMS: delay.Milliseconds(), Reason: reason})
}

func (e *Engine) completeSuccess(ctx context.Context, q taskstore.Queue, t *taskstore.Task, result taskstore.Result) {
	err := e.store.RecordResult(ctx, t.ID, taskstore.TaskCompleted, &result)
	if err != nil {
		e.logError("record_result_failed", q, t.ID, err)
		return
	}
	observability.TaskSuccesses.WithLabelValues(string(q)).Inc()
	e.publish(ctx, taskstore.EventTaskCompleted, t.ID, t.CorrelationID, nil)
	e.cascadeToDependents(ctx, t.ID)
}

func (e *Engine) completeFailure(ctx context.Context, q taskstore.Queue, t *taskstore.Task, result taskstore.Result) {
	err := e.store.RecordResult(ctx, t.ID, taskstore.TaskFailed, &result)
	if err != nil {
		e.logError("record_result_failed", q, t.ID, err)
		return
	}
	observability.TaskFailures.WithLabelValues(string(q), string(result.Err.Kind)).Inc()
	e.publish(ctx, taskstore.EventTaskFailed, t.ID, t.CorrelationID, map[string]interface{}{"kind": string(result.Err.Kind)})
	if result.Err.Kind == taskstore.ErrFatal {
		e.publish(ctx, taskstore.EventAlertRaised, t.ID, t.CorrelationID, map[string]interface{}{
			"severity": "Critical", "message": result.Err.Message,
		})
	}
	e.cascadeFailureToDependents(ctx, t.ID)
}

// failTerminal fails a task that was never dispatched (e.g. missing handler).
func (e *Engine) failTerminal(ctx context.Context, t *taskstore.Task, taskErr *taskstore.TaskError) {
	result := taskstore.Result{Err: taskErr}
	err := e.store.RecordResult(ctx, t.ID, taskstore.TaskFailed, &result)
	if err != nil && !errors.Is(err, taskstore.ErrStaleState) {
		e.logError("fail_terminal_failed", t.Queue, t.ID, err)
	}
	e.publish(ctx, taskstore.EventTaskFailed, t.ID, t.CorrelationID, map[string]interface{}{"kind": string(taskErr.Kind)})
	e.cascadeFailureToDependents(ctx, t.ID)
}

// cascadeToDependents promotes Pending dependents to Ready once every one of
// their dependencies has reached a terminal-success state.
func (e *Engine) cascadeToDependents(ctx context.Context, completedID string) {
	dependents, err := e.store.LoadDependents(ctx, completedID)
	if err != nil {
		return
	}
	for _, depID := range dependents {
		dep, err := e.store.GetTask(ctx, depID)
		if err != nil || dep.State != taskstore.TaskPending {
			continue
		}
		satisfied, err := e.dependenciesSatisfied(ctx, dep.Dependencies)
		if err != nil || !satisfied {
			continue
		}
		err = e.store.Transition(ctx, depID, taskstore.TaskPending, taskstore.TaskReady, func(task *taskstore.Task) {
			task.ReadySince = time.Now()
		})
		if err == nil {
			e.wake(dep.Queue)
		}
	}
}

// cascadeFailureToDependents transitions every non-terminal dependent to
// Cancelled(reason="dependency_failed") and recurses through the graph.
func (e *Engine) cascadeFailureToDependents(ctx context.Context, failedID string) {
	dependents, err := e.store.LoadDependents(ctx, failedID)
	if err != nil {
		return
	}
	for _, depID := range dependents {
		dep, err := e.store.GetTask(ctx, depID)
		if err != nil || dep.State.IsTerminal() {
			continue
		}
		from := dep.State
		result := taskstore.Result{Err: &taskstore.TaskError{Kind: taskstore.ErrDependencyFailed, Message: "upstream dependency failed"}}
		err = e.store.Transition(ctx, depID, from, taskstore.TaskCancelled, func(task *taskstore.Task) {
			now := time.Now()
			task.CompletedAt = &now
			task.Result = &result
		})
		if err != nil {
			continue
		}
		e.logDecision(SchedulingDecision{Queue: string(dep.Queue), Decision: "CASCADE_CANCEL", TaskID: depID, Reason: "dependency_failed"})
		e.publish(ctx, taskstore.EventTaskFailed, depID, dep.CorrelationID, map[string]interface{}{"reason": "dependency_failed"})
		e.cascadeFailureToDependents(ctx, depID)
	}
}

// Cancel transitions a Pending/Ready/Running task to Cancelled. On a
// Running task it signals the handler's context and waits up to
// cfg.CancelGrace before declaring it HandlerUnresponsive and proceeding
// anyway (the handler goroutine is considered leaked, never force-killed).
func (e *Engine) Cancel(ctx context.Context, taskID, reason string) error {
	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	switch t.State {
	case taskstore.TaskPending, taskstore.TaskReady:
		result := taskstore.Result{Err: &taskstore.TaskError{Kind: taskstore.ErrCancelled, Message: reason}}
		err := e.store.Transition(ctx, taskID, t.State, taskstore.TaskCancelled, func(task *taskstore.Task) {
			now := time.Now()
			task.CompletedAt = &now
			task.Result = &result
		})
		if err != nil {
			return err
		}
		e.publish(ctx, taskstore.EventTaskFailed, taskID, t.CorrelationID, map[string]interface{}{"reason": reason})
		e.cascadeFailureToDependents(ctx, taskID)
		return nil
	case taskstore.TaskRunning:
		e.mu.Lock()
		cancel, ok := e.cancelFuncs[taskID]
		e.mu.Unlock()
		if ok {
			cancel()
		}
		deadline := time.After(e.cfg.CancelGrace)
		for {
			select {
			case <-deadline:
				observability.TaskTimeouts.WithLabelValues(string(t.Queue)).Inc()
				e.logError("handler_unresponsive", t.Queue, taskID, errors.New(reason))
				return nil
			case <-time.After(50 * time.Millisecond):
				cur, err := e.store.GetTask(ctx, taskID)
				if err == nil && cur.State.IsTerminal() {
					return nil
				}
			}
		}
	default:
		return nil // already terminal
	}
}

// EmergencyStop cancels every non-terminal task across every configured
// queue and publishes EmergencyStop/QueuePaused.
func (e *Engine) EmergencyStop(ctx context.Context) error {
	observability.EmergencyStops.Inc()
	for q := range e.cfg.Queues {
		tasks, err := e.store.ListNonTerminal(ctx, q)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			_ = e.Cancel(ctx, t.ID, "emergency_stop")
		}
		e.publish(ctx, taskstore.EventQueuePaused, "", "", map[string]interface{}{"queue": string(q)})
	}
	e.publish(ctx, taskstore.EventEmergencyStop, "", "", nil)
	return nil
}

// logDecision emits d as a structured log line and increments the matching
// SchedulingDecisions counter, giving every admission/dispatch outcome one
// canonical record instead of the ad-hoc fields each call site used to log.
func (e *Engine) logDecision(d SchedulingDecision) {
	observability.SchedulingDecisions.WithLabelValues(d.Decision, d.Reason).Inc()
	if e.log == nil {
		return
	}
	logging.Log(e.log, "info", "scheduling decision", logging.Fields{
		"queue": d.Queue, "decision": d.Decision, "task_id": d.TaskID,
		"priority": d.Priority, "delay_ms": d.DelayMS, "reason": d.Reason,
	})
}

func (e *Engine) logError(op string, q taskstore.Queue, taskID string, err error) {
	if e.log == nil {
		return
	}
	logging.Log(e.log, "error", "engine operation failed", logging.Fields{
		"op": op, "queue": string(q), "task_id": taskID, "error": err,
	})
}
