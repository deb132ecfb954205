package taskstore

import (
	"context"
	"errors"
	"time"
)

// ErrAlreadyExists is returned by Admit when a task id is already present.
var ErrAlreadyExists = errors.New("taskstore: task already exists")

// ErrStaleState is returned by Transition when the current state doesn't
// match the expected "from" state (the CAS precondition failed).
var ErrStaleState = errors.New("taskstore: stale state")

// ErrNotFound is returned by lookups that find nothing.
var ErrNotFound = errors.New("taskstore: not found")

// Store is the durable, serializable store of tasks, workflows and events.
// Every mutating operation acquires a single domain lock per logical table
// (tasks, workflows, events); initialization operations are locked too, and
// no external call ever happens while a lock is held.
type Store interface {
	// Admit inserts a new Pending task, rejecting duplicate ids with
	// ErrAlreadyExists.
	Admit(ctx context.Context, task *Task) error

	// Transition performs a CAS-style state update: it succeeds only if the
	// task's current state equals from, applying patch atomically with the
	// state change. It returns ErrStaleState otherwise.
	Transition(ctx context.Context, id string, from, to TaskState, patch func(*Task)) error

	// LoadReady returns up to limit tasks in state Ready for the given queue,
	// ordered by (priority desc, created_at asc).
	LoadReady(ctx context.Context, queue Queue, limit int) ([]*Task, error)

	// LoadDependents returns the ids of tasks that declared id as a dependency.
	LoadDependents(ctx context.Context, id string) ([]string, error)

	// GetTask fetches a single task by id.
	GetTask(ctx context.Context, id string) (*Task, error)

	// RecordResult is atomic with a Transition to Completed/Failed: it
	// persists the handler's result alongside the state change.
	RecordResult(ctx context.Context, id string, to TaskState, result *Result) error

	// Retain deletes terminal tasks older than the policy threshold.
	Retain(ctx context.Context, policy RetentionPolicy) (int, error)

	// ListDueRetries returns Pending tasks whose next_retry_at has elapsed.
	ListDueRetries(ctx context.Context, queue Queue, now time.Time, limit int) ([]*Task, error)

	// ListNonTerminal returns every task for queue that has not reached a
	// terminal state (Pending, Ready, or Running), for use by EmergencyStop,
	// which must cancel the whole in-flight population rather than just the
	// Ready batch a run loop would normally admit.
	ListNonTerminal(ctx context.Context, queue Queue) ([]*Task, error)

	// Workflow operations.
	AdmitWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	UpdateWorkflow(ctx context.Context, wf *Workflow) error
	ListTasksByParentWorkflow(ctx context.Context, workflowID string) ([]*Task, error)
	ListNonTerminalWorkflows(ctx context.Context) ([]*Workflow, error)

	// Event log. Append-only; indexed conceptually by (correlation_id, timestamp).
	AppendEvent(ctx context.Context, ev *Event) error
	ListEventsByCorrelation(ctx context.Context, correlationID string) ([]*Event, error)

	// Coordination primitives, used for the engine activation lease's
	// fencing epoch.
	IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error)
	GetDurableEpoch(ctx context.Context, resourceID string) (int64, error)

	// Background-scheduler bookkeeping: last-fire timestamps survive restart
	// so missed ticks can be coalesced into one catch-up emission.
	GetLastFire(ctx context.Context, name string) (time.Time, bool, error)
	SetLastFire(ctx context.Context, name string, t time.Time) error

	// QueueStats returns a point-in-time snapshot for Monitoring; CircuitOpen
	// is left false here and filled in by the caller, which is the one side
	// that holds a breaker.Manager reference.
	QueueStats(ctx context.Context, queue Queue) (QueueStatus, error)
}
