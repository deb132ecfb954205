// Package taskstore implements the durable, lock-protected persistence layer for
// tasks, workflows, and events described by the scheduling core.
package taskstore

import (
	"time"
)

// Queue names the three work streams the core coordinates.
type Queue string

const (
	QueuePortfolioSync Queue = "PortfolioSync"
	QueueDataFetcher   Queue = "DataFetcher"
	QueueAIAnalysis    Queue = "AIAnalysis"
)

// TaskState is the task lifecycle state machine described in the data model.
type TaskState string

const (
	TaskPending   TaskState = "Pending"
	TaskReady     TaskState = "Ready"
	TaskRunning   TaskState = "Running"
	TaskCompleted TaskState = "Completed"
	TaskFailed    TaskState = "Failed"
	TaskCancelled TaskState = "Cancelled"
	TaskExpired   TaskState = "Expired"
)

// IsTerminal reports whether the state cannot be transitioned out of.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskExpired:
		return true
	default:
		return false
	}
}

// IsTerminalSuccess reports whether the state counts as a satisfied dependency.
func (s TaskState) IsTerminalSuccess() bool {
	return s == TaskCompleted
}

// ErrorKind is the taxonomy of failure kinds a handler result can carry. These
// are kinds, not concrete error types: the engine pattern-matches on them to
// decide retry vs. terminal disposition.
type ErrorKind string

const (
	ErrValidation       ErrorKind = "Validation"
	ErrTransient        ErrorKind = "Transient"
	ErrRateLimited      ErrorKind = "RateLimited"
	ErrTimeout          ErrorKind = "Timeout"
	ErrCircuitOpen      ErrorKind = "CircuitOpen"
	ErrDependencyFailed ErrorKind = "DependencyFailed"
	ErrFatal            ErrorKind = "Fatal"
	ErrCancelled        ErrorKind = "Cancelled"
)

// TaskError is the structured failure a handler or the engine attaches to a task.
type TaskError struct {
	Kind        ErrorKind     `json:"kind"`
	Message     string        `json:"message"`
	Recoverable bool          `json:"recoverable"`
	RetryAfter  time.Duration `json:"retry_after,omitempty"`
}

func (e *TaskError) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Kind) + ": " + e.Message
}

// Result is what a handler hands back to the engine. Exactly one of Value or
// Err is set. Once handed to the engine for a state transition, it is immutable.
type Result struct {
	Value map[string]interface{} `json:"value,omitempty"`
	Err   *TaskError             `json:"error,omitempty"`
}

// Task is the unit of work the scheduling engine admits, schedules, and retires.
type Task struct {
	ID               string                 `json:"id" db:"id"`
	Queue            Queue                  `json:"queue" db:"queue"`
	Type             string                 `json:"type" db:"type"`
	Payload          map[string]interface{} `json:"payload" db:"payload_blob"`
	Priority         int                    `json:"priority" db:"priority"`
	Dependencies     []string               `json:"dependencies" db:"deps_blob"`
	State            TaskState              `json:"state" db:"state"`
	RetryCount       int                    `json:"retry_count" db:"retry_count"`
	MaxRetries       int                    `json:"max_retries" db:"max_retries"`
	NextRetryAt      *time.Time             `json:"next_retry_at,omitempty" db:"next_retry_at"`
	Timeout          time.Duration          `json:"timeout" db:"timeout_ms"`
	CreatedAt        time.Time              `json:"created_at" db:"created_at"`
	StartedAt        *time.Time             `json:"started_at,omitempty" db:"started_at"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty" db:"completed_at"`
	Result           *Result                `json:"result,omitempty" db:"result_blob"`
	CorrelationID    string                 `json:"correlation_id" db:"correlation_id"`
	ParentWorkflowID string                 `json:"parent_workflow_id,omitempty" db:"parent_workflow_id"`

	// RateLimitRetries counts RateLimited failures that didn't consume a
	// normal retry, capped separately per the error taxonomy's rate_retry_cap.
	RateLimitRetries int `json:"rate_limit_retries"`

	// EffectivePriority is mutated by the starvation-avoidance aging rule; it
	// starts equal to Priority and is never the persisted base value.
	EffectivePriority int       `json:"-"`
	ReadySince        time.Time `json:"-"`
}

// Clone returns a deep-enough copy safe for a caller to mutate without
// affecting the store's own copy (payload/dependencies/result are copied).
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Payload != nil {
		c.Payload = make(map[string]interface{}, len(t.Payload))
		for k, v := range t.Payload {
			c.Payload[k] = v
		}
	}
	if t.Dependencies != nil {
		c.Dependencies = append([]string(nil), t.Dependencies...)
	}
	if t.Result != nil {
		r := *t.Result
		c.Result = &r
	}
	return &c
}

// WorkflowMode selects how the orchestration layer composes a workflow's steps.
type WorkflowMode string

const (
	ModeSequential  WorkflowMode = "Sequential"
	ModeParallel    WorkflowMode = "Parallel"
	ModeConditional WorkflowMode = "Conditional"
	ModeEventDriven WorkflowMode = "EventDriven"
)

// WorkflowState is the lifecycle state of a workflow instance.
type WorkflowState string

const (
	WorkflowPending   WorkflowState = "Pending"
	WorkflowRunning   WorkflowState = "Running"
	WorkflowCompleted WorkflowState = "Completed"
	WorkflowFailed    WorkflowState = "Failed"
	WorkflowCancelled WorkflowState = "Cancelled"
)

// StepDescriptor describes one unit of work a workflow will submit as a Task.
type StepDescriptor struct {
	ID         string                 `json:"id"`
	Queue      Queue                  `json:"queue"`
	Type       string                 `json:"type"`
	Payload    map[string]interface{} `json:"payload"`
	Priority   int                    `json:"priority"`
	MaxRetries int                    `json:"max_retries"`
	Timeout    time.Duration          `json:"timeout"`

	// Predicate is used only in Conditional mode: evaluated against the
	// accumulated results of prior completed steps, keyed by step id. Left
	// nil for unconditional steps in other modes.
	Predicate func(priorResults map[string]Result) bool `json:"-"`

	FailFast bool `json:"fail_fast,omitempty"`
}

// EventFilter describes the trigger an EventDriven workflow subscribes to.
type EventFilter struct {
	Types []EventType `json:"types"`
}

// StepRecord is the orchestration layer's per-step bookkeeping entry.
type StepRecord struct {
	StepID string    `json:"step_id"`
	TaskID string    `json:"task_id"`
	State  TaskState `json:"state"`
	Result *Result   `json:"result,omitempty"`
}

// Workflow is the runtime composition of tasks tracked by the orchestration layer.
type Workflow struct {
	ID          string           `json:"id" db:"id"`
	Mode        WorkflowMode     `json:"mode" db:"mode"`
	Steps       []StepDescriptor `json:"steps" db:"definition_blob"`
	Filter      *EventFilter     `json:"filter,omitempty"`
	State       WorkflowState    `json:"state" db:"state"`
	CreatedAt   time.Time        `json:"created_at" db:"created_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty" db:"completed_at"`

	// Progress is the per-step record (step id -> task id -> state) the
	// orchestration layer maintains and rebuilds on restart by scanning
	// tasks with parent_workflow_id set.
	Progress map[string]*StepRecord `json:"progress"`

	CorrelationID string `json:"correlation_id"`
}

// EventType is the closed enum of wire-level-stable event names.
type EventType string

const (
	EventTaskCreated            EventType = "TaskCreated"
	EventTaskStarted            EventType = "TaskStarted"
	EventTaskCompleted          EventType = "TaskCompleted"
	EventTaskFailed             EventType = "TaskFailed"
	EventTaskRetried            EventType = "TaskRetried"
	EventQueuePaused            EventType = "QueuePaused"
	EventQueueResumed           EventType = "QueueResumed"
	EventCircuitOpened          EventType = "CircuitOpened"
	EventCircuitClosed          EventType = "CircuitClosed"
	EventWorkflowCompleted      EventType = "WorkflowCompleted"
	EventRateLimitExceeded      EventType = "RateLimitExceeded"
	EventPortfolioUpdated       EventType = "PortfolioUpdated"
	EventNewsIngested           EventType = "NewsIngested"
	EventEarningsIngested       EventType = "EarningsIngested"
	EventRecommendationProduced EventType = "RecommendationProduced"
	EventEmergencyStop          EventType = "EmergencyStop"
	EventDeliveryDropped        EventType = "DeliveryDropped"
	EventAlertRaised            EventType = "AlertRaised"
)

// Event is an immutable fact published on the bus. It is never mutated after
// Publish returns.
type Event struct {
	ID            string                 `json:"id"`
	Type          EventType              `json:"type"`
	Source        string                 `json:"source"`
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlation_id"`
	Payload       map[string]interface{} `json:"payload"`
}

// QueueStatus is the derived, not-primary-stored snapshot Monitoring samples.
type QueueStatus struct {
	Queue          Queue         `json:"queue"`
	Pending        int           `json:"pending"`
	Ready          int           `json:"ready"`
	Running        int           `json:"running"`
	CompletedTotal uint64        `json:"completed_total"`
	FailedTotal    uint64        `json:"failed_total"`
	OldestReadyAge time.Duration `json:"oldest_ready_age"`
	CircuitOpen    bool          `json:"circuit_open"`
	SampledAt      time.Time     `json:"sampled_at"`
}

// RetentionPolicy configures how long terminal tasks are kept before Retain
// deletes them.
type RetentionPolicy struct {
	CompletedAfter time.Duration
	FailedAfter    time.Duration
}

// DefaultRetentionPolicy matches the data model's default figures (24h / 7d).
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		CompletedAfter: 24 * time.Hour,
		FailedAfter:    7 * 24 * time.Hour,
	}
}
