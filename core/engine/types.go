// Package engine implements the scheduling engine: the per-queue run loops
// that turn admitted tasks into handler executions under dependency,
// priority, concurrency, rate, and circuit constraints.
package engine

import (
	"context"
	"time"

	"github.com/quantrail/tradingcore/core/taskstore"
)

// Handler is the contract every queue processor registers per task type.
// ctx carries cancellation, a deadline equal to the task's timeout, and the
// task's correlation_id (retrievable via CorrelationIDFromContext). Handlers
// must be idempotent: the engine may invoke them more than once across
// retries, and must respect ctx at suspension points.
type Handler func(ctx context.Context, payload map[string]interface{}) taskstore.Result

// HandlerSpec pairs a Handler with the external APIs it calls, so the engine
// can evaluate the Rate Budget on the handler's behalf before dispatch.
type HandlerSpec struct {
	Handler Handler
	APIs    []string
}

// QueueConfig tunes one queue's admission and retry behavior.
type QueueConfig struct {
	Enabled        bool
	MaxConcurrent  int
	MaxRetries     int
	DefaultTimeout time.Duration
}

// DefaultQueueConfig matches spec defaults: max_concurrent=4.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Enabled:        true,
		MaxConcurrent:  4,
		MaxRetries:     3,
		DefaultTimeout: 30 * time.Second,
	}
}

// Config is the engine-wide tuning surface.
type Config struct {
	Queues map[taskstore.Queue]QueueConfig

	// StarvationThreshold is the age at which a Ready task's effective
	// priority begins aging upward (default 10 minutes).
	StarvationThreshold time.Duration

	// BackoffBase/BackoffCap parameterize
	// backoff(n) = min(base*2^n, cap) + jitter, jitter in [0, base).
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// RateRetryCap bounds how many RateLimited outcomes a task may absorb
	// without counting against max_retries before it's treated as exhausted.
	RateRetryCap int

	// CancelGrace bounds how long a Cancel waits for a running handler to
	// return before declaring it HandlerUnresponsive.
	CancelGrace time.Duration

	// pollInterval drives the run loop's fallback wake tick; overridable by
	// tests for fast convergence.
	PollInterval time.Duration

	// AdmissionBatchOversample controls how many Ready tasks beyond the
	// queue's concurrency headroom are pulled from the store so starvation
	// aging can re-rank the batch in memory before truncating it.
	AdmissionBatchOversample int
}

// DefaultConfig returns the spec's documented defaults for all three queues.
func DefaultConfig() Config {
	return Config{
		Queues: map[taskstore.Queue]QueueConfig{
			taskstore.QueuePortfolioSync: DefaultQueueConfig(),
			taskstore.QueueDataFetcher:   DefaultQueueConfig(),
			taskstore.QueueAIAnalysis:    DefaultQueueConfig(),
		},
		StarvationThreshold:      10 * time.Minute,
		BackoffBase:              time.Second,
		BackoffCap:               60 * time.Second,
		RateRetryCap:             10,
		CancelGrace:              5 * time.Second,
		PollInterval:             200 * time.Millisecond,
		AdmissionBatchOversample: 4,
	}
}

// SchedulingDecision is a structured log entry for one admission decision.
type SchedulingDecision struct {
	Queue    string `json:"queue"`
	Decision string `json:"decision"` // DISPATCH, RATE_DELAY, CIRCUIT_SKIP, RETRY_SCHEDULED, CASCADE_CANCEL
	TaskID   string `json:"task_id"`
	Priority int    `json:"priority,omitempty"`
	DelayMS  int64  `json:"delay_ms,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// backoff computes min(base*2^n, cap) + jitter, jitter uniform in [0, base).
func backoff(cfg Config, n int, jitter func(max time.Duration) time.Duration) time.Duration {
	d := cfg.BackoffBase
	for i := 0; i < n; i++ {
		d *= 2
		if d >= cfg.BackoffCap {
			d = cfg.BackoffCap
			break
		}
	}
	if jitter != nil {
		d += jitter(cfg.BackoffBase)
	}
	return d
}

func queueBreakerName(q taskstore.Queue) string {
	return "queue:" + string(q)
}
