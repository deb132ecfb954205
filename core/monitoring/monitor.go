// Package monitoring samples queue status and raises throttled alerts on
// threshold breach, per spec.md §4.9.
package monitoring

import (
	"context"
	"time"

	"github.com/google/uuid"
	catrate "github.com/joeycumines/go-catrate"

	"github.com/quantrail/tradingcore/core/breaker"
	"github.com/quantrail/tradingcore/core/eventbus"
	"github.com/quantrail/tradingcore/core/logging"
	"github.com/quantrail/tradingcore/core/observability"
	"github.com/quantrail/tradingcore/core/taskstore"
)

// Severity is the closed set of AlertRaised severities from spec.md §4.9.
type Severity string

const (
	SeverityInfo     Severity = "Info"
	SeverityWarning  Severity = "Warning"
	SeverityError    Severity = "Error"
	SeverityCritical Severity = "Critical"
)

// Thresholds configures when a queue snapshot triggers an AlertRaised event.
type Thresholds struct {
	ErrorRate        float64       // FailedTotal / (FailedTotal + CompletedTotal)
	QueueDepth       int           // Ready count
	OldestPendingAge time.Duration // OldestReadyAge
}

// DefaultThresholds matches the conservative defaults a trading desk would
// alert on: a tenth of completions failing, 500 tasks backed up, or anything
// waiting more than five minutes.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ErrorRate:        0.10,
		QueueDepth:       500,
		OldestPendingAge: 5 * time.Minute,
	}
}

// Monitor periodically samples every watched queue's QueueStatus and
// publishes AlertRaised when a threshold is breached, throttled per
// (queue, severity) pair so a sustained breach produces one alert per window
// rather than one per tick.
type Monitor struct {
	store      taskstore.Store
	bus        *eventbus.Bus
	breakers   *breaker.Manager
	log        *logging.Logger
	queues     []taskstore.Queue
	thresholds Thresholds
	interval   time.Duration
	limiter    *catrate.Limiter
}

// New constructs a Monitor. alertWindow bounds how often the same
// (queue, severity) alert condition may re-fire; pass 0 to disable
// throttling entirely.
func New(store taskstore.Store, bus *eventbus.Bus, breakers *breaker.Manager, log *logging.Logger, queues []taskstore.Queue, thresholds Thresholds, interval, alertWindow time.Duration) *Monitor {
	var limiter *catrate.Limiter
	if alertWindow > 0 {
		limiter = catrate.NewLimiter(map[time.Duration]int{alertWindow: 1})
	}
	return &Monitor{
		store:      store,
		bus:        bus,
		breakers:   breakers,
		log:        log,
		queues:     queues,
		thresholds: thresholds,
		interval:   interval,
		limiter:    limiter,
	}
}

// Start launches the sampling loop; it returns once ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	go m.loop(ctx)
}

func (m *Monitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample(ctx)
		}
	}
}

// Snapshot returns the current QueueStatus for every watched queue, with
// CircuitOpen filled in from the breaker manager (the store itself has no
// visibility into circuit state).
func (m *Monitor) Snapshot(ctx context.Context) ([]taskstore.QueueStatus, error) {
	out := make([]taskstore.QueueStatus, 0, len(m.queues))
	for _, q := range m.queues {
		status, err := m.store.QueueStats(ctx, q)
		if err != nil {
			return nil, err
		}
		if m.breakers != nil {
			status.CircuitOpen = m.breakers.State(string(q)) == "open"
		}
		out = append(out, status)
	}
	return out, nil
}

func (m *Monitor) sample(ctx context.Context) {
	statuses, err := m.Snapshot(ctx)
	if err != nil {
		logging.Log(m.log, "warn", "monitoring: snapshot failed", logging.Fields{"error": err})
		return
	}
	for _, status := range statuses {
		observability.QueueDepth.WithLabelValues(string(status.Queue)).Set(float64(status.Ready))
		observability.QueueOldestReadyAgeSeconds.WithLabelValues(string(status.Queue)).Set(status.OldestReadyAge.Seconds())

		if status.Ready > m.thresholds.QueueDepth {
			m.raiseAlert(ctx, string(status.Queue), SeverityWarning, "queue depth exceeded threshold", status)
		}
		if status.OldestReadyAge > m.thresholds.OldestPendingAge {
			m.raiseAlert(ctx, string(status.Queue), SeverityWarning, "oldest ready task exceeded age threshold", status)
		}
		if total := status.CompletedTotal + status.FailedTotal; total > 0 {
			if errorRate := float64(status.FailedTotal) / float64(total); errorRate > m.thresholds.ErrorRate {
				m.raiseAlert(ctx, string(status.Queue), SeverityError, "error rate exceeded threshold", status)
			}
		}
		if status.CircuitOpen {
			m.raiseAlert(ctx, string(status.Queue), SeverityCritical, "circuit breaker open", status)
		}
	}
}

func (m *Monitor) raiseAlert(ctx context.Context, dependency string, severity Severity, message string, status taskstore.QueueStatus) {
	if m.limiter != nil {
		category := dependency + "|" + string(severity)
		if _, ok := m.limiter.Allow(category); !ok {
			return
		}
	}
	observability.AlertsRaised.WithLabelValues(string(severity)).Inc()
	ev := &taskstore.Event{
		ID:        uuid.NewString(),
		Type:      taskstore.EventAlertRaised,
		Source:    "monitoring",
		Timestamp: time.Now(),
		Payload: map[string]interface{}{
			"dependency":          dependency,
			"severity":            string(severity),
			"message":             message,
			"queue_depth":         status.Ready,
			"oldest_ready_age_ms": status.OldestReadyAge.Milliseconds(),
		},
	}
	if err := m.bus.Publish(ctx, ev); err != nil {
		logging.Log(m.log, "warn", "monitoring: failed to publish alert", logging.Fields{"error": err})
	}
}
