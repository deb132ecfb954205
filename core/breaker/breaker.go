// Package breaker wraps github.com/sony/gobreaker's TwoStepCircuitBreaker to
// give every named dependency (the task store, each queue, each external
// API) its own Closed/Open/HalfOpen state machine with a single half-open
// probe, matching the scheduler's Allow-then-report dispatch contract.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/quantrail/tradingcore/core/eventbus"
	"github.com/quantrail/tradingcore/core/observability"
	"github.com/quantrail/tradingcore/core/taskstore"
)

// Config tunes one dependency's breaker. N and M mirror the "N consecutive
// or M in a window" trip rule; Window is the rolling counts interval
// gobreaker itself resets while closed; Cooldown is the open->half-open
// timeout.
type Config struct {
	ConsecutiveFailures uint32
	TotalFailuresInWindow uint32
	Window                time.Duration
	Cooldown              time.Duration
}

// DefaultConfig matches spec defaults: N=5, window=60s, cooldown=30s.
func DefaultConfig() Config {
	return Config{
		ConsecutiveFailures:   5,
		TotalFailuresInWindow: 5,
		Window:                60 * time.Second,
		Cooldown:              30 * time.Second,
	}
}

// Manager owns one TwoStepCircuitBreaker per dependency name, lazily
// constructed on first use from a shared Config.
type Manager struct {
	mu      sync.Mutex
	cfg     Config
	bus     *eventbus.Bus
	circuits map[string]*gobreaker.TwoStepCircuitBreaker[struct{}]
}

// NewManager builds a Manager; cfg applies to every dependency.
func NewManager(cfg Config, bus *eventbus.Bus) *Manager {
	return &Manager{
		cfg:      cfg,
		bus:      bus,
		circuits: make(map[string]*gobreaker.TwoStepCircuitBreaker[struct{}]),
	}
}

func (m *Manager) settingsFor(name string, cfg Config) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    cfg.Window,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures ||
				counts.TotalFailures >= cfg.TotalFailuresInWindow
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			m.publishTransition(name, from, to)
		},
	}
}

func (m *Manager) publishTransition(name string, from, to gobreaker.State) {
	observability.CircuitState.WithLabelValues(name).Set(circuitStateValue(to))

	if m.bus == nil {
		return
	}
	var etype taskstore.EventType
	switch to {
	case gobreaker.StateOpen:
		etype = taskstore.EventCircuitOpened
	case gobreaker.StateClosed:
		etype = taskstore.EventCircuitClosed
	default:
		return // half-open transitions aren't independently observable events
	}
	_ = m.bus.Publish(context.Background(), &taskstore.Event{
		Type:   etype,
		Source: "breaker",
		Payload: map[string]interface{}{
			"dependency": name,
			"from":       from.String(),
			"to":         to.String(),
		},
	})
}

func circuitStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

func (m *Manager) circuitFor(name string) *gobreaker.TwoStepCircuitBreaker[struct{}] {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.circuits[name]; ok {
		return cb
	}
	cb := gobreaker.NewTwoStepCircuitBreaker[struct{}](m.settingsFor(name, m.cfg))
	m.circuits[name] = cb
	return cb
}

// ErrOpen is returned by Allow when the named dependency's circuit is open
// or its single half-open probe slot is already taken.
type ErrOpen struct{ Dependency string }

func (e *ErrOpen) Error() string {
	return fmt.Sprintf("circuit open for dependency %q", e.Dependency)
}

// Done reports the outcome of the call that Allow admitted.
type Done func(success bool)

// Allow checks out a slot to call dependency. On success it returns a Done
// closure the caller must invoke exactly once with the outcome; on
// CircuitOpen it returns ErrOpen and a no-op Done.
func (m *Manager) Allow(dependency string) (Done, error) {
	cb := m.circuitFor(dependency)
	done, err := cb.Allow()
	if err != nil {
		return func(bool) {}, &ErrOpen{Dependency: dependency}
	}
	return func(success bool) { done(success) }, nil
}

// State returns the current state name for dependency, for status reporting.
func (m *Manager) State(dependency string) string {
	return m.circuitFor(dependency).State().String()
}
