package monitoring

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantrail/tradingcore/core/breaker"
	"github.com/quantrail/tradingcore/core/eventbus"
	"github.com/quantrail/tradingcore/core/taskstore"
)

func drainAlerts(t *testing.T, bus *eventbus.Bus) <-chan *taskstore.Event {
	t.Helper()
	ch := make(chan *taskstore.Event, 16)
	bus.Subscribe(taskstore.EventAlertRaised, func(ctx context.Context, ev *taskstore.Event) {
		ch <- ev
	})
	return ch
}

func TestMonitorRaisesAlertOnQueueDepthBreach(t *testing.T) {
	store := taskstore.NewMemoryStore()
	bus := eventbus.New("monitoring_test", nil)
	breakers := breaker.NewManager(breaker.DefaultConfig(), bus)
	ch := drainAlerts(t, bus)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Admit(context.Background(), &taskstore.Task{
			ID: "t" + string(rune('a'+i)), Queue: taskstore.QueuePortfolioSync, State: taskstore.TaskReady,
			CreatedAt: time.Now(), ReadySince: time.Now(),
		}))
	}

	thresholds := Thresholds{ErrorRate: 1.0, QueueDepth: 2, OldestPendingAge: time.Hour}
	mon := New(store, bus, breakers, nil, []taskstore.Queue{taskstore.QueuePortfolioSync}, thresholds, 10*time.Millisecond, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mon.Start(ctx)

	select {
	case ev := <-ch:
		assert.Equal(t, "queue depth exceeded threshold", ev.Payload["message"])
		assert.Equal(t, string(SeverityWarning), ev.Payload["severity"])
	case <-time.After(1 * time.Second):
		t.Fatal("expected an AlertRaised event for queue depth breach")
	}
}

func TestMonitorThrottlesRepeatedAlerts(t *testing.T) {
	store := taskstore.NewMemoryStore()
	bus := eventbus.New("monitoring_test", nil)
	breakers := breaker.NewManager(breaker.DefaultConfig(), bus)
	ch := drainAlerts(t, bus)

	require.NoError(t, store.Admit(context.Background(), &taskstore.Task{
		ID: "overflow", Queue: taskstore.QueueDataFetcher, State: taskstore.TaskReady,
		CreatedAt: time.Now(), ReadySince: time.Now(),
	}))

	thresholds := Thresholds{ErrorRate: 1.0, QueueDepth: 0, OldestPendingAge: time.Hour}
	mon := New(store, bus, breakers, nil, []taskstore.Queue{taskstore.QueueDataFetcher}, thresholds, 10*time.Millisecond, 1*time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mon.Start(ctx)

	var count int
	deadline := time.After(300 * time.Millisecond)
loop:
	for {
		select {
		case <-ch:
			count++
		case <-deadline:
			break loop
		}
	}
	assert.Equal(t, 1, count)
}

func TestDependencyWatchdogRaisesCriticalAlertOnFailure(t *testing.T) {
	bus := eventbus.New("monitoring_test", nil)
	ch := drainAlerts(t, bus)

	w := NewDependencyWatchdog(bus, nil, 10*time.Millisecond, 0)
	w.Watch("broker", func(ctx context.Context) error {
		return errors.New("connection refused")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	select {
	case ev := <-ch:
		assert.Equal(t, "broker", ev.Payload["dependency"])
		assert.Equal(t, string(SeverityCritical), ev.Payload["severity"])
	case <-time.After(1 * time.Second):
		t.Fatal("expected a Critical AlertRaised event for the unreachable dependency")
	}
	assert.False(t, w.Healthy("broker"))
}

func TestDependencyWatchdogTracksRecovery(t *testing.T) {
	bus := eventbus.New("monitoring_test", nil)
	w := NewDependencyWatchdog(bus, nil, 10*time.Millisecond, 0)

	var fail atomic.Bool
	fail.Store(true)
	w.Watch("market_data", func(ctx context.Context) error {
		if fail.Load() {
			return errors.New("timeout")
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	time.Sleep(50 * time.Millisecond)
	assert.False(t, w.Healthy("market_data"))

	fail.Store(false)
	time.Sleep(50 * time.Millisecond)
	assert.True(t, w.Healthy("market_data"))
}
