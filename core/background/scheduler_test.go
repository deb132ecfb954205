package background

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantrail/tradingcore/core/breaker"
	"github.com/quantrail/tradingcore/core/engine"
	"github.com/quantrail/tradingcore/core/eventbus"
	"github.com/quantrail/tradingcore/core/ratebudget"
	"github.com/quantrail/tradingcore/core/taskstore"
)

func newTestScheduler(t *testing.T) (*Scheduler, *engine.Engine, *taskstore.MemoryStore, *engine.Registry) {
	t.Helper()
	store := taskstore.NewMemoryStore()
	bus := eventbus.New("background_test", nil)
	budget := ratebudget.New()
	breakers := breaker.NewManager(breaker.DefaultConfig(), bus)
	registry := engine.NewRegistry()

	cfg := engine.DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	for q, qcfg := range cfg.Queues {
		qcfg.MaxConcurrent = 8
		cfg.Queues[q] = qcfg
	}
	eng := engine.New(cfg, store, bus, budget, breakers, registry, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go eng.Start(ctx)

	window := MarketWindow{Open: 0, Close: 24 * time.Hour, Location: time.UTC}
	sched := New(eng, store, nil, window)
	return sched, eng, store, registry
}

func TestRegisterPeriodicFiresOnSchedule(t *testing.T) {
	sched, _, _, registry := newTestScheduler(t)
	var calls int64
	registry.Register(taskstore.QueueDataFetcher, "ping", engine.HandlerSpec{
		Handler: func(ctx context.Context, payload map[string]interface{}) taskstore.Result {
			atomic.AddInt64(&calls, 1)
			return taskstore.Result{Value: map[string]interface{}{"ok": true}}
		},
	})

	sched.RegisterPeriodic("ping-loop", taskstore.QueueDataFetcher, "ping", nil, 20*time.Millisecond, 5, false)
	sched.Start(context.Background())
	defer sched.Stop()

	deadline := time.Now().Add(1 * time.Second)
	for time.Now().Before(deadline) && atomic.LoadInt64(&calls) < 3 {
		time.Sleep(10 * time.Millisecond)
	}
	assert.GreaterOrEqual(t, atomic.LoadInt64(&calls), int64(3))
}

func TestRegisterPeriodicSkipsOverlapWhenPriorStillRunning(t *testing.T) {
	sched, _, _, registry := newTestScheduler(t)
	release := make(chan struct{})
	var starts int64
	registry.Register(taskstore.QueuePortfolioSync, "slow", engine.HandlerSpec{
		Handler: func(ctx context.Context, payload map[string]interface{}) taskstore.Result {
			atomic.AddInt64(&starts, 1)
			<-release
			return taskstore.Result{Value: map[string]interface{}{"ok": true}}
		},
	})

	sched.RegisterPeriodic("slow-loop", taskstore.QueuePortfolioSync, "slow", nil, 15*time.Millisecond, 5, false)
	sched.Start(context.Background())
	defer func() {
		close(release)
		sched.Stop()
	}()

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) && atomic.LoadInt64(&starts) < 1 {
		time.Sleep(5 * time.Millisecond)
	}
	require.GreaterOrEqual(t, atomic.LoadInt64(&starts), int64(1))

	time.Sleep(150 * time.Millisecond)
	skipped, _, ok := sched.Stats("slow-loop")
	require.True(t, ok)
	assert.Greater(t, skipped, int64(0))
	assert.Equal(t, int64(1), atomic.LoadInt64(&starts))
}

func TestMarketWindowContainsRespectsOpenAndClose(t *testing.T) {
	w := DefaultMarketWindow()
	inside := time.Date(2026, 3, 2, 10, 0, 0, 0, w.Location)
	before := time.Date(2026, 3, 2, 8, 0, 0, 0, w.Location)
	after := time.Date(2026, 3, 2, 16, 0, 0, 0, w.Location)
	assert.True(t, w.contains(inside))
	assert.False(t, w.contains(before))
	assert.False(t, w.contains(after))
}
