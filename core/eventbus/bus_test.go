package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantrail/tradingcore/core/taskstore"
)

func newTestEvent(etype taskstore.EventType) *taskstore.Event {
	return &taskstore.Event{
		ID:        "ev-1",
		Type:      etype,
		Source:    "test",
		Timestamp: time.Now(),
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New("test", nil)
	defer b.Close()

	var received atomic.Int32
	b.Subscribe(taskstore.EventTaskCompleted, func(ctx context.Context, ev *taskstore.Event) {
		received.Add(1)
	})

	require.NoError(t, b.Publish(context.Background(), newTestEvent(taskstore.EventTaskCompleted)))

	waitFor(t, time.Second, func() bool { return received.Load() == 1 })
}

func TestSubscribeIsIdempotentPerHandlerIdentity(t *testing.T) {
	b := New("test", nil)
	defer b.Close()

	var calls atomic.Int32
	handler := func(ctx context.Context, ev *taskstore.Event) { calls.Add(1) }

	s1 := b.Subscribe(taskstore.EventTaskCompleted, handler)
	s2 := b.Subscribe(taskstore.EventTaskCompleted, handler)
	assert.Same(t, s1, s2)

	require.NoError(t, b.Publish(context.Background(), newTestEvent(taskstore.EventTaskCompleted)))
	waitFor(t, time.Second, func() bool { return calls.Load() == 1 })
}

func TestFIFOOrderingPerSubscriber(t *testing.T) {
	b := New("test", nil)
	defer b.Close()

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})
	count := 0

	b.Subscribe(taskstore.EventTaskCompleted, func(ctx context.Context, ev *taskstore.Event) {
		mu.Lock()
		order = append(order, ev.ID)
		count++
		if count == 50 {
			close(done)
		}
		mu.Unlock()
	})

	var expected []string
	for i := 0; i < 50; i++ {
		ev := newTestEvent(taskstore.EventTaskCompleted)
		ev.ID = string(rune('a' + i%26))
		expected = append(expected, ev.ID)
		require.NoError(t, b.Publish(context.Background(), ev))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive all events")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, order, 50)
	assert.Equal(t, expected, order)
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	b := New("test", nil)
	defer b.Close()

	var calls atomic.Int32
	b.Subscribe(taskstore.EventTaskFailed, func(ctx context.Context, ev *taskstore.Event) {
		calls.Add(1)
		panic(errors.New("boom"))
	})

	for i := 0; i < failureCircuitThreshold; i++ {
		require.NoError(t, b.Publish(context.Background(), newTestEvent(taskstore.EventTaskFailed)))
	}
	waitFor(t, time.Second, func() bool { return calls.Load() == int32(failureCircuitThreshold) })

	// Circuit now open: further events are dropped without invoking handler.
	require.NoError(t, b.Publish(context.Background(), newTestEvent(taskstore.EventTaskFailed)))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(failureCircuitThreshold), calls.Load())
}

func TestOverflowDropsOldestAndEmitsDeliveryDropped(t *testing.T) {
	b := New("test", nil)
	defer b.Close()

	block := make(chan struct{})
	started := make(chan struct{}, 1)
	var dropped atomic.Int32

	b.Subscribe(taskstore.EventTaskCompleted, func(ctx context.Context, ev *taskstore.Event) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-block
	})
	b.Subscribe(taskstore.EventDeliveryDropped, func(ctx context.Context, ev *taskstore.Event) {
		dropped.Add(1)
	})

	// First event is picked up by the consumer goroutine and blocks it;
	// flood past the queue capacity so an overflow drop is forced.
	require.NoError(t, b.Publish(context.Background(), newTestEvent(taskstore.EventTaskCompleted)))
	<-started

	for i := 0; i < defaultQueueSize+10; i++ {
		require.NoError(t, b.Publish(context.Background(), newTestEvent(taskstore.EventTaskCompleted)))
	}

	close(block)
	waitFor(t, 2*time.Second, func() bool { return dropped.Load() > 0 })
}
