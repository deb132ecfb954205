package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantrail/tradingcore/core/taskstore"
)

// fakeCoordinator is an in-process taskstore.Coordinator good enough to
// exercise Activation's acquire/renew/release/fencing logic without a real
// Redis instance.
type fakeCoordinator struct {
	mu     sync.Mutex
	leases map[string]string
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{leases: make(map[string]string)}
}

func (c *fakeCoordinator) AcquireLock(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error) {
	return c.AcquireLease(ctx, key, ownerID, ttl)
}
func (c *fakeCoordinator) RenewLock(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error) {
	return c.RenewLease(ctx, key, ownerID, ttl)
}
func (c *fakeCoordinator) ReleaseLock(ctx context.Context, key, ownerID string) error {
	return c.ReleaseLease(ctx, key, ownerID)
}
func (c *fakeCoordinator) GetLockOwner(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leases[key], nil
}
func (c *fakeCoordinator) AcquireLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.leases[key]; ok && existing != "" {
		return false, nil
	}
	c.leases[key] = value
	return true, nil
}
func (c *fakeCoordinator) RenewLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leases[key] != value {
		return false, nil
	}
	return true, nil
}
func (c *fakeCoordinator) ReleaseLease(ctx context.Context, key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leases[key] == value {
		delete(c.leases, key)
	}
	return nil
}
func (c *fakeCoordinator) IsLeaseOwner(ctx context.Context, key, value string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leases[key] == value, nil
}
func (c *fakeCoordinator) IncrementEpoch(ctx context.Context, key string) (int64, error) {
	return 0, nil
}
func (c *fakeCoordinator) ScanLocks(ctx context.Context, pattern string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.leases))
	for k := range c.leases {
		keys = append(keys, k)
	}
	return keys, nil
}

func TestActivationSingleNodeElectsImmediately(t *testing.T) {
	store := taskstore.NewMemoryStore()
	act := NewActivation(nil, store, "node-a", time.Second, nil)

	electedCh := make(chan struct{}, 1)
	act.SetCallbacks(func(ctx context.Context) { electedCh <- struct{}{} }, func() {})
	act.Start(context.Background())

	assert.True(t, act.IsLeader())
	select {
	case <-electedCh:
	case <-time.After(time.Second):
		t.Fatal("onElected was never called")
	}
}

func TestActivationOnlyOneOfTwoNodesElectsLeader(t *testing.T) {
	store := taskstore.NewMemoryStore()
	coord := newFakeCoordinator()

	a := NewActivation(coord, store, "node-a", 50*time.Millisecond, nil)
	b := NewActivation(coord, store, "node-b", 50*time.Millisecond, nil)
	a.SetCallbacks(func(context.Context) {}, func() {})
	b.SetCallbacks(func(context.Context) {}, func() {})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)
	b.Start(ctx)

	require.Eventually(t, func() bool {
		return a.IsLeader() != b.IsLeader()
	}, 2*time.Second, 10*time.Millisecond, "exactly one node should hold activation")
}

func TestActivationStepsDownWhenLeaseLost(t *testing.T) {
	store := taskstore.NewMemoryStore()
	coord := newFakeCoordinator()

	act := NewActivation(coord, store, "node-a", 30*time.Millisecond, nil)
	var lostCalled bool
	var mu sync.Mutex
	act.SetCallbacks(func(context.Context) {}, func() {
		mu.Lock()
		lostCalled = true
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	act.Start(ctx)

	require.Eventually(t, func() bool { return act.IsLeader() }, time.Second, 5*time.Millisecond)

	// steal the lease out from under the current holder to simulate it
	// expiring and another process reclaiming it.
	coord.mu.Lock()
	for k := range coord.leases {
		coord.leases[k] = "stolen"
	}
	coord.mu.Unlock()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return lostCalled
	}, 2*time.Second, 10*time.Millisecond, "onLost should fire once the lease is no longer ours")
}
