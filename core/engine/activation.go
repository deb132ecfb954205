package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/quantrail/tradingcore/core/logging"
	"github.com/quantrail/tradingcore/core/observability"
	"github.com/quantrail/tradingcore/core/taskstore"
)

// activationLockKey is the single distributed lock every process started
// against the same backend contends for; only its holder may run the
// Engine's queue run loops.
const activationLockKey = "tradingcore:activation:engine"

// leaseMetadata is the JSON envelope stored as the lease's value, carrying
// enough to let reapStaleLeases fence out a lease minted under an older
// epoch without understanding the holder's internal state.
type leaseMetadata struct {
	NodeID    string    `json:"node_id"`
	Epoch     int64     `json:"epoch"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type activationEpochKey struct{}

// EpochFromContext extracts the fencing epoch Activation stamped onto the
// context it handed to onElected, for handlers that want to refuse a write
// if their epoch has since been superseded.
func EpochFromContext(ctx context.Context) (int64, bool) {
	v, ok := ctx.Value(activationEpochKey{}).(int64)
	return v, ok
}

// Activation lets exactly one process run the Engine's run loops against a
// shared store when more than one process is started against the same
// backend, using fencing-epoch leader election over taskstore.Coordinator
// and taskstore.Store's durable epoch counter. Adapted from
// control_plane/coordination's LeaderElector, unchanged in mechanism; the
// lock janitor's stale-lease sweep is folded into the same ticker loop
// rather than a second goroutine, since the only lock in play is the
// activation lease itself.
type Activation struct {
	coord  taskstore.Coordinator
	store  taskstore.Store
	nodeID string
	ttl    time.Duration
	log    *logging.Logger

	mu           sync.RWMutex
	isLeader     bool
	currentValue string
	currentEpoch int64
	leaderCtx    context.Context
	leaderCancel context.CancelFunc
	stepDownTime time.Time

	onElected func(context.Context)
	onLost    func()
}

// NewActivation builds an Activation. coord may be nil, in which case Start
// immediately and permanently elects this process leader — the single-node
// MemoryStore deployment case, where there is no second process to fence
// against.
func NewActivation(coord taskstore.Coordinator, store taskstore.Store, nodeID string, ttl time.Duration, log *logging.Logger) *Activation {
	return &Activation{coord: coord, store: store, nodeID: nodeID, ttl: ttl, log: log}
}

// SetCallbacks registers the functions invoked on election (with a context
// cancelled the instant leadership is lost) and on loss. Call before Start.
func (a *Activation) SetCallbacks(onElected func(ctx context.Context), onLost func()) {
	a.onElected = onElected
	a.onLost = onLost
}

// IsLeader reports whether this process currently holds activation.
func (a *Activation) IsLeader() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.isLeader
}

// Start launches the election loop; it returns immediately, the loop itself
// runs until ctx is cancelled.
func (a *Activation) Start(ctx context.Context) {
	if a.coord == nil {
		a.becomeLeader()
		return
	}
	go a.loop(ctx)
}

func (a *Activation) loop(ctx context.Context) {
	interval := a.ttl / 3
	minInterval := interval
	maxInterval := 10 * a.ttl
	janitorEvery := int(a.ttl / interval) // sweep stale leases roughly once per TTL
	if janitorEvery < 1 {
		janitorEvery = 1
	}

	ticks := 0
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if a.IsLeader() {
				a.release()
			}
			return
		case <-timer.C:
			ticks++
			var err error
			if a.IsLeader() {
				var renewed bool
				renewed, err = a.renew(ctx)
				if err == nil && !renewed {
					a.stepDown()
				}
			} else {
				var acquired bool
				acquired, err = a.acquire(ctx)
				if err == nil && acquired {
					a.becomeLeader()
				}
			}
			if ticks%janitorEvery == 0 {
				a.reapStaleLeases(ctx)
			}

			if err != nil {
				interval *= 2
				if interval > maxInterval {
					interval = maxInterval
				}
				logging.Log(a.log, "warn", "activation: coordination error, backing off", logging.Fields{"error": err, "backoff_ms": interval.Milliseconds()})
			} else {
				interval = minInterval
			}
			timer.Reset(interval)
		}
	}
}

func (a *Activation) acquire(ctx context.Context) (bool, error) {
	epoch, err := a.store.IncrementDurableEpoch(ctx, "engine_activation")
	if err != nil {
		return false, err
	}
	a.mu.Lock()
	a.currentEpoch = epoch
	a.mu.Unlock()

	meta := leaseMetadata{NodeID: a.nodeID, Epoch: epoch, CreatedAt: time.Now(), ExpiresAt: time.Now().Add(a.ttl)}
	blob, _ := json.Marshal(meta)
	acquired, err := a.coord.AcquireLease(ctx, activationLockKey, string(blob), a.ttl)
	if err != nil {
		return false, err
	}
	if acquired {
		a.mu.Lock()
		a.currentValue = string(blob)
		a.mu.Unlock()
	}
	return acquired, nil
}

func (a *Activation) renew(ctx context.Context) (bool, error) {
	a.mu.RLock()
	val := a.currentValue
	a.mu.RUnlock()
	if val == "" {
		return false, nil
	}
	return a.coord.RenewLease(ctx, activationLockKey, val, a.ttl)
}

func (a *Activation) release() {
	a.mu.RLock()
	val := a.currentValue
	a.mu.RUnlock()
	if val == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = a.coord.ReleaseLease(ctx, activationLockKey, val)
}

func (a *Activation) becomeLeader() {
	a.mu.Lock()
	a.isLeader = true
	ctx, cancel := context.WithCancel(context.Background())
	a.leaderCancel = cancel
	a.leaderCtx = context.WithValue(ctx, activationEpochKey{}, a.currentEpoch)
	epoch := a.currentEpoch
	var transitionSeconds float64
	hadStepDown := !a.stepDownTime.IsZero()
	if hadStepDown {
		transitionSeconds = time.Since(a.stepDownTime).Seconds()
		a.stepDownTime = time.Time{}
	}
	onElected := a.onElected
	leaderCtx := a.leaderCtx
	a.mu.Unlock()

	observability.ActivationTransitions.WithLabelValues(a.nodeID, "acquired").Inc()
	observability.ActivationStatus.Set(1)
	logging.Log(a.log, "info", "activation: acquired", logging.Fields{"node_id": a.nodeID, "epoch": epoch, "transition_seconds": transitionSeconds})

	if onElected != nil {
		go onElected(leaderCtx)
	}
}

func (a *Activation) stepDown() {
	a.mu.Lock()
	if !a.isLeader {
		a.mu.Unlock()
		return
	}
	a.isLeader = false
	a.stepDownTime = time.Now()
	if a.leaderCancel != nil {
		a.leaderCancel()
	}
	onLost := a.onLost
	a.mu.Unlock()

	observability.ActivationStatus.Set(0)
	observability.ActivationTransitions.WithLabelValues(a.nodeID, "lost").Inc()
	logging.Log(a.log, "warn", "activation: lost", logging.Fields{"node_id": a.nodeID})

	if onLost != nil {
		onLost()
	}
}

// reapStaleLeases scans the activation lock namespace for leases whose
// fencing epoch has been superseded or whose TTL has lapsed with a 5s grace
// period, force-releasing either, adapted from control_plane/coordination's
// LockJanitor.
func (a *Activation) reapStaleLeases(ctx context.Context) {
	currentEpoch, err := a.store.GetDurableEpoch(ctx, "engine_activation")
	if err != nil {
		logging.Log(a.log, "warn", "activation: janitor failed to read current epoch", logging.Fields{"error": err})
		return
	}

	keys, err := a.coord.ScanLocks(ctx, "tradingcore:activation:*")
	if err != nil {
		logging.Log(a.log, "warn", "activation: janitor scan failed", logging.Fields{"error": err})
		return
	}

	for _, key := range keys {
		val, err := a.coord.GetLockOwner(ctx, key)
		if err != nil || val == "" {
			continue
		}
		var meta leaseMetadata
		if err := json.Unmarshal([]byte(val), &meta); err != nil {
			continue
		}
		if meta.Epoch < currentEpoch {
			logging.Log(a.log, "warn", "activation: fencing stale lease", logging.Fields{"key": key, "lease_epoch": meta.Epoch, "current_epoch": currentEpoch})
			_ = a.coord.ReleaseLease(ctx, key, val)
			continue
		}
		if time.Now().After(meta.ExpiresAt.Add(5 * time.Second)) {
			logging.Log(a.log, "warn", "activation: reclaiming expired lease", logging.Fields{"key": key, "expired_at": meta.ExpiresAt})
			_ = a.coord.ReleaseLease(ctx, key, val)
		}
	}
}
