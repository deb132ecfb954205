package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/quantrail/tradingcore/core/logging"
)

// VersionedValue is a value paired with the version it was written at, used
// to detect whether the durable store already holds something newer than a
// buffered write.
type VersionedValue struct {
	Value     interface{}
	Version   int64
	Timestamp int64
}

// ErrVersionedNotFound is returned by VersionedStore.GetVersioned when key
// has no value, distinguishing "nothing to compare against" from a real
// lookup failure.
var ErrVersionedNotFound = errors.New("resilience: versioned key not found")

// VersionedStore is the subset of taskstore.Store reconciliation needs:
// read-and-compare-version, then write-if-newer.
type VersionedStore interface {
	GetVersioned(ctx context.Context, key string) (*VersionedValue, error)
	SetVersioned(ctx context.Context, key string, value VersionedValue, ttl time.Duration) error
}

// ReconcilePendingWrites replays buffered writes into store, skipping any
// whose version the store already holds or supersedes, and any that aged
// past staleWindow without being replayed.
func (d *DegradedMode) ReconcilePendingWrites(ctx context.Context, store VersionedStore, staleWindow time.Duration) error {
	d.mu.Lock()
	pending := make([]PendingWrite, len(d.pendingWrites))
	copy(pending, d.pendingWrites)
	d.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	logging.Log(d.log, "info", "resilience: reconciling pending writes", logging.Fields{"count": len(pending)})

	successCount, failCount, skippedCount := 0, 0, 0

	for i, write := range pending {
		if write.Reconciled {
			skippedCount++
			continue
		}

		if age := time.Since(time.Unix(write.Timestamp, 0)); age > staleWindow {
			logging.Log(d.log, "warn", "resilience: dropping stale pending write", logging.Fields{"key": write.Key, "age": age})
			d.markReconciled(i)
			failCount++
			continue
		}

		existing, err := store.GetVersioned(ctx, write.Key)
		if err != nil && !errors.Is(err, ErrVersionedNotFound) {
			logging.Log(d.log, "warn", "resilience: failed to read existing version", logging.Fields{"key": write.Key, "error": err})
			failCount++
			continue
		}

		if existing != nil && existing.Version >= write.Version {
			d.markReconciled(i)
			skippedCount++
			continue
		}

		err = store.SetVersioned(ctx, write.Key, VersionedValue{Value: write.Value, Version: write.Version, Timestamp: write.Timestamp}, write.TTL)
		if err != nil {
			logging.Log(d.log, "warn", "resilience: failed to reconcile write", logging.Fields{"key": write.Key, "error": err})
			failCount++
			continue
		}

		d.markReconciled(i)
		successCount++
	}

	d.mu.Lock()
	unreconciled := make([]PendingWrite, 0, len(d.pendingWrites))
	for _, w := range d.pendingWrites {
		if !w.Reconciled {
			unreconciled = append(unreconciled, w)
		}
	}
	d.pendingWrites = unreconciled
	d.mu.Unlock()

	logging.Log(d.log, "info", "resilience: reconciliation complete", logging.Fields{
		"succeeded": successCount, "skipped": skippedCount, "failed": failCount,
	})

	if failCount > 0 {
		return &ReconciliationError{Total: len(pending), Success: successCount, Skipped: skippedCount, Failed: failCount}
	}
	return nil
}

func (d *DegradedMode) markReconciled(i int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < len(d.pendingWrites) {
		d.pendingWrites[i].Reconciled = true
	}
}

// MarkStoreAvailableWithReconciliation marks the store available and, if it
// had been unavailable, replays buffered writes against store.
func (d *DegradedMode) MarkStoreAvailableWithReconciliation(ctx context.Context, store VersionedStore, staleWindow time.Duration) error {
	d.mu.Lock()
	wasUnavailable := !d.storeAvailable
	d.storeAvailable = true
	d.degradedModeActive = false
	d.mu.Unlock()

	if wasUnavailable {
		return d.ReconcilePendingWrites(ctx, store, staleWindow)
	}
	return nil
}
