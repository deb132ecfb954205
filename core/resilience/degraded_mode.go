// Package resilience buffers task-store writes during a durable-backend
// outage and reconciles them on recovery, per SPEC_FULL.md §4.1b. Adapted
// from control_plane/resilience's DegradedMode/reconciliation pair, narrowed
// from separately tracking each of several dependencies' availability down
// to the single taskstore.Store this repo abstracts over.
package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quantrail/tradingcore/core/logging"
)

// PendingWrite is a write buffered while the store was unreachable, carrying
// the version it was buffered at so reconciliation can detect a newer value
// already landed in the store by some other path.
type PendingWrite struct {
	Key        string
	Value      interface{}
	Timestamp  int64
	TTL        time.Duration
	Version    int64
	Reconciled bool
}

// CacheEntry tracks last access for LRU eviction of the local fallback cache.
type CacheEntry struct {
	Value      interface{}
	LastAccess time.Time
}

// DegradedMode buffers writes locally while the durable store is unreachable
// and tracks them for reconciliation once it recovers.
type DegradedMode struct {
	log *logging.Logger

	mu sync.RWMutex

	storeAvailable bool

	localCache   map[string]*CacheEntry
	cacheSize    int
	maxCacheSize int

	pendingWrites    []PendingWrite
	maxPendingWrites int
	currentVersion   int64

	degradedModeActive bool
	lastStoreCheck     time.Time
}

// NewDegradedMode creates a degraded-mode buffer bounded to maxCacheSize
// cached entries and maxPendingWrites buffered writes, so a prolonged outage
// degrades to dropping the oldest unreconciled write rather than growing
// without bound.
func NewDegradedMode(log *logging.Logger, maxCacheSize, maxPendingWrites int) *DegradedMode {
	if maxCacheSize <= 0 {
		maxCacheSize = 10000
	}
	if maxPendingWrites <= 0 {
		maxPendingWrites = 10000
	}
	return &DegradedMode{
		log:              log,
		storeAvailable:   true,
		localCache:       make(map[string]*CacheEntry),
		maxCacheSize:     maxCacheSize,
		pendingWrites:    make([]PendingWrite, 0),
		maxPendingWrites: maxPendingWrites,
	}
}

// MarkStoreUnavailable enters degraded mode if not already in it.
func (d *DegradedMode) MarkStoreUnavailable() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.storeAvailable {
		logging.Log(d.log, "warn", "resilience: store unavailable, entering degraded mode", nil)
		d.storeAvailable = false
		d.degradedModeActive = true
		d.lastStoreCheck = time.Now()
	}
}

// MarkStoreAvailable exits degraded mode; callers should follow with
// ReconcilePendingWrites to replay anything buffered while it was down.
func (d *DegradedMode) MarkStoreAvailable() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.storeAvailable {
		logging.Log(d.log, "info", "resilience: store recovered, exiting degraded mode", nil)
		d.storeAvailable = true
		d.degradedModeActive = false
	}
}

// IsStoreAvailable reports the last-observed store reachability.
func (d *DegradedMode) IsStoreAvailable() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.storeAvailable
}

// IsDegraded reports whether writes are currently being buffered locally
// instead of reaching the durable store.
func (d *DegradedMode) IsDegraded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.degradedModeActive
}

// GetFromCache retrieves a buffered value, refreshing its LRU position.
func (d *DegradedMode) GetFromCache(key string) (interface{}, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.localCache[key]
	if !ok {
		return nil, false
	}
	entry.LastAccess = time.Now()
	return entry.Value, true
}

// SetInCache buffers a write with no expiry tracked.
func (d *DegradedMode) SetInCache(key string, value interface{}) {
	d.SetInCacheWithTTL(key, value, 0)
}

// SetInCacheWithTTL buffers a write, evicting the least-recently-used cache
// entry and dropping the oldest unreconciled pending write if either bound
// is exceeded.
func (d *DegradedMode) SetInCacheWithTTL(key string, value interface{}, ttl time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.pendingWrites) >= d.maxPendingWrites {
		logging.Log(d.log, "warn", "resilience: pending writes full, dropping oldest unreconciled", logging.Fields{"max": d.maxPendingWrites})
		for i := range d.pendingWrites {
			if !d.pendingWrites[i].Reconciled {
				d.pendingWrites = append(d.pendingWrites[:i], d.pendingWrites[i+1:]...)
				break
			}
		}
	}

	if d.cacheSize >= d.maxCacheSize {
		var oldestKey string
		var oldestTime time.Time
		first := true
		for k, entry := range d.localCache {
			if first || entry.LastAccess.Before(oldestTime) {
				oldestKey = k
				oldestTime = entry.LastAccess
				first = false
			}
		}
		if oldestKey != "" {
			delete(d.localCache, oldestKey)
			d.cacheSize--
		}
	}

	if _, exists := d.localCache[key]; !exists {
		d.cacheSize++
	}
	d.localCache[key] = &CacheEntry{Value: value, LastAccess: time.Now()}

	d.currentVersion++
	d.pendingWrites = append(d.pendingWrites, PendingWrite{
		Key:       key,
		Value:     value,
		Timestamp: time.Now().Unix(),
		TTL:       ttl,
		Version:   d.currentVersion,
	})
}

// ClearCache discards the local fallback cache (not the pending-write log).
func (d *DegradedMode) ClearCache() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.localCache = make(map[string]*CacheEntry)
	d.cacheSize = 0
}

// WithFallback runs primary, falling back to fallback on error.
func (d *DegradedMode) WithFallback(ctx context.Context, primary, fallback func(context.Context) error) error {
	if err := primary(ctx); err == nil {
		return nil
	} else if fbErr := fallback(ctx); fbErr != nil {
		return fmt.Errorf("both primary and fallback failed: %w", fbErr)
	}
	return nil
}

// HealthCheck reports current degraded-mode state for status endpoints.
func (d *DegradedMode) HealthCheck() map[string]bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return map[string]bool{
		"store":    d.storeAvailable,
		"degraded": d.degradedModeActive,
	}
}

// GetPendingWriteCount returns the number of writes still awaiting
// reconciliation; resilience.Store exports it as the
// tradingcore_degraded_pending_writes gauge.
func (d *DegradedMode) GetPendingWriteCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, w := range d.pendingWrites {
		if !w.Reconciled {
			n++
		}
	}
	return n
}
