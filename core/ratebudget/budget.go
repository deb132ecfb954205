// Package ratebudget enforces per-external-API call quotas with multi-key
// rotation, built on golang.org/x/time/rate token buckets.
package ratebudget

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Decision is the result of an Acquire call.
type Decision int

const (
	// Granted means the caller may proceed immediately.
	Granted Decision = iota
	// WaitFor means the caller should requeue and retry after the returned
	// duration; no retry budget is consumed for this outcome.
	WaitFor
	// Exhausted means no key for this API can grant the requested cost at all
	// (a zero-capacity bucket, or a cost above the capacity), so there is no
	// useful wait hint.
	Exhausted
)

// APIConfig configures one external API's token bucket(s).
type APIConfig struct {
	Capacity     int
	RefillPerSec float64
	Keys         []string
}

type keyBucket struct {
	key     string
	limiter *rate.Limiter
}

type apiBudget struct {
	mu      sync.Mutex
	buckets []*keyBucket
	next    int // round-robin cursor
}

// Budget is the Rate Budget component: one token bucket per (api, key),
// round-robin key rotation within an API, and wait-hint aggregation when
// every key is exhausted.
type Budget struct {
	mu   sync.RWMutex
	apis map[string]*apiBudget
}

// New builds an empty Budget. Configure registers each API's bucket set.
func New() *Budget {
	return &Budget{apis: make(map[string]*apiBudget)}
}

// Configure installs or replaces the bucket set for api.
func (b *Budget) Configure(api string, cfg APIConfig) {
	keys := cfg.Keys
	if len(keys) == 0 {
		keys = []string{"default"}
	}
	ab := &apiBudget{buckets: make([]*keyBucket, 0, len(keys))}
	for _, k := range keys {
		ab.buckets = append(ab.buckets, &keyBucket{
			key:     k,
			limiter: rate.NewLimiter(rate.Limit(cfg.RefillPerSec), cfg.Capacity),
		})
	}
	b.mu.Lock()
	b.apis[api] = ab
	b.mu.Unlock()
}

// Acquire attempts to take cost tokens from api's current key, rotating to
// the next key on exhaustion before reporting the minimum wait across all of
// the API's keys. Returns Exhausted only when no key can reserve cost at all
// (a zero-capacity bucket, or a cost above the capacity); callers should
// treat Exhausted like an indefinite WaitFor.
func (b *Budget) Acquire(api string, cost int) (Decision, time.Duration) {
	b.mu.RLock()
	ab, ok := b.apis[api]
	b.mu.RUnlock()
	if !ok {
		// Unconfigured APIs are treated as unmetered.
		return Granted, 0
	}

	ab.mu.Lock()
	defer ab.mu.Unlock()

	n := len(ab.buckets)
	minWait := time.Duration(-1)
	for i := 0; i < n; i++ {
		idx := (ab.next + i) % n
		bucket := ab.buckets[idx]
		r := bucket.limiter.ReserveN(time.Now(), cost)
		if !r.OK() {
			continue
		}
		delay := r.Delay()
		if delay <= 0 {
			ab.next = (idx + 1) % n
			return Granted, 0
		}
		r.Cancel()
		if minWait < 0 || delay < minWait {
			minWait = delay
		}
	}
	if minWait < 0 {
		return Exhausted, 0
	}
	return WaitFor, minWait
}

// ReportResult updates bookkeeping for a completed call against api/key. A
// positive retryAfter (e.g. a 429 Retry-After header) drains the key's
// entire burst immediately so subsequent Acquires on that key fall back to
// the other rotation keys (or WaitFor the natural refill) instead of
// re-offering a key the remote API just rejected.
func (b *Budget) ReportResult(api, key string, success bool, retryAfter time.Duration) {
	_ = success
	if retryAfter <= 0 {
		return
	}
	b.mu.RLock()
	ab, ok := b.apis[api]
	b.mu.RUnlock()
	if !ok {
		return
	}
	ab.mu.Lock()
	defer ab.mu.Unlock()
	for _, bucket := range ab.buckets {
		if bucket.key == key {
			bucket.limiter.ReserveN(time.Now(), bucket.limiter.Burst())
			return
		}
	}
}
