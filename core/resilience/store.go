package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/quantrail/tradingcore/core/breaker"
	"github.com/quantrail/tradingcore/core/logging"
	"github.com/quantrail/tradingcore/core/observability"
	"github.com/quantrail/tradingcore/core/taskstore"
)

// storeDependency is the breaker.Manager dependency name every retry
// sequence in this file reports against, per SPEC_FULL.md §4.1a/§4.1b.
const storeDependency = "store"

// DefaultBackoff is the three-retry 100ms/400ms/1.6s schedule spec.md §4.1
// requires before a store error is treated as fatal.
func DefaultBackoff() []time.Duration {
	return []time.Duration{100 * time.Millisecond, 400 * time.Millisecond, 1600 * time.Millisecond}
}

// Store decorates a taskstore.Store with retry-then-degrade semantics: a
// transient failure on Admit is retried on DefaultBackoff's schedule, and if
// every retry fails, the task is buffered in DegradedMode instead of
// rejected, so a short outage doesn't stop admission outright. Exhausting
// retries also reports the failure to breaker.Manager, so a sustained outage
// still trips the "store" circuit and stops admission per spec.md §4.1.
// Every other taskstore.Store method is promoted unmodified via embedding.
type Store struct {
	taskstore.Store
	breakers *breaker.Manager
	degraded *DegradedMode
	backoff  []time.Duration
	log      *logging.Logger
}

// NewStore wraps inner with retry-then-degrade admission handling.
func NewStore(inner taskstore.Store, breakers *breaker.Manager, degraded *DegradedMode, log *logging.Logger) *Store {
	return &Store{Store: inner, breakers: breakers, degraded: degraded, backoff: DefaultBackoff(), log: log}
}

// isDomainError reports whether err is one of taskstore's CAS/lookup
// sentinels rather than an infrastructure failure — these are never
// retried, since retrying them would just reproduce the same outcome.
func isDomainError(err error) bool {
	return errors.Is(err, taskstore.ErrAlreadyExists) ||
		errors.Is(err, taskstore.ErrStaleState) ||
		errors.Is(err, taskstore.ErrNotFound)
}

// retry calls op up to len(backoff)+1 times, sleeping the configured
// schedule between attempts, stopping early on a domain error or context
// cancellation.
func (s *Store) retry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = op()
		if err == nil || isDomainError(err) {
			return err
		}
		if attempt >= len(s.backoff) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.backoff[attempt]):
		}
	}
}

// Admit retries a transient Admit failure on DefaultBackoff, then buffers
// the task for later reconciliation instead of rejecting it outright,
// provided the "store" circuit is still closed or half-open.
func (s *Store) Admit(ctx context.Context, t *taskstore.Task) error {
	done, err := s.breakers.Allow(storeDependency)
	if err != nil {
		return err
	}

	err = s.retry(ctx, func() error { return s.Store.Admit(ctx, t) })
	if err == nil || isDomainError(err) {
		done(err == nil)
		return err
	}
	done(false)

	s.degraded.MarkStoreUnavailable()
	blob, marshalErr := json.Marshal(t)
	if marshalErr != nil {
		return err
	}
	s.degraded.SetInCacheWithTTL("task:"+t.ID, blob, 0)
	observability.PendingWrites.Set(float64(s.degraded.GetPendingWriteCount()))
	logging.Log(s.log, "warn", "resilience: buffered task admission after store failure", logging.Fields{"task_id": t.ID, "error": err})
	return nil
}

// Transition retries a transient failure on DefaultBackoff; a sustained
// failure is fatal and returned to the caller unbuffered, since replaying an
// arbitrary CAS patch against a store that may have moved on is unsafe.
func (s *Store) Transition(ctx context.Context, id string, from, to taskstore.TaskState, patch func(*taskstore.Task)) error {
	done, err := s.breakers.Allow(storeDependency)
	if err != nil {
		return err
	}
	err = s.retry(ctx, func() error { return s.Store.Transition(ctx, id, from, to, patch) })
	done(err == nil || isDomainError(err))
	return err
}

// RecordResult retries a transient failure on DefaultBackoff; like
// Transition, a sustained failure is returned rather than buffered.
func (s *Store) RecordResult(ctx context.Context, id string, to taskstore.TaskState, result *taskstore.Result) error {
	done, err := s.breakers.Allow(storeDependency)
	if err != nil {
		return err
	}
	err = s.retry(ctx, func() error { return s.Store.RecordResult(ctx, id, to, result) })
	done(err == nil || isDomainError(err))
	return err
}

// Reconcile replays buffered task admissions into the durable store once it
// has recovered, skipping anything the store already has (Admit's
// ErrAlreadyExists is treated as already-reconciled).
func (s *Store) Reconcile(ctx context.Context, staleWindow time.Duration) error {
	if !s.degraded.IsDegraded() {
		return nil
	}
	s.degraded.mu.Lock()
	pending := make([]PendingWrite, len(s.degraded.pendingWrites))
	copy(pending, s.degraded.pendingWrites)
	s.degraded.mu.Unlock()

	failed := 0
	for i, w := range pending {
		if w.Reconciled {
			continue
		}
		if age := time.Since(time.Unix(w.Timestamp, 0)); age > staleWindow {
			s.degraded.markReconciled(i)
			continue
		}
		blob, ok := w.Value.([]byte)
		if !ok {
			s.degraded.markReconciled(i)
			continue
		}
		var t taskstore.Task
		if err := json.Unmarshal(blob, &t); err != nil {
			s.degraded.markReconciled(i)
			continue
		}
		if err := s.Store.Admit(ctx, &t); err != nil && !errors.Is(err, taskstore.ErrAlreadyExists) {
			failed++
			continue
		}
		s.degraded.markReconciled(i)
	}

	s.degraded.mu.Lock()
	unreconciled := make([]PendingWrite, 0, len(s.degraded.pendingWrites))
	for _, w := range s.degraded.pendingWrites {
		if !w.Reconciled {
			unreconciled = append(unreconciled, w)
		}
	}
	s.degraded.pendingWrites = unreconciled
	s.degraded.mu.Unlock()
	observability.PendingWrites.Set(float64(s.degraded.GetPendingWriteCount()))

	if failed == 0 {
		s.degraded.MarkStoreAvailable()
		return nil
	}
	return &ReconciliationError{Total: len(pending), Success: len(pending) - failed, Failed: failed}
}
