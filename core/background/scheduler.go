// Package background emits periodic tasks (monitoring, news, earnings,
// health) onto the engine per spec.md §4.8, ticking on monotonic time and
// recovering last-fire timestamps from the task store across restarts.
package background

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantrail/tradingcore/core/engine"
	"github.com/quantrail/tradingcore/core/logging"
	"github.com/quantrail/tradingcore/core/taskstore"
)

// MarketWindow bounds the daily window market_hours_only entries are allowed
// to fire within, expressed as offsets from local midnight in Location.
type MarketWindow struct {
	Open, Close time.Duration
	Location    *time.Location
}

// DefaultMarketWindow is 09:15-15:30 in the US/Eastern trading day, per
// spec.md §4.8's "default 09:15–15:30 in the configured timezone".
func DefaultMarketWindow() MarketWindow {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	return MarketWindow{
		Open:     9*time.Hour + 15*time.Minute,
		Close:    15*time.Hour + 30*time.Minute,
		Location: loc,
	}
}

func (w MarketWindow) contains(t time.Time) bool {
	local := t.In(w.Location)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, w.Location)
	offset := local.Sub(midnight)
	return offset >= w.Open && offset <= w.Close
}

// entry is one RegisterPeriodic registration plus its mutable run state.
type entry struct {
	name            string
	queue           taskstore.Queue
	taskType        string
	payloadFn       func() map[string]interface{}
	period          time.Duration
	priority        int
	marketHoursOnly bool

	mu            sync.Mutex
	lastTaskID    string
	skippedCount  int64
	catchUpCount  int64
}

// Scheduler runs every registered entry on its own ticking goroutine once
// Start is called.
type Scheduler struct {
	eng    *engine.Engine
	store  taskstore.Store
	log    *logging.Logger
	window MarketWindow

	mu      sync.Mutex
	entries map[string]*entry
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a Scheduler bound to eng for task emission and store for
// last-fire/overlap bookkeeping.
func New(eng *engine.Engine, store taskstore.Store, log *logging.Logger, window MarketWindow) *Scheduler {
	return &Scheduler{
		eng:     eng,
		store:   store,
		log:     log,
		window:  window,
		entries: make(map[string]*entry),
	}
}

// RegisterPeriodic adds a named periodic emission. It must be called before
// Start; entries registered after Start has begun are not picked up.
func (s *Scheduler) RegisterPeriodic(name string, queue taskstore.Queue, taskType string, payloadFn func() map[string]interface{}, period time.Duration, priority int, marketHoursOnly bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[name] = &entry{
		name:            name,
		queue:           queue,
		taskType:        taskType,
		payloadFn:       payloadFn,
		period:          period,
		priority:        priority,
		marketHoursOnly: marketHoursOnly,
	}
}

// Start launches one run loop per registered entry, recovering each one's
// last-fire time from the store.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	for _, e := range entries {
		e := e
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.run(ctx, e)
		}()
	}
}

// Stop cancels every run loop and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, e *entry) {
	next := s.nextFireTime(ctx, e)

	for {
		wait := time.Until(next)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		s.tick(ctx, e, next)
		next = next.Add(e.period)
		// A long stall (process paused, clock jump) can leave next far in the
		// past; coalesce every missed tick into exactly one catch-up run.
		if now := time.Now(); next.Before(now) {
			e.mu.Lock()
			e.catchUpCount++
			e.mu.Unlock()
			next = now
		}
	}
}

// nextFireTime recovers the entry's last-fire timestamp from the store; a
// previously-unseen entry fires immediately, one already overdue by more
// than its period fires once now (the catch-up emission), and one on
// schedule waits out the remainder of its period.
func (s *Scheduler) nextFireTime(ctx context.Context, e *entry) time.Time {
	last, ok, err := s.store.GetLastFire(ctx, e.name)
	if err != nil || !ok {
		return time.Now()
	}
	next := last.Add(e.period)
	if next.Before(time.Now()) {
		return time.Now()
	}
	return next
}

func (s *Scheduler) tick(ctx context.Context, e *entry, firedAt time.Time) {
	if e.marketHoursOnly && !s.window.contains(firedAt) {
		logging.Log(s.log, "debug", "background scheduler: tick outside market hours, skipped", logging.Fields{
			"name": e.name,
		})
		return
	}

	e.mu.Lock()
	lastTaskID := e.lastTaskID
	e.mu.Unlock()
	if lastTaskID != "" {
		if t, err := s.store.GetTask(ctx, lastTaskID); err == nil && !t.State.IsTerminal() {
			e.mu.Lock()
			e.skippedCount++
			e.mu.Unlock()
			logging.Log(s.log, "warn", "background scheduler: overlap, emission skipped", logging.Fields{
				"name": e.name, "prior_task_id": lastTaskID,
			})
			return
		}
	}

	var payload map[string]interface{}
	if e.payloadFn != nil {
		payload = e.payloadFn()
	}
	task := &taskstore.Task{
		ID:            uuid.NewString(),
		Queue:         e.queue,
		Type:          e.taskType,
		Payload:       payload,
		Priority:      e.priority,
		CorrelationID: uuid.NewString(),
	}
	if err := s.eng.Submit(ctx, task); err != nil {
		logging.Log(s.log, "error", "background scheduler: submission failed", logging.Fields{
			"name": e.name, "error": err,
		})
		return
	}

	e.mu.Lock()
	e.lastTaskID = task.ID
	e.mu.Unlock()

	if err := s.store.SetLastFire(ctx, e.name, firedAt); err != nil {
		logging.Log(s.log, "warn", "background scheduler: failed to persist last-fire time", logging.Fields{
			"name": e.name, "error": err,
		})
	}
}

// Stats reports the skip/catch-up counters for a registered entry, for
// monitoring to surface.
func (s *Scheduler) Stats(name string) (skippedOverlap, catchUp int64, ok bool) {
	s.mu.Lock()
	e, found := s.entries[name]
	s.mu.Unlock()
	if !found {
		return 0, 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.skippedCount, e.catchUpCount, true
}
