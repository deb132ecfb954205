// Package eventbus implements the typed, in-process publish/subscribe bus
// that decouples task-store/engine producers from orchestration and
// monitoring consumers.
package eventbus

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/quantrail/tradingcore/core/logging"
	"github.com/quantrail/tradingcore/core/taskstore"
)

const (
	defaultQueueSize        = 1024
	failureCircuitThreshold = 3
	failureCircuitCooldown  = 30 * time.Second
	drainDeadline           = 5 * time.Second
)

// Handler processes one delivered event. It should respect ctx cancellation
// at any suspension point.
type Handler func(ctx context.Context, ev *taskstore.Event)

// Subscription is the handle returned by Subscribe; Unsubscribe stops further
// delivery and drains in-flight events up to a bounded deadline.
type Subscription interface {
	Unsubscribe()
}

// Bus is a typed pub/sub bus with per-subscriber FIFO delivery ordering,
// bounded per-subscriber queues, and a per-subscriber failure circuit.
type Bus struct {
	mu   sync.RWMutex
	subs map[taskstore.EventType]map[string]*subscriber

	source string
	log    *logging.Logger

	shutdown chan struct{}
	closeOnce sync.Once
}

// New constructs an empty Bus. source tags published DeliveryDropped events.
func New(source string, log *logging.Logger) *Bus {
	return &Bus{
		subs:     make(map[taskstore.EventType]map[string]*subscriber),
		source:   source,
		log:      log,
		shutdown: make(chan struct{}),
	}
}

type subscriber struct {
	key     string
	etype   taskstore.EventType
	handler Handler
	queue   chan *taskstore.Event
	bus     *Bus

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	consecutiveFailures atomic.Int32
	circuitOpenUntil    atomic.Int64 // unix nano; 0 means closed
}

// handlerIdentity gives Subscribe its idempotency key: the handler function's
// identity. Two Subscribe calls with the same function value for the same
// type return the existing subscription instead of a duplicate.
func handlerIdentity(h Handler) string {
	return fmt.Sprintf("%v", reflect.ValueOf(h).Pointer())
}

func (b *Bus) Subscribe(etype taskstore.EventType, handler Handler) Subscription {
	key := handlerIdentity(handler)

	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.subs[etype]; ok {
		if existing, ok := m[key]; ok {
			return existing
		}
	} else {
		b.subs[etype] = make(map[string]*subscriber)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &subscriber{
		key:     key,
		etype:   etype,
		handler: handler,
		queue:   make(chan *taskstore.Event, defaultQueueSize),
		bus:     b,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	b.subs[etype][key] = s
	go s.loop()
	return s
}

func (s *subscriber) Unsubscribe() {
	s.cancel()
	select {
	case <-s.done:
	case <-time.After(drainDeadline):
	}
	s.bus.mu.Lock()
	delete(s.bus.subs[s.etype], s.key)
	s.bus.mu.Unlock()
}

func (s *subscriber) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-s.queue:
			if !ok {
				return
			}
			s.deliver(ev)
		}
	}
}

func (s *subscriber) deliver(ev *taskstore.Event) {
	if until := s.circuitOpenUntil.Load(); until != 0 {
		if time.Now().UnixNano() < until {
			return // circuit open: silently drop
		}
		// cooldown elapsed: half-open, allow this one through
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				s.recordFailure()
			}
		}()
		s.handler(s.ctx, ev)
		s.consecutiveFailures.Store(0)
		s.circuitOpenUntil.Store(0)
	}()
}

func (s *subscriber) recordFailure() {
	n := s.consecutiveFailures.Add(1)
	if n >= failureCircuitThreshold {
		s.circuitOpenUntil.Store(time.Now().Add(failureCircuitCooldown).UnixNano())
	}
}

// enqueue delivers ev into the subscriber's bounded queue, dropping the
// oldest queued event on overflow and publishing DeliveryDropped.
func (s *subscriber) enqueue(ev *taskstore.Event) {
	select {
	case s.queue <- ev:
		return
	default:
	}
	// Full: drop the oldest, then retry once. If still full (a concurrent
	// drain beat us to the slot), fall through without blocking publication.
	select {
	case dropped := <-s.queue:
		s.bus.publishDropped(s.etype, dropped)
	default:
	}
	select {
	case s.queue <- ev:
	default:
	}
}

func (b *Bus) publishDropped(etype taskstore.EventType, dropped *taskstore.Event) {
	if b.log != nil {
		logging.Log(b.log, "warn", "subscriber queue overflow, dropping oldest event", logging.Fields{
			"event_type":     string(etype),
			"dropped_id":     dropped.ID,
			"correlation_id": dropped.CorrelationID,
		})
	}
	// Best-effort, fire-and-forget: publishing a DeliveryDropped event must
	// never block or recurse synchronously into this subscriber's own queue.
	go b.Publish(context.Background(), &taskstore.Event{
		ID:            uuid.NewString(),
		Type:          taskstore.EventDeliveryDropped,
		Source:        b.source,
		Timestamp:     time.Now(),
		CorrelationID: dropped.CorrelationID,
		Payload: map[string]interface{}{
			"original_type": string(dropped.Type),
			"original_id":   dropped.ID,
		},
	})
}

// Publish enqueues ev for every subscriber registered for ev.Type. It returns
// once the event has been enqueued for all matching subscribers; per-
// subscriber delivery itself is asynchronous.
func (b *Bus) Publish(ctx context.Context, ev *taskstore.Event) error {
	b.mu.RLock()
	subs := b.subs[ev.Type]
	targets := make([]*subscriber, 0, len(subs))
	for _, s := range subs {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		s.enqueue(ev)
	}
	return nil
}

// Close cancels every subscription and waits (bounded) for drains to finish.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.shutdown)
		b.mu.RLock()
		var all []*subscriber
		for _, m := range b.subs {
			for _, s := range m {
				all = append(all, s)
			}
		}
		b.mu.RUnlock()
		for _, s := range all {
			s.Unsubscribe()
		}
	})
}
