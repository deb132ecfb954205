package engine

import (
	"fmt"
	"sync"

	"github.com/quantrail/tradingcore/core/taskstore"
)

// Registry maps (queue, task type) to the HandlerSpec a queue processor
// registered for it. One Registry is shared by every queue's run loop.
type Registry struct {
	mu       sync.RWMutex
	handlers map[taskstore.Queue]map[string]HandlerSpec
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[taskstore.Queue]map[string]HandlerSpec)}
}

// Register installs spec for queue/taskType, overwriting any prior entry.
func (r *Registry) Register(queue taskstore.Queue, taskType string, spec HandlerSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers[queue] == nil {
		r.handlers[queue] = make(map[string]HandlerSpec)
	}
	r.handlers[queue][taskType] = spec
}

// Lookup returns the spec registered for queue/taskType, if any.
func (r *Registry) Lookup(queue taskstore.Queue, taskType string) (HandlerSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.handlers[queue]
	if !ok {
		return HandlerSpec{}, false
	}
	spec, ok := m[taskType]
	return spec, ok
}

// ErrNoHandler reports that no handler is registered for queue/taskType.
type ErrNoHandler struct {
	Queue taskstore.Queue
	Type  string
}

func (e *ErrNoHandler) Error() string {
	return fmt.Sprintf("engine: no handler registered for queue %q type %q", e.Queue, e.Type)
}
