package taskstore

import (
	"fmt"
)

// Resource names a logical table for Redis key namespacing.
type Resource string

const (
	ResourceTask     Resource = "tasks"
	ResourceWorkflow Resource = "workflows"
	ResourceEvent    Resource = "events"
)

// Key constructs a fully qualified Redis key for a resource.
// Format: tradingcore:{resource}:{id}
func Key(resource Resource, id string) string {
	return fmt.Sprintf("tradingcore:%s:%s", resource, id)
}

// Prefix constructs a search pattern prefix for a resource.
func Prefix(resource Resource) string {
	return fmt.Sprintf("tradingcore:%s:", resource)
}

// ZSetReady is the sorted-set key holding a queue's Ready task ids, scored by
// effective priority so LoadReady is a single ZREVRANGE.
func ZSetReady(queue Queue) string {
	return fmt.Sprintf("tradingcore:ready:%s", queue)
}

// ZSetRetries is the sorted-set key holding Pending tasks awaiting their
// next_retry_at, scored by the retry deadline (unix millis).
func ZSetRetries(queue Queue) string {
	return fmt.Sprintf("tradingcore:retries:%s", queue)
}

// SetDependents is the set key holding the ids of tasks depending on id.
func SetDependents(id string) string {
	return fmt.Sprintf("tradingcore:dependents:%s", id)
}

// LockKey namespaces distributed locks/leases under the tradingcore:lock:
// prefix.
func LockKey(name string) string {
	return fmt.Sprintf("tradingcore:lock:%s", name)
}
