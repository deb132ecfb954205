package taskstore

import (
	"context"
	"time"
)

// Coordinator is the distributed-coordination primitive set: leader election,
// locks, and lease renewal. RedisStore implements it; MemoryStore and
// PostgresStore do not.
type Coordinator interface {
	// AcquireLock attempts to acquire a lock for the given key.
	AcquireLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error)

	// RenewLock extends the TTL of a held lock.
	RenewLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error)

	// ReleaseLock releases the lock if held by ownerID.
	ReleaseLock(ctx context.Context, key string, ownerID string) error

	// GetLockOwner returns the current owner of the lock, or empty if free.
	GetLockOwner(ctx context.Context, key string) (string, error)

	// AcquireLease attempts to acquire a lease for a resource; value carries
	// owner metadata (owner id, fencing epoch, timestamps).
	AcquireLease(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)

	// RenewLease extends the TTL of a held lease if the value matches.
	RenewLease(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)

	// ReleaseLease releases the lease if the value matches.
	ReleaseLease(ctx context.Context, key string, value string) error

	// IsLeaseOwner checks if the current value matches the given value.
	IsLeaseOwner(ctx context.Context, key string, value string) (bool, error)

	// IncrementEpoch increments the epoch counter for a resource and returns
	// the new value, used to mint fencing tokens.
	IncrementEpoch(ctx context.Context, key string) (int64, error)

	// ScanLocks returns keys matching pattern (see LockKey/Prefix), used by
	// the lock janitor to find stale or fenced locks.
	ScanLocks(ctx context.Context, pattern string) ([]string, error)
}
