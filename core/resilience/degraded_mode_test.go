package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memVersionedStore struct {
	values map[string]VersionedValue
}

func newMemVersionedStore() *memVersionedStore {
	return &memVersionedStore{values: make(map[string]VersionedValue)}
}

func (m *memVersionedStore) GetVersioned(ctx context.Context, key string) (*VersionedValue, error) {
	v, ok := m.values[key]
	if !ok {
		return nil, ErrVersionedNotFound
	}
	return &v, nil
}

func (m *memVersionedStore) SetVersioned(ctx context.Context, key string, value VersionedValue, ttl time.Duration) error {
	m.values[key] = value
	return nil
}

func TestDegradedModeBuffersAndEvictsOldestUnreconciled(t *testing.T) {
	d := NewDegradedMode(nil, 10, 2)
	d.MarkStoreUnavailable()
	assert.True(t, d.IsDegraded())

	d.SetInCache("k1", "v1")
	d.SetInCache("k2", "v2")
	d.SetInCache("k3", "v3") // exceeds maxPendingWrites=2, drops k1

	assert.Equal(t, 2, d.GetPendingWriteCount())
}

func TestReconcilePendingWritesSkipsNewerVersionAndStale(t *testing.T) {
	d := NewDegradedMode(nil, 10, 10)
	d.MarkStoreUnavailable()
	d.SetInCache("fresh", "buffered-value")

	store := newMemVersionedStore()
	store.values["fresh"] = VersionedValue{Value: "already-newer", Version: 999}

	err := d.ReconcilePendingWrites(context.Background(), store, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, d.GetPendingWriteCount())
	assert.Equal(t, "already-newer", store.values["fresh"].Value)
}

func TestReconcilePendingWritesAppliesOlderVersion(t *testing.T) {
	d := NewDegradedMode(nil, 10, 10)
	d.MarkStoreUnavailable()
	d.SetInCache("key", "buffered-value")

	store := newMemVersionedStore()
	err := d.ReconcilePendingWrites(context.Background(), store, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, d.GetPendingWriteCount())
	assert.Equal(t, "buffered-value", store.values["key"].Value)
}

func TestMarkStoreAvailableWithReconciliationOnlyReplaysOnRecovery(t *testing.T) {
	d := NewDegradedMode(nil, 10, 10)
	store := newMemVersionedStore()

	// store never went unavailable: no-op.
	require.NoError(t, d.MarkStoreAvailableWithReconciliation(context.Background(), store, time.Hour))

	d.MarkStoreUnavailable()
	d.SetInCache("key", "value")
	require.NoError(t, d.MarkStoreAvailableWithReconciliation(context.Background(), store, time.Hour))
	assert.False(t, d.IsDegraded())
	assert.Equal(t, "value", store.values["key"].Value)
}
