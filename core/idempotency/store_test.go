package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	data map[string]string
	err  error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{data: make(map[string]string)}
}

func (f *fakeBackend) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if f.err != nil {
		return f.err
	}
	f.data[key] = value
	return nil
}

func (f *fakeBackend) Get(ctx context.Context, key string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.data[key], nil
}

func TestGetMissReturnsFalse(t *testing.T) {
	store := NewStore(nil, nil)
	_, ok := store.Get(context.Background(), "task-1")
	assert.False(t, ok)
}

func TestSetThenGetReplaysResponse(t *testing.T) {
	store := NewStore(newFakeBackend(), nil)
	resp := Response{StatusCode: 200, Body: []byte(`{"order_id":"abc"}`), Headers: map[string][]string{"X-Request-Id": {"r1"}}}
	store.Set(context.Background(), "task-1", resp)

	got, ok := store.Get(context.Background(), "task-1")
	require.True(t, ok)
	assert.Equal(t, resp.StatusCode, got.StatusCode)
	assert.Equal(t, resp.Body, got.Body)
}

func TestMemoryFallbackWhenBackendErrors(t *testing.T) {
	backend := newFakeBackend()
	store := NewStore(backend, nil)
	resp := Response{StatusCode: 201, Body: []byte("ok")}
	store.Set(context.Background(), "task-2", resp)

	backend.err = assert.AnError
	got, ok := store.Get(context.Background(), "task-2")
	require.True(t, ok, "in-memory fallback should still answer when the backend errors")
	assert.Equal(t, resp.StatusCode, got.StatusCode)
}

func TestMemoryEntryExpiresAfterOneHour(t *testing.T) {
	store := NewStore(nil, nil)
	store.cache.Store("task-3", entry{Resp: Response{StatusCode: 200}, Timestamp: time.Now().Add(-2 * time.Hour)})

	_, ok := store.Get(context.Background(), "task-3")
	assert.False(t, ok)
}
