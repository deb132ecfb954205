package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantrail/tradingcore/core/idempotency"
	"github.com/quantrail/tradingcore/core/taskstore"
)

func TestHTTPErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		kind   taskstore.ErrorKind
		nilErr bool
	}{
		{http.StatusOK, "", true},
		{http.StatusTooManyRequests, taskstore.ErrRateLimited, false},
		{http.StatusUnauthorized, taskstore.ErrFatal, false},
		{http.StatusInternalServerError, taskstore.ErrTransient, false},
		{http.StatusBadRequest, taskstore.ErrValidation, false},
	}
	for _, c := range cases {
		resp := &http.Response{StatusCode: c.status, Header: http.Header{}}
		err := httpError(resp, nil)
		if c.nilErr {
			assert.Nil(t, err)
			continue
		}
		require.NotNil(t, err)
		assert.Equal(t, c.kind, err.Kind)
	}
}

func TestParseRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 30*time.Second, parseRetryAfter("30"))
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, time.Duration(0), parseRetryAfter("not-a-number"))
}

func TestBrokerClientPlaceOrderReplaysOnRetry(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "task-123", r.Header.Get("Idempotency-Key"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"order_id": "o-1", "status": "filled"})
	}))
	defer srv.Close()

	idem := idempotency.NewStore(nil, nil)
	client := NewBrokerClient(srv.URL, idem)

	first, err := client.PlaceOrder(context.Background(), "task-123", map[string]interface{}{"symbol": "ACME", "qty": 10})
	require.NoError(t, err)
	assert.Equal(t, "o-1", first["order_id"])
	assert.Equal(t, 1, calls)

	second, err := client.PlaceOrder(context.Background(), "task-123", map[string]interface{}{"symbol": "ACME", "qty": 10})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls, "retry with the same idempotency key must not re-hit the collaborator")
}

func TestBrokerClientSurfacesRateLimitedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewBrokerClient(srv.URL, nil)
	_, err := client.GetHoldings(context.Background(), "task-456")
	require.Error(t, err)
	var taskErr *taskstore.TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, taskstore.ErrRateLimited, taskErr.Kind)
	assert.Equal(t, 5*time.Second, taskErr.RetryAfter)
}
