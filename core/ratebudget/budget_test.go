package ratebudget

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireGrantedWithinCapacity(t *testing.T) {
	b := New()
	b.Configure("broker", APIConfig{Capacity: 2, RefillPerSec: 1, Keys: []string{"k1"}})

	decision, wait := b.Acquire("broker", 1)
	require.Equal(t, Granted, decision)
	assert.Zero(t, wait)

	decision, wait = b.Acquire("broker", 1)
	require.Equal(t, Granted, decision)
	assert.Zero(t, wait)
}

func TestAcquireWaitForOnExhaustion(t *testing.T) {
	b := New()
	b.Configure("broker", APIConfig{Capacity: 1, RefillPerSec: 1, Keys: []string{"only"}})

	decision, _ := b.Acquire("broker", 1)
	require.Equal(t, Granted, decision)

	decision, wait := b.Acquire("broker", 1)
	require.Equal(t, WaitFor, decision)
	assert.Greater(t, wait, time.Duration(0))
}

func TestAcquireRotatesAcrossKeys(t *testing.T) {
	b := New()
	b.Configure("broker", APIConfig{Capacity: 1, RefillPerSec: 1, Keys: []string{"a", "b"}})

	d1, _ := b.Acquire("broker", 1)
	d2, _ := b.Acquire("broker", 1)
	require.Equal(t, Granted, d1)
	require.Equal(t, Granted, d2)

	// both keys now exhausted: third call must WaitFor rather than panic or
	// silently grant.
	d3, wait := b.Acquire("broker", 1)
	require.Equal(t, WaitFor, d3)
	assert.Greater(t, wait, time.Duration(0))
}

func TestAcquireUnconfiguredAPIIsUnmetered(t *testing.T) {
	b := New()
	decision, wait := b.Acquire("unknown-api", 5)
	assert.Equal(t, Granted, decision)
	assert.Zero(t, wait)
}

func TestReportResultDrainsKeyOnRetryAfter(t *testing.T) {
	b := New()
	b.Configure("broker", APIConfig{Capacity: 3, RefillPerSec: 1, Keys: []string{"only"}})

	d1, _ := b.Acquire("broker", 1)
	require.Equal(t, Granted, d1)

	b.ReportResult("broker", "only", false, 2*time.Second)

	d2, wait := b.Acquire("broker", 1)
	assert.Equal(t, WaitFor, d2)
	assert.Greater(t, wait, time.Duration(0))
}
