package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowGrantsWhenClosed(t *testing.T) {
	m := NewManager(DefaultConfig(), nil)
	done, err := m.Allow("store")
	require.NoError(t, err)
	done(true)
	assert.Equal(t, "closed", m.State("store"))
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	cfg := Config{ConsecutiveFailures: 3, TotalFailuresInWindow: 100, Window: time.Minute, Cooldown: time.Minute}
	m := NewManager(cfg, nil)

	for i := 0; i < 3; i++ {
		done, err := m.Allow("broker")
		require.NoError(t, err)
		done(false)
	}

	_, err := m.Allow("broker")
	require.Error(t, err)
	assert.Equal(t, "open", m.State("broker"))
}

func TestHalfOpenAllowsExactlyOneProbe(t *testing.T) {
	cfg := Config{ConsecutiveFailures: 1, TotalFailuresInWindow: 100, Window: time.Minute, Cooldown: 10 * time.Millisecond}
	m := NewManager(cfg, nil)

	done, err := m.Allow("llm")
	require.NoError(t, err)
	done(false)
	assert.Equal(t, "open", m.State("llm"))

	time.Sleep(20 * time.Millisecond)

	// First probe after cooldown should be admitted.
	probe, err := m.Allow("llm")
	require.NoError(t, err)

	// A concurrent second probe attempt while the first is outstanding must
	// be rejected (MaxRequests: 1).
	_, err2 := m.Allow("llm")
	assert.Error(t, err2)

	probe(true)
	assert.Equal(t, "closed", m.State("llm"))
}
