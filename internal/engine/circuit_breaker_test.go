package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/nodeflow/pkg/schema"
)

var errUnavailable = errors.New("503 service unavailable")

func newTestBreakers(threshold int, cooldown time.Duration) (*CircuitBreakers, *time.Time) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreakers(CircuitBreakerConfig{FailureThreshold: threshold, Cooldown: cooldown, HalfOpenMax: 1})
	cb.now = func() time.Time { return now }
	return cb, &now
}

func TestCircuitBreakers_OpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreakers(3, 10*time.Second)

	cb.Record("tool:search", errUnavailable)
	cb.Record("tool:search", errUnavailable)
	assert.Equal(t, CircuitClosed, cb.State("tool:search"))
	assert.NoError(t, cb.Allow("tool:search"))

	cb.Record("tool:search", errUnavailable)
	assert.Equal(t, CircuitOpen, cb.State("tool:search"))

	err := cb.Allow("tool:search")
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeCircuitOpen, fe.Code)
	assert.True(t, IsTransient(err))
}

func TestCircuitBreakers_PermanentFailuresDoNotCount(t *testing.T) {
	cb, _ := newTestBreakers(2, time.Minute)
	for i := 0; i < 5; i++ {
		cb.Record("agent:a1", errors.New("malformed configuration"))
	}
	assert.Equal(t, CircuitClosed, cb.State("agent:a1"))
}

func TestCircuitBreakers_SuccessResets(t *testing.T) {
	cb, _ := newTestBreakers(2, time.Minute)
	cb.Record("tool:x", errUnavailable)
	cb.Record("tool:x", nil)
	cb.Record("tool:x", errUnavailable)
	assert.Equal(t, CircuitClosed, cb.State("tool:x"))
}

func TestCircuitBreakers_HalfOpenProbe(t *testing.T) {
	cb, now := newTestBreakers(1, 10*time.Second)
	cb.Record("tool:x", errUnavailable)
	require.Error(t, cb.Allow("tool:x"))

	*now = now.Add(11 * time.Second)
	assert.Equal(t, CircuitHalfOpen, cb.State("tool:x"))

	// First call after cooldown is the probe; a second concurrent one is rejected.
	require.NoError(t, cb.Allow("tool:x"))
	assert.Equal(t, schema.ErrCodeCircuitOpen, schema.CodeOf(cb.Allow("tool:x")))

	cb.Record("tool:x", nil)
	assert.Equal(t, CircuitClosed, cb.State("tool:x"))
	assert.NoError(t, cb.Allow("tool:x"))
}

func TestCircuitBreakers_HalfOpenFailureReopens(t *testing.T) {
	cb, now := newTestBreakers(3, 10*time.Second)
	for i := 0; i < 3; i++ {
		cb.Record("tool:x", errUnavailable)
	}
	*now = now.Add(11 * time.Second)
	require.NoError(t, cb.Allow("tool:x"))

	cb.Record("tool:x", errUnavailable)
	assert.Equal(t, CircuitOpen, cb.State("tool:x"))
}

func TestCircuitBreakers_HalfOpenPermanentFailureCloses(t *testing.T) {
	cb, now := newTestBreakers(1, 10*time.Second)
	cb.Record("tool:x", errUnavailable)
	*now = now.Add(11 * time.Second)
	require.NoError(t, cb.Allow("tool:x"))

	cb.Record("tool:x", errors.New("malformed configuration"))
	assert.Equal(t, CircuitClosed, cb.State("tool:x"))
	assert.NoError(t, cb.Allow("tool:x"))
	assert.NoError(t, cb.Allow("tool:x"))
}

func TestCircuitBreakers_HalfOpenCancelledProbeReopens(t *testing.T) {
	cb, now := newTestBreakers(1, 10*time.Second)
	cb.Record("tool:x", errUnavailable)
	*now = now.Add(11 * time.Second)
	require.NoError(t, cb.Allow("tool:x"))

	cb.Record("tool:x", context.Canceled)
	assert.Equal(t, CircuitOpen, cb.State("tool:x"))
	assert.Equal(t, schema.ErrCodeCircuitOpen, schema.CodeOf(cb.Allow("tool:x")))

	// A fresh cooldown admits a new probe.
	*now = now.Add(11 * time.Second)
	require.NoError(t, cb.Allow("tool:x"))
	cb.Record("tool:x", nil)
	assert.Equal(t, CircuitClosed, cb.State("tool:x"))
}

func TestCircuitBreakers_RejectionDoesNotResolveProbe(t *testing.T) {
	cb, now := newTestBreakers(1, 10*time.Second)
	cb.Record("tool:x", errUnavailable)
	*now = now.Add(11 * time.Second)
	require.NoError(t, cb.Allow("tool:x"))

	rejected := cb.Allow("tool:x")
	cb.Record("tool:x", rejected)
	assert.Equal(t, CircuitHalfOpen, cb.State("tool:x"))
	assert.Error(t, cb.Allow("tool:x"))
}

func TestCircuitBreakers_TargetsAreIsolated(t *testing.T) {
	cb, _ := newTestBreakers(1, time.Minute)
	cb.Record("tool:a", errUnavailable)
	assert.Error(t, cb.Allow("tool:a"))
	assert.NoError(t, cb.Allow("tool:b"))
}

func TestCircuitBreakers_StateChangeHook(t *testing.T) {
	cb, _ := newTestBreakers(1, time.Minute)
	var transitions []string
	cb.OnStateChange = func(target string, from, to CircuitState) {
		transitions = append(transitions, target+":"+from.String()+"->"+to.String())
	}
	cb.Record("tool:a", errUnavailable)
	assert.Equal(t, []string{"tool:a:closed->open"}, transitions)
}

func TestCircuitBreakers_Disabled(t *testing.T) {
	cb := NewCircuitBreakers(CircuitBreakerConfig{})
	for i := 0; i < 10; i++ {
		cb.Record("tool:a", errUnavailable)
	}
	assert.NoError(t, cb.Allow("tool:a"))

	var nilBreakers *CircuitBreakers
	assert.NoError(t, nilBreakers.Allow("tool:a"))
	nilBreakers.Record("tool:a", errUnavailable)
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half_open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(42).String())
}
