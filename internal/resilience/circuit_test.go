package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testBreaker returns a breaker with a controllable clock.
func testBreaker(threshold int, reset time.Duration) (*CircuitBreaker, *time.Time) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: threshold,
		ResetTimeout:     reset,
	})
	cb.now = func() time.Time { return now }
	return cb, &now
}

func failCall(ctx context.Context) error { return eris.New("vendor error") }

func okCall(ctx context.Context) error { return nil }

func TestCircuit_StaysClosedUnderThreshold(t *testing.T) {
	cb, _ := testBreaker(3, time.Minute)

	for range 2 {
		_ = cb.Execute(context.Background(), failCall)
	}
	assert.Equal(t, CircuitClosed, cb.State())

	require.NoError(t, cb.Execute(context.Background(), okCall))
	// Success resets the failure count.
	for range 2 {
		_ = cb.Execute(context.Background(), failCall)
	}
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuit_OpensAtThreshold(t *testing.T) {
	cb, _ := testBreaker(3, time.Minute)

	for range 3 {
		_ = cb.Execute(context.Background(), failCall)
	}
	assert.Equal(t, CircuitOpen, cb.State())

	err := cb.Execute(context.Background(), okCall)
	require.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuit_HalfOpenAfterResetTimeout(t *testing.T) {
	cb, now := testBreaker(1, time.Minute)

	_ = cb.Execute(context.Background(), failCall)
	assert.Equal(t, CircuitOpen, cb.State())

	*now = now.Add(2 * time.Minute)
	assert.Equal(t, CircuitHalfOpen, cb.State())
}

func TestCircuit_ProbeSuccessCloses(t *testing.T) {
	cb, now := testBreaker(1, time.Minute)

	_ = cb.Execute(context.Background(), failCall)
	*now = now.Add(2 * time.Minute)

	require.NoError(t, cb.Execute(context.Background(), okCall))
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuit_ProbeFailureReopens(t *testing.T) {
	cb, now := testBreaker(1, time.Minute)

	_ = cb.Execute(context.Background(), failCall)
	*now = now.Add(2 * time.Minute)

	require.Error(t, cb.Execute(context.Background(), failCall))
	assert.Equal(t, CircuitOpen, cb.State())

	// The reopened breaker rejects again until another full timeout.
	err := cb.Execute(context.Background(), okCall)
	require.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuit_Reset(t *testing.T) {
	cb, _ := testBreaker(1, time.Hour)

	_ = cb.Execute(context.Background(), failCall)
	assert.Equal(t, CircuitOpen, cb.State())

	cb.Reset()
	assert.Equal(t, CircuitClosed, cb.State())
	require.NoError(t, cb.Execute(context.Background(), okCall))
}

func TestCircuit_DefaultsApplied(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{})
	assert.Equal(t, 5, cb.cfg.FailureThreshold)
	assert.Equal(t, 30*time.Second, cb.cfg.ResetTimeout)
}

func TestServiceBreakers_PerVendor(t *testing.T) {
	sb := NewServiceBreakers(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})

	a := sb.Get("vendor_a")
	assert.Same(t, a, sb.Get("vendor_a"))
	b := sb.Get("vendor_b")
	assert.NotSame(t, a, b)

	// Tripping one vendor leaves the other closed.
	_ = a.Execute(context.Background(), failCall)
	states := sb.States()
	assert.Equal(t, CircuitOpen, states["vendor_a"])
	assert.Equal(t, CircuitClosed, states["vendor_b"])
}
