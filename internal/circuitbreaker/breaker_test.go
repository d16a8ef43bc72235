package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker() *CircuitBreaker {
	return New(&Config{
		Name:        "test",
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     10 * time.Millisecond,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 3 },
	})
}

func TestExecute_TripsOpenAfterConsecutiveFailures(t *testing.T) {
	cb := newTestBreaker()
	fail := func() error { return assert.AnError }

	for i := 0; i < 3; i++ {
		require.Error(t, cb.Execute(fail))
	}
	require.Equal(t, StateOpen, cb.State())

	err := cb.Execute(func() error { return nil })
	require.ErrorIs(t, err, ErrCircuitOpen)
}

func TestExecute_SingleFailureDoesNotTrip(t *testing.T) {
	cb := newTestBreaker()
	require.Error(t, cb.Execute(func() error { return assert.AnError }))
	require.NoError(t, cb.Execute(func() error { return nil }))
	require.Equal(t, StateClosed, cb.State())
}

func TestExecute_HalfOpenClosesAfterTrialSuccesses(t *testing.T) {
	cb := newTestBreaker()
	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return assert.AnError })
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	for i := 0; i < 2; i++ {
		require.NoError(t, cb.Execute(func() error { return nil }))
	}
	require.Equal(t, StateClosed, cb.State())
}

func TestExecute_HalfOpenFailureReopens(t *testing.T) {
	cb := newTestBreaker()
	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return assert.AnError })
	}
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	require.Error(t, cb.Execute(func() error { return assert.AnError }))
	require.Equal(t, StateOpen, cb.State())
}

func TestAllow_ReflectsCurrentState(t *testing.T) {
	cb := newTestBreaker()
	require.NoError(t, cb.Allow())
	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return assert.AnError })
	}
	require.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
}
