package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBreaker(clock clockwork.Clock) *CircuitBreaker {
	return New(&Config{
		Name:        "test",
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: RatioTrip(4, 0.5),
		Clock:       clock,
		OnStateChange: func(string, State, State) {
			// quiet in tests
		},
	})
}

func fail(cb *CircuitBreaker) error {
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, errors.New("boom")
	})
	return err
}

func succeed(cb *CircuitBreaker) error {
	_, err := cb.Execute(func() (interface{}, error) {
		return "ok", nil
	})
	return err
}

func TestBreakerStaysClosedBelowMinRequests(t *testing.T) {
	cb := testBreaker(clockwork.NewFakeClock())

	for i := 0; i < 3; i++ {
		require.Error(t, fail(cb))
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerTripsOnFailureRatio(t *testing.T) {
	cb := testBreaker(clockwork.NewFakeClock())

	require.NoError(t, succeed(cb))
	for i := 0; i < 3; i++ {
		require.Error(t, fail(cb))
	}
	// 4 requests, 75% failures
	assert.Equal(t, StateOpen, cb.State())

	err := succeed(cb)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreakerHalfOpenAfterTimeout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cb := testBreaker(clock)

	for i := 0; i < 4; i++ {
		_ = fail(cb)
	}
	require.Equal(t, StateOpen, cb.State())

	clock.Advance(31 * time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())
}

func TestHalfOpenSuccessesCloseBreaker(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cb := testBreaker(clock)

	for i := 0; i < 4; i++ {
		_ = fail(cb)
	}
	clock.Advance(31 * time.Second)

	require.NoError(t, succeed(cb))
	require.NoError(t, succeed(cb))
	assert.Equal(t, StateClosed, cb.State())
}

func TestHalfOpenFailureReopensBreaker(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cb := testBreaker(clock)

	for i := 0; i < 4; i++ {
		_ = fail(cb)
	}
	clock.Advance(31 * time.Second)

	require.Error(t, fail(cb))
	assert.Equal(t, StateOpen, cb.State())
}

func TestHalfOpenLimitsProbes(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cb := testBreaker(clock)

	for i := 0; i < 4; i++ {
		_ = fail(cb)
	}
	clock.Advance(31 * time.Second)
	require.Equal(t, StateHalfOpen, cb.State())

	// Two probes in flight, the third rejected.
	_, err := cb.beforeRequest()
	require.NoError(t, err)
	_, err = cb.beforeRequest()
	require.NoError(t, err)
	_, err = cb.beforeRequest()
	assert.ErrorIs(t, err, ErrTooManyRequests)
}

func TestAllowRecordPairDrivesRecovery(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cb := testBreaker(clock)

	for i := 0; i < 4; i++ {
		_ = fail(cb)
	}
	clock.Advance(31 * time.Second)

	require.NoError(t, cb.Allow())
	cb.RecordSuccess()
	require.NoError(t, cb.Allow())
	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.State())
}

func TestAllowRejectsWhenOpen(t *testing.T) {
	cb := testBreaker(clockwork.NewFakeClock())

	for i := 0; i < 4; i++ {
		_ = fail(cb)
	}
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
}

func TestDoReturnsTypedResult(t *testing.T) {
	cb := testBreaker(clockwork.NewFakeClock())

	got, err := Do(context.Background(), cb, func(context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)

	_, err = Do(context.Background(), cb, func(context.Context) (int, error) {
		return 0, errors.New("boom")
	})
	assert.Error(t, err)
}

func TestManagerReturnsSameBreakerPerName(t *testing.T) {
	m := NewManager(DefaultConfig(""))

	a := m.Get("vault")
	b := m.Get("vault")
	c := m.Get("downstream")

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.ElementsMatch(t, []string{"vault", "downstream"}, m.List())
}

func TestManagerHealthStatus(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := NewManager(&Config{
		MaxRequests: 2,
		Timeout:     30 * time.Second,
		ReadyToTrip: RatioTrip(2, 0.5),
		Clock:       clock,
		OnStateChange: func(string, State, State) {
		},
	})

	m.Get("vault")
	status, detail := m.HealthStatus()
	assert.Equal(t, "HEALTHY", status)
	assert.Equal(t, "CLOSED", detail["vault"])

	cb := m.Get("vault")
	_ = fail(cb)
	_ = fail(cb)
	status, detail = m.HealthStatus()
	assert.Equal(t, "DEGRADED", status)
	assert.Equal(t, "OPEN", detail["vault"])
}

func TestCountsFailureRatio(t *testing.T) {
	var c Counts
	assert.Equal(t, 0.0, c.FailureRatio())

	c.OnRequest()
	c.OnSuccess()
	for i := 0; i < 3; i++ {
		c.OnRequest()
		c.OnFailure()
	}
	assert.InDelta(t, 0.75, c.FailureRatio(), 1e-9)
	assert.Equal(t, uint32(3), c.ConsecutiveFailures)

	c.OnRequest()
	c.OnSuccess()
	assert.Equal(t, uint32(0), c.ConsecutiveFailures)
	assert.Equal(t, uint32(1), c.ConsecutiveSuccesses)
}
