package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/errors"
)

var errBackend = errors.New("backend unavailable")

func TestCircuitOpensAfterThreshold(t *testing.T) {
	var transitions []State
	cb := NewCircuitBreaker("store", CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Hour,
		OnStateChange:    func(_ string, to State) { transitions = append(transitions, to) },
	})
	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, cb.Execute(func() error { return errBackend }), errBackend)
	}
	assert.Equal(t, StateOpen, cb.GetState())
	assert.ErrorIs(t, cb.Execute(func() error { return nil }), ErrCircuitOpen)
	assert.Equal(t, []State{StateOpen}, transitions)
}

func TestCircuitAdmitsOneTrial(t *testing.T) {
	now := time.Unix(0, 0)
	cb := NewCircuitBreaker("store", CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second})
	cb.now = func() time.Time { return now }
	_ = cb.Execute(func() error { return errBackend })
	require.Equal(t, StateOpen, cb.GetState())
	now = now.Add(time.Second)

	err := cb.Execute(func() error {
		assert.Equal(t, StateHalfOpen, cb.GetState())
		assert.ErrorIs(t, cb.Execute(func() error { return nil }), ErrCircuitOpen)
		return errBackend
	})
	assert.ErrorIs(t, err, errBackend)
	assert.Equal(t, StateOpen, cb.GetState())

	now = now.Add(time.Second)
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitHalfOpenRecovers(t *testing.T) {
	cb := NewCircuitBreaker("store", CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Millisecond})
	_ = cb.Execute(func() error { return errBackend })
	require.Equal(t, StateOpen, cb.GetState())
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitIgnoresNonFailures(t *testing.T) {
	notFound := errors.New("not found")
	cb := NewCircuitBreaker("store", CircuitBreakerConfig{
		FailureThreshold: 1,
		IsFailure:        func(err error) bool { return !errors.Is(err, notFound) },
	})
	assert.ErrorIs(t, cb.Execute(func() error { return notFound }), notFound)
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestRetrySucceedsEventually(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), "upload", RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond}, func() error {
		calls++
		if calls < 3 {
			return errBackend
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	permanent := errors.New("bad request")
	err := Retry(context.Background(), "upload", RetryConfig{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		Retryable:    func(err error) bool { return !errors.Is(err, permanent) },
	}, func() error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestRetryExhausted(t *testing.T) {
	err := Retry(context.Background(), "upload", RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond}, func() error {
		return errBackend
	})
	assert.ErrorIs(t, err, errBackend)
}

func TestWithTimeout(t *testing.T) {
	err := WithTimeout(context.Background(), 5*time.Millisecond, "fetch terms/0", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, apperrors.ErrTimeout)
	assert.Contains(t, err.Error(), "fetch terms/0")

	parent, cancel := context.WithCancel(context.Background())
	cancel()
	err = WithTimeout(parent, time.Second, "fetch", func(ctx context.Context) error { return ctx.Err() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, apperrors.ErrTimeout)

	assert.NoError(t, WithTimeout(context.Background(), 0, "fetch", func(context.Context) error { return nil }))
}

func TestRetryDelayIsBounded(t *testing.T) {
	cfg := RetryConfig{InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}.withDefaults()
	for attempt := 1; attempt <= 10; attempt++ {
		d := cfg.delay(attempt)
		assert.GreaterOrEqual(t, d, 5*time.Millisecond)
		assert.LessOrEqual(t, d, 50*time.Millisecond)
	}
}

func TestRetryAbandonsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, "announce", RetryConfig{MaxAttempts: 5, InitialDelay: time.Hour}, func() error {
		calls++
		cancel()
		return errBackend
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
