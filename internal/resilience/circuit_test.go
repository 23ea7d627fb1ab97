package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBusy = NewTransientError(errors.New("busy"), 503)

func fail(_ context.Context) error { return errBusy }
func ok(_ context.Context) error   { return nil }

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("claude", CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(context.Background(), fail), errBusy)
	}
	assert.Equal(t, CircuitOpen, cb.State())

	called := false
	err := cb.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.True(t, IsTransient(err))
	assert.False(t, called)
}

func TestCircuitBreaker_PermanentErrorsDoNotTrip(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("claude", CircuitBreakerConfig{FailureThreshold: 1})
	err := cb.Execute(context.Background(), func(context.Context) error {
		return NewPermanentError(errors.New("bad request"), 400)
	})
	require.Error(t, err)
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, 0, cb.Failures())
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("gemini", CircuitBreakerConfig{FailureThreshold: 3})
	_ = cb.Execute(context.Background(), fail)
	_ = cb.Execute(context.Background(), fail)
	assert.Equal(t, 2, cb.Failures())

	require.NoError(t, cb.Execute(context.Background(), ok))
	assert.Equal(t, 0, cb.Failures())
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	t.Parallel()

	now := time.Now()
	var transitions []CircuitState
	cb := NewCircuitBreaker("claude", CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     10 * time.Second,
		OnStateChange: func(_ string, _, to CircuitState) {
			transitions = append(transitions, to)
		},
	})
	cb.now = func() time.Time { return now }

	_ = cb.Execute(context.Background(), fail)
	require.Equal(t, CircuitOpen, cb.State())

	now = now.Add(11 * time.Second)
	assert.Equal(t, CircuitHalfOpen, cb.State())

	// Failed probe reopens.
	_ = cb.Execute(context.Background(), fail)
	assert.Equal(t, CircuitOpen, cb.State())

	now = now.Add(11 * time.Second)
	require.NoError(t, cb.Execute(context.Background(), ok))
	assert.Equal(t, CircuitClosed, cb.State())

	assert.Equal(t, []CircuitState{CircuitOpen, CircuitHalfOpen, CircuitOpen, CircuitHalfOpen, CircuitClosed}, transitions)
}

func TestCircuitBreaker_Reset(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("x", CircuitBreakerConfig{FailureThreshold: 1})
	_ = cb.Execute(context.Background(), fail)
	require.Equal(t, CircuitOpen, cb.State())

	cb.Reset()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, 0, cb.Failures())
}

func TestExecuteVal(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("x", DefaultCircuitBreakerConfig())
	v, err := ExecuteVal(context.Background(), cb, func(context.Context) (string, error) {
		return "records", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "records", v)
}

func TestBreakers_SharedPerName(t *testing.T) {
	t.Parallel()

	b := NewBreakers(CircuitBreakerConfig{FailureThreshold: 1})

	var wg sync.WaitGroup
	got := make([]*CircuitBreaker, 10)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = b.Get("anthropic")
		}(i)
	}
	wg.Wait()
	for _, cb := range got {
		assert.Same(t, got[0], cb)
	}

	_ = b.Get("anthropic").Execute(context.Background(), fail)
	_ = b.Get("gemini")

	assert.Equal(t, map[string]string{"anthropic": "open", "gemini": "closed"}, b.States())
}
