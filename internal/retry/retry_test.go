package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy() Policy {
	return Policy{
		Schedule:     []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond},
		MaxAttempts:  3,
		MaxBackoff:   30 * time.Second,
		JitterFactor: 0.2,
	}
}

func TestPolicy_BackoffWithinJitterBounds(t *testing.T) {
	p := NewPolicy()

	for attempt, base := range DefaultSchedule {
		for range 50 {
			d := p.Backoff(attempt)
			assert.GreaterOrEqual(t, d, time.Duration(float64(base)*0.8))
			assert.LessOrEqual(t, d, time.Duration(float64(base)*1.2))
		}
	}
}

func TestPolicy_BackoffDoublesBeyondScheduleAndCaps(t *testing.T) {
	p := NewPolicy()
	p.JitterFactor = 0

	// Attempt 3 doubles the last scheduled delay, already at the cap.
	assert.Equal(t, 30*time.Second, p.Backoff(3))
	assert.Equal(t, 30*time.Second, p.Backoff(10))

	p.Schedule = []time.Duration{time.Second}
	assert.Equal(t, 2*time.Second, p.Backoff(1))
	assert.Equal(t, 4*time.Second, p.Backoff(2))
	assert.Equal(t, 30*time.Second, p.Backoff(20))
}

func TestPolicy_BackoffEdgeCases(t *testing.T) {
	p := NewPolicy()
	assert.Equal(t, time.Duration(0), p.Backoff(-1))

	p.Schedule = nil
	assert.Equal(t, time.Duration(0), p.Backoff(0))
}

func TestPolicy_ShouldRetry(t *testing.T) {
	p := NewPolicy()
	assert.True(t, p.ShouldRetry(0))
	assert.True(t, p.ShouldRetry(2))
	assert.False(t, p.ShouldRetry(3))
}

func TestExecute_SucceedsFirstTry(t *testing.T) {
	var successAttempts int
	res := testPolicy().Execute(context.Background(), func(int) error {
		return nil
	}, Callbacks{OnSuccess: func(n int) { successAttempts = n }})

	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, successAttempts)
	require.Len(t, res.History, 1)
	assert.True(t, res.History[0].Success)
}

func TestExecute_RetriesThenSucceeds(t *testing.T) {
	var retries []int
	calls := 0
	res := testPolicy().Execute(context.Background(), func(attempt int) error {
		calls++
		if attempt < 2 {
			return errors.New("transient")
		}
		return nil
	}, Callbacks{OnRetry: func(_ error, attempt int, _ time.Duration) {
		retries = append(retries, attempt)
	}})

	assert.True(t, res.Success)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{0, 1}, retries)
	assert.Len(t, res.History, 3)
}

func TestExecute_ExhaustsBudget(t *testing.T) {
	boom := errors.New("boom")
	var finalErr error
	var finalAttempts int

	res := testPolicy().Execute(context.Background(), func(int) error {
		return boom
	}, Callbacks{OnFinalError: func(err error, n int) {
		finalErr, finalAttempts = err, n
	}})

	assert.False(t, res.Success)
	assert.Equal(t, 3, res.Attempts)
	assert.ErrorIs(t, res.Err, boom)
	assert.ErrorIs(t, finalErr, boom)
	assert.Equal(t, 3, finalAttempts)
	assert.Len(t, res.History, 3)
}

func TestExecute_CallbackPanicDoesNotAbort(t *testing.T) {
	calls := 0
	res := testPolicy().Execute(context.Background(), func(attempt int) error {
		calls++
		if attempt == 0 {
			return errors.New("transient")
		}
		return nil
	}, Callbacks{
		OnRetry:   func(error, int, time.Duration) { panic("observer bug") },
		OnSuccess: func(int) { panic("observer bug") },
	})

	assert.True(t, res.Success)
	assert.Equal(t, 2, calls)
}

func TestExecute_ContextCancelsBackoffSleep(t *testing.T) {
	p := testPolicy()
	p.Schedule = []time.Duration{10 * time.Second}
	p.MaxAttempts = 2

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	res := p.Execute(ctx, func(int) error {
		return errors.New("always")
	}, Callbacks{})

	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}
