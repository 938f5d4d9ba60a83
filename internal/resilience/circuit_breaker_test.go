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

var errBoom = errors.New("boom")

func alwaysFail(_ context.Context) error { return errBoom }

func alwaysPass(_ context.Context) error { return nil }

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb := NewCircuitBreaker(DefaultSettings("test"))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := NewCircuitBreaker(Settings{Name: "test", MaxFailures: 3, ResetTimeout: time.Minute})

	ctx := context.Background()
	for range 3 {
		err := cb.Execute(ctx, alwaysFail)
		require.ErrorIs(t, err, errBoom)
	}

	assert.Equal(t, StateOpen, cb.State())

	// Subsequent calls are rejected without invoking the function
	called := false
	err := cb.Execute(ctx, func(_ context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(Settings{Name: "test", MaxFailures: 3, ResetTimeout: time.Minute})

	ctx := context.Background()
	require.Error(t, cb.Execute(ctx, alwaysFail))
	require.Error(t, cb.Execute(ctx, alwaysFail))
	require.NoError(t, cb.Execute(ctx, alwaysPass))

	// Two more failures should not open the circuit (counter was reset)
	require.Error(t, cb.Execute(ctx, alwaysFail))
	require.Error(t, cb.Execute(ctx, alwaysFail))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenAfterResetTimeout(t *testing.T) {
	cb := NewCircuitBreaker(Settings{
		Name:         "test",
		MaxFailures:  1,
		ResetTimeout: 20 * time.Millisecond,
	})

	ctx := context.Background()
	require.Error(t, cb.Execute(ctx, alwaysFail))
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())
}

func TestCircuitBreaker_ClosesAfterHalfOpenSuccesses(t *testing.T) {
	cb := NewCircuitBreaker(Settings{
		Name:                "test",
		MaxFailures:         1,
		ResetTimeout:        10 * time.Millisecond,
		HalfOpenMaxRequests: 2,
	})

	ctx := context.Background()
	require.Error(t, cb.Execute(ctx, alwaysFail))
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, cb.Execute(ctx, alwaysPass))
	require.NoError(t, cb.Execute(ctx, alwaysPass))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(Settings{
		Name:         "test",
		MaxFailures:  1,
		ResetTimeout: 10 * time.Millisecond,
	})

	ctx := context.Background()
	require.Error(t, cb.Execute(ctx, alwaysFail))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	require.Error(t, cb.Execute(ctx, alwaysFail))
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_CallTimeoutAppliesDeadline(t *testing.T) {
	cb := NewCircuitBreaker(Settings{
		Name:        "test",
		MaxFailures: 5,
		CallTimeout: 20 * time.Millisecond,
	})

	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.EqualValues(t, 1, cb.Metrics().TotalFailures)
}

func TestCircuitBreaker_OnStateChangeCallback(t *testing.T) {
	var mu sync.Mutex
	var transitions []string

	cb := NewCircuitBreaker(Settings{
		Name:         "test",
		MaxFailures:  1,
		ResetTimeout: time.Minute,
		OnStateChange: func(name string, from, to State) {
			mu.Lock()
			transitions = append(transitions, from.String()+"->"+to.String())
			mu.Unlock()
		},
	})

	require.Error(t, cb.Execute(context.Background(), alwaysFail))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, transitions, 1)
	assert.Equal(t, "closed->open", transitions[0])
}

func TestCircuitBreaker_MetricsSnapshot(t *testing.T) {
	cb := NewCircuitBreaker(Settings{Name: "metrics", MaxFailures: 10})

	ctx := context.Background()
	require.NoError(t, cb.Execute(ctx, alwaysPass))
	require.Error(t, cb.Execute(ctx, alwaysFail))

	m := cb.Metrics()
	assert.Equal(t, "metrics", m.Name)
	assert.EqualValues(t, 2, m.TotalRequests)
	assert.EqualValues(t, 1, m.TotalSuccesses)
	assert.EqualValues(t, 1, m.TotalFailures)
	assert.EqualValues(t, 1, m.ConsecutiveFailures)
}

func TestCircuitBreaker_ConcurrentExecute(t *testing.T) {
	cb := NewCircuitBreaker(Settings{Name: "test", MaxFailures: 1000})

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				_ = cb.Execute(context.Background(), alwaysPass)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1000, cb.Metrics().TotalRequests)
	assert.Equal(t, StateClosed, cb.State())
}
