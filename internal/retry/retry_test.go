package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func TestDo_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	var retried []int

	val, err := Do(context.Background(), Policy{
		MaxAttempts: 3,
		OnRetry:     func(attempt int, _ error, _ time.Duration) { retried = append(retried, attempt) },
	}, nil, func() (string, error) {
		calls++
		if calls < 3 {
			return "", errTransient
		}
		return "ok", nil
	})

	require.NoError(t, err)
	require.Equal(t, "ok", val)
	require.Equal(t, 3, calls)
	require.Equal(t, []int{1, 2}, retried)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := DoVoid(context.Background(), Policy{MaxAttempts: 3}, nil, func() error {
		calls++
		return errTransient
	})

	require.ErrorIs(t, err, errTransient)
	require.Contains(t, err.Error(), "failed after 3 attempts")
	require.Equal(t, 3, calls)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	err := DoVoid(context.Background(), Policy{MaxAttempts: 5}, nil, func() error {
		calls++
		return Permanent(errTransient)
	})

	var perm *PermanentError
	require.ErrorAs(t, err, &perm)
	require.ErrorIs(t, err, errTransient)
	require.Equal(t, 1, calls)
}

func TestDo_BackoffDoublesAndCaps(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var waits []time.Duration

	done := make(chan error, 1)
	go func() {
		done <- DoVoid(context.Background(), Policy{
			MaxAttempts:    4,
			InitialBackoff: time.Second,
			MaxBackoff:     1500 * time.Millisecond,
			Clock:          clock,
			OnRetry:        func(_ int, _ error, d time.Duration) { waits = append(waits, d) },
		}, nil, func() error { return errTransient })
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(2 * time.Second)
	}

	require.Error(t, <-done)
	require.Equal(t, []time.Duration{time.Second, 1500 * time.Millisecond, 1500 * time.Millisecond}, waits)
}

func TestDo_ContextCancelled(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- DoVoid(ctx, Policy{MaxAttempts: 3, InitialBackoff: time.Minute, Clock: clock}, nil, func() error {
			return errTransient
		})
	}()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
	cancel()

	err := <-done
	require.ErrorIs(t, err, context.Canceled)
}
