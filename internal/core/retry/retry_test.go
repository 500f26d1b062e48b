package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRun_SuccessOnFirstAttempt(t *testing.T) {
	calls := 0
	result := Run(context.Background(), DefaultConfig(), func(ctx context.Context, i int) (Outcome, error) {
		calls++
		return Outcome{StatusCode: 200}, nil
	})
	require.True(t, result.Succeeded)
	require.Equal(t, 1, calls)
	require.Equal(t, 0, result.RetriesUsed)
}

func TestRun_NonRetryableStatusStopsImmediately(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryOnFailure = true
	calls := 0
	result := Run(context.Background(), cfg, func(ctx context.Context, i int) (Outcome, error) {
		calls++
		return Outcome{StatusCode: 400}, nil
	})
	require.False(t, result.Succeeded)
	require.Equal(t, 1, calls)
}

func TestRun_RetryOnFailureDisabled_OneAttempt(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryOnFailure = false
	calls := 0
	result := Run(context.Background(), cfg, func(ctx context.Context, i int) (Outcome, error) {
		calls++
		return Outcome{StatusCode: 429}, nil
	})
	require.Equal(t, 1, calls)
	require.False(t, result.Succeeded)
}

func TestRun_Status429ExhaustsMaxRetriesPlusOneAttempts(t *testing.T) {
	cfg := Config{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2, RetryOnFailure: true}
	calls := 0
	result := Run(context.Background(), cfg, func(ctx context.Context, i int) (Outcome, error) {
		calls++
		return Outcome{StatusCode: 429}, nil
	})
	require.Equal(t, 4, calls) // max-retries+1
	require.Equal(t, 3, result.RetriesUsed)
	require.False(t, result.Succeeded)
}

func TestRun_SucceedsAfterTransientFailures(t *testing.T) {
	cfg := Config{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2, RetryOnFailure: true}
	calls := 0
	result := Run(context.Background(), cfg, func(ctx context.Context, i int) (Outcome, error) {
		calls++
		if calls < 3 {
			return Outcome{StatusCode: 503, Retryable: true}, nil
		}
		return Outcome{StatusCode: 200}, nil
	})
	require.True(t, result.Succeeded)
	require.Equal(t, 3, calls)
}

func TestIsRetryableStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		require.True(t, IsRetryableStatus(code))
	}
	for _, code := range []int{200, 201, 301, 400, 401, 403, 404} {
		require.False(t, IsRetryableStatus(code))
	}
}
