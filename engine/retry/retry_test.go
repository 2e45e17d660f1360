// Package retry tests for the backoff policy
package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-sh/atelier/engine/config"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    4 * time.Millisecond,
	}
}

func TestDoSucceedsFirstCall(t *testing.T) {
	// A successful first call makes exactly one attempt.
	out, attempts, err := fastPolicy(3).Do(context.Background(), func() (string, error) {
		return "result", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "result", out)
	assert.Equal(t, 1, attempts)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	// A call that succeeds on the k-th attempt makes exactly k calls.
	calls := 0
	out, attempts, err := fastPolicy(5).Do(context.Background(), func() (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	// Persistent failure consumes every attempt and reports exhaustion.
	boom := errors.New("boom")
	calls := 0
	_, attempts, err := fastPolicy(3).Do(context.Background(), func() (string, error) {
		calls++
		return "", boom
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, attempts)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.ErrorIs(t, err, boom)
}

func TestDoPermanentFailsImmediately(t *testing.T) {
	// A permanent error makes one call and is never wrapped as exhaustion.
	boom := errors.New("no api key")
	calls := 0
	_, attempts, err := fastPolicy(5).Do(context.Background(), func() (string, error) {
		calls++
		return "", Permanent(boom)
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, boom)

	var exhausted *ExhaustedError
	assert.False(t, errors.As(err, &exhausted))
}

func TestDoRespectsContextCancellation(t *testing.T) {
	// Cancellation between attempts stops retrying.
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, _, err := fastPolicy(10).Do(ctx, func() (string, error) {
		calls++
		cancel()
		return "", errors.New("transient")
	})

	require.Error(t, err)
	assert.LessOrEqual(t, calls, 2)
}

func TestPermanentNil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
}

func TestFromConfig(t *testing.T) {
	p := FromConfig(config.RetryConfig{
		MaxAttempts: 4,
		BaseDelay:   config.Duration(250 * time.Millisecond),
		MaxDelay:    config.Duration(2 * time.Second),
	})

	assert.Equal(t, 4, p.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, p.BaseDelay)
	assert.Equal(t, 2*time.Second, p.MaxDelay)
}

func TestDoZeroAttemptsStillCallsOnce(t *testing.T) {
	calls := 0
	out, attempts, err := Policy{}.Do(context.Background(), func() (string, error) {
		calls++
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
}
