// Package retry provides the backoff wrapper applied around every role
// invocation, in the revision loop and in fan-out branches alike.
//
// The policy retries transient failures (transport errors, timeouts, blank
// responses) with exponential backoff: the delay doubles each retry up to a
// ceiling. Non-retryable preconditions marked with Permanent fail on the
// first call without consuming a retry.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/atelier-sh/atelier/engine/config"
)

// Policy configures retry behavior for one call site.
type Policy struct {
	// MaxAttempts is the total number of calls, first attempt included.
	MaxAttempts int
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration
}

// FromConfig builds a Policy from the engine retry configuration.
func FromConfig(cfg config.RetryConfig) Policy {
	return Policy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay.Std(),
		MaxDelay:    cfg.MaxDelay.Std(),
	}
}

// ExhaustedError is returned when all attempts failed. It wraps the last
// observed error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("exhausted %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// PermanentError marks an error as non-retryable.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Do fails immediately instead of retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Do runs op under the policy and returns its result along with the exact
// number of underlying calls made. On exhaustion the returned error is an
// *ExhaustedError wrapping the last failure; a Permanent-marked error is
// returned as-is after a single call.
func (p Policy) Do(ctx context.Context, op func() (string, error)) (string, int, error) {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.BaseDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = p.MaxDelay
	bo.MaxElapsedTime = 0
	bo.Reset()

	var (
		out       string
		attempts  int
		permanent bool
	)

	operation := func() error {
		attempts++
		text, err := op()
		if err != nil {
			var pe *PermanentError
			if errors.As(err, &pe) {
				permanent = true
				return backoff.Permanent(err)
			}
			return err
		}
		out = text
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(p.MaxAttempts-1)), ctx)
	if err := backoff.Retry(operation, b); err != nil {
		if permanent {
			return "", attempts, err
		}
		return "", attempts, &ExhaustedError{Attempts: attempts, Err: err}
	}
	return out, attempts, nil
}
