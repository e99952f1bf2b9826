package treelock

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryPolicy runs an action a bounded number of times with a fixed delay between failures.
type RetryPolicy struct {
	// Attempts is the total number of tries, at least 1.
	Attempts int
	// Delay is waited between a failed attempt and the next one.
	Delay time.Duration
	// RetryIf classifies failures. Nil retries every failure; returning false stops the loop
	// and surfaces that failure as is.
	RetryIf func(error) bool
}

// RetryExhaustion is the UserData of an ExhaustedRetries error.
type RetryExhaustion struct {
	Description string
	Attempts    int
}

// NewRetryPolicy validates the attempt budget and delay.
func NewRetryPolicy(attempts int, delay time.Duration) (RetryPolicy, error) {
	if attempts < 1 {
		return RetryPolicy{}, NewError(InvalidConfiguration, attempts, "retry attempts must be at least 1, got %d", attempts)
	}
	if delay < 0 {
		return RetryPolicy{}, NewError(InvalidConfiguration, delay.String(), "retry delay can't be negative, got %v", delay)
	}
	return RetryPolicy{Attempts: attempts, Delay: delay}, nil
}

func (p RetryPolicy) retryable(err error) bool {
	if p.RetryIf == nil {
		return true
	}
	return p.RetryIf(err)
}

// Do runs action until it succeeds, the attempt budget is spent, a failure is classified as
// permanent, or ctx is done while waiting between attempts.
//
// A nil error from action is success whatever the value. Spending the budget yields an
// ExhaustedRetries error wrapping the last failure.
func Do[T any](ctx context.Context, p RetryPolicy, description string, action func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if p.Attempts < 1 {
		return zero, NewError(InvalidConfiguration, p.Attempts, "retry attempts must be at least 1, got %d", p.Attempts)
	}

	var (
		result    T
		lastErr   error
		permanent bool
		attempt   int
	)
	delay := p.Delay
	b := retry.WithMaxRetries(uint64(p.Attempts-1), retry.BackoffFunc(func() (time.Duration, bool) {
		return delay, false
	}))

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		v, err := action(ctx)
		if err == nil {
			log.Debug("retry attempt succeeded", "description", description, "currentAttempt", attempt,
				"retryDelay", delay, "attemptCount", p.Attempts)
			result = v
			return nil
		}
		lastErr = err
		log.Debug("retry attempt failed", "description", description, "currentAttempt", attempt,
			"retryDelay", delay, "attemptCount", p.Attempts, "error", err)
		if ctxErr := ctx.Err(); ctxErr != nil {
			permanent = true
			lastErr = errors.Join(ctxErr, err)
			return err
		}
		if !p.retryable(err) {
			permanent = true
			return err
		}
		return retry.RetryableError(err)
	})
	if err == nil {
		return result, nil
	}
	if permanent {
		return zero, lastErr
	}
	// The loop only ends without a permanent failure when it ran out of attempts or was
	// cancelled while waiting.
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return zero, err
	}
	return zero, Error{
		Code:     ExhaustedRetries,
		Err:      fmt.Errorf("failed to perform %q after %d attempt(s): %w", description, attempt, lastErr),
		UserData: RetryExhaustion{Description: description, Attempts: attempt},
	}
}

// Retry executes task with Fibonacci backoff up to 5 retries, retrying only failures
// ShouldRetry accepts. If retries are exhausted, gaveUpTask is invoked (when not nil) and
// the final error is returned.
func Retry(ctx context.Context, task func(ctx context.Context) error, gaveUpTask func(ctx context.Context)) error {
	b := retry.NewFibonacci(1 * time.Second)
	if err := retry.Do(ctx, retry.WithMaxRetries(5, b), func(ctx context.Context) error {
		err := task(ctx)
		if ShouldRetry(err) {
			return retry.RetryableError(err)
		}
		return err
	}); err != nil {
		log.Warn(err.Error() + ", gave up")
		if gaveUpTask != nil {
			gaveUpTask(ctx)
		}
		return err
	}
	return nil
}

// ShouldRetry reports whether the error is retryable: non-nil, not a context error, and not
// a failure that needs operator action or a different request.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch CodeOf(err) {
	case CorruptedResource, ExhaustedRetries, NodeNotFound, ItemExists, InvalidState,
		InvalidConfiguration, RollbackFailure:
		return false
	}
	return true
}
