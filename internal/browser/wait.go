package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod/lib/utils"
)

// DefaultPollInterval is used when a session is created without one.
const DefaultPollInterval = 100 * time.Millisecond

// Sleep blocks for d or until ctx is done. It is the blind settle wait.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	return utils.BackoffSleeper(d, d, nil)(ctx)
}

// Poll evaluates check every interval until it reports true or timeout elapses.
// The first check runs immediately. Check errors do not stop polling; the last
// one is attached to the ErrWaitTimeout returned on the poll's own deadline.
// When ctx itself ends first its error is returned unchanged.
func Poll(ctx context.Context, interval, timeout time.Duration, check func(ctx context.Context) (bool, error)) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	pollCtx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	var lastErr error
	err := utils.Retry(pollCtx, utils.BackoffSleeper(interval, interval, nil), func() (bool, error) {
		ok, err := check(pollCtx)
		if err != nil {
			lastErr = err
			return false, nil
		}
		return ok, nil
	})
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if lastErr != nil {
		return fmt.Errorf("%w after %v: %v", ErrWaitTimeout, timeout, lastErr)
	}
	return fmt.Errorf("%w after %v", ErrWaitTimeout, timeout)
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
