package txn

import (
	"context"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/rs/zerolog/log"

	"github.com/nexuskernel/dbkernel/internal/dbmodel"
)

// RetryOptions configures RunWithRetry.
type RetryOptions struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func DefaultRetryOptions() RetryOptions {
	return RetryOptions{MaxAttempts: 3, BaseDelay: 50 * time.Millisecond}
}

// RunWithRetry begins a fresh transaction and runs fn, retrying the
// whole attempt (a new Begin, a new backend transaction) on a retryable
// fault; a failed transaction cannot be resumed, only redone. Backoff is
// exponential from BaseDelay, classified against the owning adapter's
// IsRetryable.
func (c *Coordinator) RunWithRetry(ctx context.Context, opts BeginOptions, retryOpts RetryOptions, fn func(ctx context.Context, tc *Context) error) (*dbmodel.TransactionResult, error) {
	if retryOpts.MaxAttempts <= 0 {
		retryOpts = DefaultRetryOptions()
	}

	var (
		result *dbmodel.TransactionResult
		tries  int
	)

	err := retry.Do(
		func() error {
			tries++
			tc, beginErr := c.Begin(ctx, opts)
			if beginErr != nil {
				return beginErr
			}
			tc.RetryCount = tries - 1
			adapter, ok := c.adapters[tc.Backend]

			if runErr := fn(ctx, tc); runErr != nil {
				_, _ = c.rollbackWithReason(ctx, tc, runErr.Error())
				if ok && adapter.IsRetryable(runErr) {
					return runErr
				}
				return retry.Unrecoverable(runErr)
			}

			committed, commitErr := c.Commit(ctx, tc)
			if commitErr != nil {
				if ok && adapter.IsRetryable(commitErr) {
					return commitErr
				}
				return retry.Unrecoverable(commitErr)
			}
			result = committed
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(retryOpts.MaxAttempts)),
		retry.Delay(retryOpts.BaseDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warn().Uint("attempt", n+1).Err(err).Msg("txn: retrying transaction after transient fault")
		}),
	)
	if err != nil {
		return nil, err
	}
	return result, nil
}
