package mcperr

import (
	"context"
	"errors"
	"time"
)

// RetryOptions controls RunWithRetry. The zero value means a single attempt
// with no delay, matching the per-request default of the dispatcher.
type RetryOptions struct {
	// Count is the number of retries after the first attempt.
	Count int
	// Delay is the fixed pause between attempts.
	Delay time.Duration
}

// DefaultRetryDelay is used when RetryOptions.Delay is zero but retries are
// requested.
const DefaultRetryDelay = 1000 * time.Millisecond

// RunWithRetry runs op up to 1+opts.Count times, sleeping opts.Delay between
// attempts. Protocol-level errors (already-typed MCPErrors) are terminal and
// surfaced unchanged; only untyped transport failures are retried. After the
// last attempt the error is wrapped via Wrap.
func RunWithRetry(ctx context.Context, opts RetryOptions, op func(ctx context.Context) error) error {
	delay := opts.Delay
	if delay <= 0 {
		delay = DefaultRetryDelay
	}

	var err error
	for attempt := 0; attempt <= opts.Count; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Wrap(ctx.Err())
			case <-time.After(delay):
			}
		}

		err = op(ctx)
		if err == nil {
			return nil
		}
		if IsMCPError(err) {
			// Protocol-level error response, not a transport fault.
			return err
		}
	}

	return Wrap(err)
}

// IsMCPError reports whether err carries a typed MCPError anywhere in its
// chain.
func IsMCPError(err error) bool {
	var me *MCPError
	return errors.As(err, &me)
}
