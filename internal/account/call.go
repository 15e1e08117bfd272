package account

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
)

// Call runs fn against service, retrying transient failures with
// exponential backoff. Any failure it returns is an *APIError.
func Call[T any](ctx context.Context, a *Account, service, operation string, fn func(context.Context) (T, error)) (T, error) {
	limiter := a.limiter(service)
	attempts := 0

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = a.retry.InitialInterval
	eb.MaxInterval = a.retry.MaxInterval

	res, err := backoff.Retry(ctx,
		func() (T, error) {
			var zero T
			if err := limiter.Wait(ctx); err != nil {
				return zero, backoff.Permanent(err)
			}
			attempts++
			start := time.Now()
			out, err := fn(ctx)
			a.metrics.RecordAPICall(ctx, service, operation, time.Since(start), err)
			if err != nil && !IsTransient(err) {
				return out, backoff.Permanent(err)
			}
			return out, err
		},
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(max(a.retry.MaxAttempts, 1))),
		backoff.WithNotify(func(err error, wait time.Duration) {
			a.metrics.RecordRetry(ctx, service, operation)
			log.Debug().
				Err(err).
				Str("service", service).
				Str("operation", operation).
				Str("region", a.region).
				Int("attempt", attempts).
				Dur("wait", wait).
				Msg("transient failure, retrying")
		}),
	)
	if err != nil {
		var zero T
		return zero, &APIError{
			Service:   service,
			Operation: operation,
			Attempts:  attempts,
			Cause:     err,
		}
	}
	return res, nil
}
