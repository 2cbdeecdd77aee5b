package util

import (
	"context"
	"time"

	"github.com/avast/retry-go"
	log "github.com/sirupsen/logrus"
)

// RetryWithBackoff performs action up to attempts times, backing off exponentially from delay, and gives up early
// once ctx is done. The last error is returned.
func RetryWithBackoff(ctx context.Context, attempts uint, delay time.Duration, description string, action func() error) error {
	if attempts == 0 {
		attempts = 1
	}
	return retry.Do(
		action,
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).Warnf("%s failed (attempt %d of %d)", description, n+1, attempts)
		}),
	)
}
