package repo

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	retryAttempts = 3
	retryBase     = 500 * time.Millisecond
)

// WithRetry runs fn up to three times with exponential backoff
// (500ms, 1s). The last error is returned if every attempt fails.
func WithRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			delay := retryBase << uint(attempt-1)
			log.Warn().Str("op", op).Int("attempt", attempt).Dur("delay", delay).Err(err).
				Msg("retrying storage operation")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = fn(ctx); err == nil {
			return nil
		}
	}
	return err
}
