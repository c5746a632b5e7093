package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TheMichaelB/weavesync/internal/events"
	"github.com/TheMichaelB/weavesync/internal/models"
)

// retrier repeats remote operations that failed in a way a second attempt
// may fix.
type retrier struct {
	attempts int
	delay    time.Duration
	logger   *events.Logger
}

func (r *retrier) do(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	delay := r.delay

	for attempt := 0; attempt <= r.attempts; attempt++ {
		if attempt > 0 {
			r.logger.WithFields(map[string]interface{}{
				"op":      op,
				"attempt": attempt,
				"delay":   delay,
			}).Debug("Retrying")

			select {
			case <-time.After(delay):
				delay *= 2 // Exponential backoff
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err
		if !isRetryable(err) {
			return err
		}
	}

	return fmt.Errorf("%s: max retries exceeded: %w", op, lastErr)
}

// isRetryable reports network failures, throttling and server errors.
func isRetryable(err error) bool {
	var remote *models.RemoteError
	return errors.As(err, &remote) && remote.Retryable()
}
