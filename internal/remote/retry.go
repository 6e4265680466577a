package remote

import (
	"context"
	"errors"
	"time"

	"github.com/aweris/blobsync/internal/object"
)

const defaultAttempts = 3

// retry runs fn up to maxAttempts times with exponential backoff. Not-found
// answers are final and returned immediately.
func retry[T any](ctx context.Context, maxAttempts int, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for i := range maxAttempts {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		if errors.Is(err, object.ErrNotFound) || isNotFound(err) {
			return zero, err
		}
		lastErr = err
		if i < maxAttempts-1 {
			delay := time.Duration(1<<i) * 500 * time.Millisecond // 500ms, 1s, 2s, 4s...
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return zero, lastErr
}
