package engine

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/theblackhat55/ARIA5-DGRC-sub001/internal/model"
)

// retryBackoff retries fn on transient store errors with exponential
// backoff and full jitter. Validation and concurrency errors surface
// immediately; retrying those cannot help.
func retryBackoff(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	cur := base
	var lastErr error
	for i := 0; i < attempts; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !errors.Is(err, model.ErrTransientStore) {
			return err
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		if cur > 30*time.Second {
			cur = 30 * time.Second
		}
		sleep := time.Duration(rand.Int63n(int64(cur) + 1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		cur *= 2
	}
	return lastErr
}
