package transport

import (
	"context"
	"time"
)

// Pace waits d between two calls to a rate-limited API. It returns early
// with the context error when ctx ends first.
func Pace(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
