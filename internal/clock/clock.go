// Package clock abstracts time so that polling and backoff waits can be driven
// deterministically in tests.
package clock

import (
	"context"
	"time"
)

// Clock reports the current time and suspends callers.
type Clock interface {
	Now() time.Time

	// Sleep blocks for d or until ctx is done, whichever comes first.
	// Returns ctx.Err() when interrupted.
	Sleep(ctx context.Context, d time.Duration) error
}

// System is the wall clock.
type System struct{}

// Compile-time check to ensure System implements Clock
var _ Clock = System{}

// Now returns time.Now().
func (System) Now() time.Time {
	return time.Now()
}

// Sleep waits on a timer, stopping it early on cancellation.
func (System) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SleepSliced sleeps for d in increments of at most slice so that very long
// waits stay responsive to cancellation even on clocks that only check ctx
// between increments.
func SleepSliced(ctx context.Context, c Clock, d, slice time.Duration) error {
	if slice <= 0 {
		return c.Sleep(ctx, d)
	}
	for d > 0 {
		step := min(d, slice)
		if err := c.Sleep(ctx, step); err != nil {
			return err
		}
		d -= step
	}
	return ctx.Err()
}
