package trading

import (
	"context"
	"time"
)

// RealClock is the wall-clock implementation of Clock.
type RealClock struct{}

// Now returns the current wall-clock time.
func (RealClock) Now() time.Time { return time.Now() }

// Sleep blocks for d or until ctx is cancelled.
func (RealClock) Sleep(ctx context.Context, d time.Duration) error {
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

// NextBoundary returns the next multiple of period after now.
func (c RealClock) NextBoundary(period time.Duration) time.Time {
	if period <= 0 {
		return c.Now()
	}
	return c.Now().Truncate(period).Add(period)
}
