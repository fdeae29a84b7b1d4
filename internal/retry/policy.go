// ABOUTME: Shared retry policy value object for queue drains and realtime reconnects
// ABOUTME: One place for max attempts, base delay, and backoff multiplier

package retry

import (
	"context"
	"math"
	"time"
)

// Policy describes a bounded exponential backoff schedule. The same policy
// value is shared by the mutation queue's retry ceiling and the realtime
// channel's reconnect loop, parameterized per call site.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// Default is the reference schedule: five attempts starting at one second,
// doubling each time, capped at thirty seconds.
var Default = Policy{
	MaxAttempts: 5,
	BaseDelay:   time.Second,
	Multiplier:  2,
	MaxDelay:    30 * time.Second,
}

// Delay returns the wait before the given attempt (1-based). Attempt 1 waits
// BaseDelay, attempt 2 waits BaseDelay*Multiplier, and so on.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1)))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Exhausted reports whether the given number of completed attempts has
// reached the ceiling.
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

// Wait blocks for the backoff delay of the given attempt, returning early
// with the context's error if it is cancelled.
func (p Policy) Wait(ctx context.Context, attempt int) error {
	timer := time.NewTimer(p.Delay(attempt))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
