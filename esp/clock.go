package esp

import (
	"context"
	"time"
)

// Clock is the monotonic time source used for response timeouts and
// post-send pauses.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// SystemClock is the wall clock. time.Now carries a monotonic reading, so
// differences between two Now values are immune to clock steps.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// pause blocks for d on clock, returning early with the context error if
// ctx is done first. A non-positive d returns immediately.
func pause(ctx context.Context, clock Clock, d time.Duration) error {
	if err := ctx.Err(); err != nil || d <= 0 {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clock.After(d):
		return nil
	}
}
