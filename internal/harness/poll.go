package harness

import (
	"context"
	"fmt"
	"time"
)

// PollUntil calls probe every interval until it returns true, the deadline
// elapses, or ctx is cancelled. It is the single polling primitive used by
// the readiness gate and the terminator; there are no ad hoc wait loops
// elsewhere in the harness.
func PollUntil(ctx context.Context, interval, deadline time.Duration, probe func() bool) error {
	if probe() {
		return nil
	}
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("condition not met within %s", deadline)
		case <-ticker.C:
			if probe() {
				return nil
			}
		}
	}
}
