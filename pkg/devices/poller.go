package devices

import (
	"context"
	"errors"
	"time"
)

// waitFor drives a long-running operation to completion. It sleeps an
// initial settle period (long enough to survive the device dropping its
// session), then calls ready at the given interval until it reports
// true or the timeout elapses.
//
// Connection failures during polling are expected while a device
// reboots and count as "not yet ready". Any other error from ready is
// fatal and aborts the wait immediately.
func waitFor(ctx context.Context, operation string, settle, interval, timeout time.Duration, ready func(context.Context) (bool, error)) error {
	deadline := time.Now().Add(timeout)

	if settle > 0 {
		if err := sleepCtx(ctx, settle); err != nil {
			return err
		}
	}

	for time.Now().Before(deadline) {
		ok, err := ready(ctx)
		if err != nil {
			var connErr *ConnectionError
			if !errors.As(err, &connErr) {
				return err
			}
			// Transient connectivity loss: keep polling.
		} else if ok {
			return nil
		}

		if err := sleepCtx(ctx, interval); err != nil {
			return err
		}
	}

	return &OperationTimeoutError{Operation: operation, Timeout: timeout}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
