package locks

import (
	"context"
	"time"
)

// WaitBounded waits for ready to be closed, waking every slice to invoke
// check. A non-nil error from check aborts the wait and is returned; this is
// how a waiter observes that the goroutine responsible for closing ready has
// died instead of hanging forever. Cancelling ctx returns ctx.Err().
func WaitBounded(ctx context.Context, ready <-chan struct{}, slice time.Duration, check func() error) error {
	if slice <= 0 {
		slice = 10 * time.Millisecond
	}
	ticker := time.NewTicker(slice)
	defer ticker.Stop()

	for {
		select {
		case <-ready:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if check != nil {
				if err := check(); err != nil {
					return err
				}
			}
		}
	}
}
