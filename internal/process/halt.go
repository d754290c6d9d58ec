package process

import (
	"context"
	"errors"
	"time"
)

const exitPollInterval = 50 * time.Millisecond

// halt sends the soft stop signal to the entry's process group, waits up to
// grace for it to exit, then sends the hard one and waits for ctx.
func halt(ctx context.Context, entry Entry, grace time.Duration) error {
	if !alive(entry.PID) {
		return ErrProcessNotFound
	}
	wait := entry.Wait
	if wait == nil {
		wait = pollExit(entry.PID)
	}

	termErr := ignoreGone(signalGroup(entry, softStop))
	graceCtx, cancel := context.WithTimeout(ctx, grace)
	err := wait(graceCtx)
	cancel()
	if err == nil {
		return termErr
	}

	killErr := ignoreGone(signalGroup(entry, hardStop))
	if err := wait(ctx); err != nil {
		return errors.Join(termErr, killErr, err)
	}
	return errors.Join(termErr, killErr)
}

// pollExit waits for a process the registry did not start itself.
func pollExit(pid int) func(context.Context) error {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(exitPollInterval)
		defer ticker.Stop()
		for alive(pid) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
		return nil
	}
}
