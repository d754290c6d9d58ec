package main

import (
	"context"
	"os"
	"strconv"

	"veda/internal/logging"
)

// stopOnInterrupt calls stop for the first signal on signals. Later signals
// are only logged so agent processes still get their grace period. The
// returned func ends the watch.
func stopOnInterrupt(logger *logging.Logger, stop context.CancelFunc, signals <-chan os.Signal) func() {
	if signals == nil {
		return func() {}
	}
	if logger == nil {
		logger = logging.Discard()
	}

	done := make(chan struct{})
	go func() {
		received := 0
		for {
			select {
			case <-done:
				return
			case sig, ok := <-signals:
				if !ok {
					return
				}
				received++
				fields := map[string]string{"signal": signalName(sig), "count": strconv.Itoa(received)}
				switch received {
				case 1:
					logger.Info("stopping agents", fields)
					if stop != nil {
						stop()
					}
				case 2:
					logger.Warn("agents are still stopping", fields)
				}
			}
		}
	}()
	return func() { close(done) }
}

func signalName(sig os.Signal) string {
	if sig == nil {
		return "unknown"
	}
	return sig.String()
}
