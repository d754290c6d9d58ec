package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"veda/internal/logging"
)

const defaultRelayDrain = 5 * time.Second

// relayServer runs the hub listener and tears the relay down with it.
type relayServer struct {
	listen   func() error
	shutdown func(context.Context) error
	drain    time.Duration
	logger   *logging.Logger
}

// serve blocks until ctx is done or the listener fails. Either way the
// relay is shut down and the listener gets drain to return.
func (s relayServer) serve(ctx context.Context) error {
	if s.listen == nil {
		return nil
	}
	if s.logger == nil {
		s.logger = logging.Discard()
	}
	drain := s.drain
	if drain <= 0 {
		drain = defaultRelayDrain
	}

	listenDone := make(chan error, 1)
	go func() { listenDone <- s.listen() }()

	var listenErr error
	stopped := false
	select {
	case listenErr = <-listenDone:
		stopped = true
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()
	if s.shutdown != nil {
		if err := s.shutdown(shutdownCtx); err != nil {
			s.logger.Warn("relay shutdown incomplete", map[string]string{logging.FieldError: err.Error()})
		}
	}
	if !stopped {
		select {
		case listenErr = <-listenDone:
		case <-shutdownCtx.Done():
			s.logger.Warn("relay listener did not return in time", map[string]string{"drain": drain.String()})
		}
	}

	if listenErr == nil || errors.Is(listenErr, http.ErrServerClosed) {
		return nil
	}
	s.logger.Error("relay listener failed", map[string]string{logging.FieldError: listenErr.Error()})
	return fmt.Errorf("relay listener: %w", listenErr)
}
