package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"veda/internal/logging"
)

type teardownStep struct {
	name string
	run  func(context.Context) error
}

// teardown stops run-mode components in the order they were added. Every
// step runs even when an earlier one fails; a second Run is a no-op.
type teardown struct {
	logger *logging.Logger

	mu    sync.Mutex
	steps []teardownStep
	ran   bool
}

func newTeardown(logger *logging.Logger) *teardown {
	if logger == nil {
		logger = logging.Discard()
	}
	return &teardown{logger: logger}
}

func (t *teardown) Add(name string, run func(context.Context) error) {
	if run == nil {
		return
	}
	t.mu.Lock()
	t.steps = append(t.steps, teardownStep{name: name, run: run})
	t.mu.Unlock()
}

func (t *teardown) Run(ctx context.Context) error {
	t.mu.Lock()
	if t.ran {
		t.mu.Unlock()
		return nil
	}
	t.ran = true
	steps := t.steps
	t.mu.Unlock()

	var errs []error
	for _, step := range steps {
		t.logger.Debug("stopping "+step.name, nil)
		if err := step.run(ctx); err != nil {
			t.logger.Warn("teardown step failed", map[string]string{
				"step":             step.name,
				logging.FieldError: err.Error(),
			})
			errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
		}
	}
	return errors.Join(errs...)
}
