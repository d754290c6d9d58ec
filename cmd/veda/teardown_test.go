package main

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func TestTeardownRunsStepsInOrder(t *testing.T) {
	steps := newTeardown(nil)
	var order []string
	add := func(name string, err error) {
		steps.Add(name, func(context.Context) error {
			order = append(order, name)
			return err
		})
	}
	add("config watcher", nil)
	add("orchestrator", errors.New("agents still running"))
	add("coordination", nil)

	err := steps.Run(context.Background())
	if err == nil || err.Error() != "orchestrator: agents still running" {
		t.Fatalf("unexpected error %v", err)
	}
	want := []string{"config watcher", "orchestrator", "coordination"}
	if !reflect.DeepEqual(order, want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
}

func TestTeardownRunsOnce(t *testing.T) {
	steps := newTeardown(nil)
	calls := 0
	steps.Add("orchestrator", func(context.Context) error {
		calls++
		return nil
	})
	steps.Add("nothing", nil)

	_ = steps.Run(context.Background())
	_ = steps.Run(context.Background())
	if calls != 1 {
		t.Fatalf("expected one call, got %d", calls)
	}
}
