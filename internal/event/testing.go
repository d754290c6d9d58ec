package event

import (
	"testing"
	"time"
)

// ReceiveWithTimeout waits for a single event or fails the test.
func ReceiveWithTimeout[T any](t testing.TB, ch <-chan T, timeout time.Duration) T {
	t.Helper()
	select {
	case event, ok := <-ch:
		if !ok {
			t.Fatal("event channel closed")
		}
		return event
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for event after %s", timeout)
	}
	var zero T
	return zero
}

// ExpectNone fails the test if anything arrives on ch within wait.
func ExpectNone[T any](t testing.TB, ch <-chan T, wait time.Duration) {
	t.Helper()
	select {
	case event, ok := <-ch:
		if ok {
			t.Fatalf("unexpected event %#v", event)
		}
	case <-time.After(wait):
	}
}
