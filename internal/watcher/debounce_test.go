package watcher

import (
	"sync"
	"testing"
	"time"
)

func TestQuietPeriodKeepsLatestEvent(t *testing.T) {
	var mu sync.Mutex
	quiet := newQuietPeriod(30 * time.Millisecond)
	fired := make(chan Event, 4)
	fire := func(path string) {
		mu.Lock()
		event, ok := quiet.take(path)
		mu.Unlock()
		if ok {
			fired <- event
		}
	}

	mu.Lock()
	first := quiet.note(Event{Path: "/cfg/veda.yaml", Timestamp: time.Unix(1, 0)}, fire)
	second := quiet.note(Event{Path: "/cfg/veda.yaml", Timestamp: time.Unix(2, 0)}, fire)
	mu.Unlock()
	if first || !second {
		t.Fatalf("expected only the second note to coalesce, got %v %v", first, second)
	}

	select {
	case event := <-fired:
		if !event.Timestamp.Equal(time.Unix(2, 0)) {
			t.Fatalf("expected latest event, got %v", event.Timestamp)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for flush")
	}
	select {
	case event := <-fired:
		t.Fatalf("expected one flush, got another %#v", event)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestQuietPeriodResetCancelsPending(t *testing.T) {
	quiet := newQuietPeriod(20 * time.Millisecond)
	fired := make(chan string, 1)
	quiet.note(Event{Path: "/cfg/veda.yaml"}, func(path string) { fired <- path })
	quiet.reset()

	select {
	case path := <-fired:
		t.Fatalf("expected no flush after reset, got %q", path)
	case <-time.After(80 * time.Millisecond):
	}
	if _, ok := quiet.take("/cfg/veda.yaml"); ok {
		t.Fatal("expected reset to drop the pending event")
	}
}
