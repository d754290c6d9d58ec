package deferral

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"veda/internal/clock"
	"veda/internal/logging"
	"veda/internal/metrics"
	"veda/internal/stream"
)

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newTestBuffer(ttl time.Duration, capacity int) (*Buffer, *clock.FakeClock, *bytes.Buffer, *metrics.Registry) {
	fake := clock.Fake(epoch)
	var out bytes.Buffer
	registry := &metrics.Registry{}
	buffer := NewBuffer(Options{
		TTL:      ttl,
		Capacity: capacity,
		Clock:    fake,
		Logger:   logging.NewLogger(logging.LevelDebug, &out),
		Metrics:  registry,
	})
	return buffer, fake, &out, registry
}

func msg(seq uint64, instanceID, sessionID string) stream.Message {
	return stream.Message{Seq: seq, InstanceID: instanceID, SessionID: sessionID, Payload: stream.TextDelta{Text: "x"}}
}

func TestKeyFor(t *testing.T) {
	if got := KeyFor(msg(1, "i", "s")); got != SessionKey("s") {
		t.Fatalf("expected session key, got %#v", got)
	}
	if got := KeyFor(msg(1, "i", "")); got != InstanceKey("i") {
		t.Fatalf("expected instance key, got %#v", got)
	}
	if got := KeyFor(msg(1, "", "")); got != CatchAll {
		t.Fatalf("expected catch-all, got %#v", got)
	}
}

func TestDrainMatchingReturnsArrivalOrder(t *testing.T) {
	buffer, _, _, registry := newTestBuffer(time.Minute, 100)

	buffer.Enqueue(SessionKey("s1"), msg(3, "", "s1"))
	buffer.Enqueue(InstanceKey("i1"), msg(1, "i1", ""))
	buffer.Enqueue(SessionKey("s2"), msg(2, "", "s2"))
	buffer.Enqueue(SessionKey("s1"), msg(4, "i1", "s1"))

	drained := buffer.DrainMatching(SessionKey("s1"), InstanceKey("i1"))
	if len(drained) != 3 {
		t.Fatalf("expected 3 drained, got %d", len(drained))
	}
	for i, want := range []uint64{1, 3, 4} {
		if drained[i].Seq != want {
			t.Fatalf("expected seq %d at %d, got %d", want, i, drained[i].Seq)
		}
	}
	if buffer.Len() != 1 {
		t.Fatalf("expected one remaining, got %d", buffer.Len())
	}
	if again := buffer.DrainMatching(SessionKey("s1")); len(again) != 0 {
		t.Fatalf("expected drained entries to be gone, got %d", len(again))
	}
	if registry.Snapshot().Replayed != 3 || registry.Snapshot().Deferred != 4 {
		t.Fatalf("unexpected counters %#v", registry.Snapshot())
	}
}

func TestDrainMatchesMessageIdentityNotOnlyKey(t *testing.T) {
	buffer, _, _, _ := newTestBuffer(time.Minute, 100)
	m := msg(7, "i9", "s9")
	buffer.Enqueue(KeyFor(m), m)

	drained := buffer.DrainMatching(InstanceKey("i9"))
	if len(drained) != 1 || drained[0].Seq != 7 {
		t.Fatalf("expected message found by instance id, got %#v", drained)
	}
}

func TestSweepDropsExpiredWithWarning(t *testing.T) {
	buffer, fake, out, registry := newTestBuffer(time.Minute, 100)

	buffer.Enqueue(SessionKey("old"), msg(1, "", "old"))
	fake.Advance(40 * time.Second)
	buffer.Enqueue(SessionKey("new"), msg(2, "", "new"))
	fake.Advance(20 * time.Second)

	if dropped := buffer.Sweep(); dropped != 1 {
		t.Fatalf("expected 1 expired, got %d", dropped)
	}
	if buffer.Len() != 1 {
		t.Fatalf("expected 1 remaining, got %d", buffer.Len())
	}
	if !strings.Contains(out.String(), "deferred message expired") {
		t.Fatalf("expected expiry warning, got %q", out.String())
	}
	if registry.Snapshot().Expired != 1 {
		t.Fatalf("expected expired counter 1, got %d", registry.Snapshot().Expired)
	}
}

func TestSetTTLAppliesToBufferedEntries(t *testing.T) {
	buffer, fake, _, _ := newTestBuffer(time.Hour, 100)
	buffer.Enqueue(CatchAll, msg(1, "", ""))
	fake.Advance(2 * time.Minute)

	if buffer.Sweep() != 0 {
		t.Fatal("expected nothing expired under the long ttl")
	}
	buffer.SetTTL(time.Minute)
	if buffer.Sweep() != 1 {
		t.Fatal("expected entry expired after shortening ttl")
	}
}

func TestEnqueueOverflowDropsOldest(t *testing.T) {
	buffer, _, out, registry := newTestBuffer(time.Minute, 2)

	buffer.Enqueue(SessionKey("a"), msg(1, "", "a"))
	buffer.Enqueue(SessionKey("b"), msg(2, "", "b"))
	buffer.Enqueue(SessionKey("c"), msg(3, "", "c"))

	entries := buffer.Entries()
	if len(entries) != 2 || entries[0].Message.Seq != 2 {
		t.Fatalf("expected oldest dropped, got %#v", entries)
	}
	if registry.Snapshot().Overflowed != 1 {
		t.Fatalf("expected overflow counted, got %d", registry.Snapshot().Overflowed)
	}
	if !strings.Contains(out.String(), "deferral buffer full") {
		t.Fatalf("expected overflow warning, got %q", out.String())
	}
}

func TestPurgeDiscardsWithoutReplay(t *testing.T) {
	buffer, _, _, registry := newTestBuffer(time.Minute, 10)
	buffer.Enqueue(SessionKey("s1"), msg(1, "", "s1"))
	buffer.Enqueue(InstanceKey("i1"), msg(2, "i1", ""))
	buffer.Enqueue(SessionKey("s2"), msg(3, "", "s2"))

	if purged := buffer.Purge(InstanceKey("i1"), SessionKey("s1")); purged != 2 {
		t.Fatalf("expected 2 purged, got %d", purged)
	}
	if registry.Snapshot().Replayed != 0 {
		t.Fatal("expected purge not to count as replay")
	}
	if buffer.Len() != 1 {
		t.Fatalf("expected 1 remaining, got %d", buffer.Len())
	}
}

func TestRunSweepsOnTick(t *testing.T) {
	fake := clock.Fake(epoch)
	buffer := NewBuffer(Options{
		TTL:           time.Minute,
		SweepInterval: 10 * time.Second,
		Clock:         fake,
		Metrics:       &metrics.Registry{},
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		buffer.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for fake.Tickers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("sweeper never started")
		}
		time.Sleep(time.Millisecond)
	}

	buffer.Enqueue(CatchAll, msg(1, "", ""))
	fake.Advance(61 * time.Second)

	deadline = time.Now().Add(time.Second)
	for buffer.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected entry swept")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run did not stop")
	}
}
