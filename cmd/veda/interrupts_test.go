package main

import (
	"bytes"
	"context"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"veda/internal/logging"
)

func TestStopOnInterruptStopsOnce(t *testing.T) {
	var out bytes.Buffer
	logger := logging.NewLogger(logging.LevelInfo, &out)
	var stops atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signals := make(chan os.Signal, 3)

	done := stopOnInterrupt(logger, func() {
		stops.Add(1)
		cancel()
	}, signals)
	defer done()

	signals <- os.Interrupt
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("expected stop on first interrupt")
	}

	signals <- os.Interrupt
	signals <- os.Interrupt
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(logger.Journal().Recent(10, logging.LevelWarning)) == 1 && len(signals) == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := stops.Load(); got != 1 {
		t.Fatalf("expected one stop, got %d", got)
	}
	warnings := logger.Journal().Recent(10, logging.LevelWarning)
	if len(warnings) != 1 || !strings.Contains(warnings[0].Message, "still stopping") {
		t.Fatalf("expected a single repeat warning, got %v", warnings)
	}
}

func TestStopOnInterruptWithoutChannel(t *testing.T) {
	done := stopOnInterrupt(logging.Discard(), func() {
		t.Fatal("unexpected stop")
	}, nil)
	done()
}
