package logging

import (
	"sync"
	"testing"
)

func TestJournalKeepsNewest(t *testing.T) {
	journal := NewJournal(2)
	for _, msg := range []string{"first", "second", "third"} {
		journal.Record(Entry{Level: LevelInfo, Message: msg})
	}

	entries := journal.Recent(0, "")
	if len(entries) != 2 || entries[0].Message != "second" || entries[1].Message != "third" {
		t.Fatalf("unexpected entries %+v", entries)
	}
}

func TestJournalRecentFiltersByLevel(t *testing.T) {
	journal := NewJournal(10)
	journal.Record(Entry{Level: LevelDebug, Message: "d"})
	journal.Record(Entry{Level: LevelWarning, Message: "w1"})
	journal.Record(Entry{Level: LevelError, Message: "e"})
	journal.Record(Entry{Level: LevelWarning, Message: "w2"})

	entries := journal.Recent(2, LevelWarning)
	if len(entries) != 2 || entries[0].Message != "e" || entries[1].Message != "w2" {
		t.Fatalf("unexpected tail %+v", entries)
	}
}

func TestJournalConcurrentRecords(t *testing.T) {
	journal := NewJournal(50)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				journal.Record(Entry{Level: LevelInfo, Message: "entry"})
			}
		}()
	}
	wg.Wait()

	if got := len(journal.Recent(0, "")); got != 50 {
		t.Fatalf("expected 50 entries, got %d", got)
	}
}

func TestNilJournalIsEmpty(t *testing.T) {
	var journal *Journal
	journal.Record(Entry{Message: "dropped"})
	if entries := journal.Recent(5, ""); entries != nil {
		t.Fatalf("expected no entries, got %+v", entries)
	}
}
