package logging

import (
	"sync"

	"veda/internal/buffer"
)

const DefaultJournalSize = 1000

// Journal keeps the most recent entries for the console's /logs command.
type Journal struct {
	mu     sync.Mutex
	recent *buffer.Ring[Entry]
}

func NewJournal(size int) *Journal {
	if size <= 0 {
		size = DefaultJournalSize
	}
	return &Journal{recent: buffer.NewRing[Entry](size)}
}

func (j *Journal) Record(entry Entry) {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.recent.Add(entry)
}

// Recent returns up to count of the newest entries at or above min, oldest
// first. A count of zero returns all of them.
func (j *Journal) Recent(count int, min Level) []Entry {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	all := j.recent.List()
	j.mu.Unlock()

	kept := all[:0]
	for _, entry := range all {
		if entry.Level.AtLeast(min) {
			kept = append(kept, entry)
		}
	}
	if count > 0 && len(kept) > count {
		kept = kept[len(kept)-count:]
	}
	return kept
}
