// Package deferral holds messages that could not be routed yet. Entries are
// released when a matching binding or instance appears, and dropped with a
// warning when they outlive the retention window or the buffer fills up.
package deferral

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"veda/internal/clock"
	"veda/internal/logging"
	"veda/internal/metrics"
	"veda/internal/stream"
)

const (
	DefaultTTL      = 5 * time.Minute
	DefaultCapacity = 10000
)

type KeyKind string

const (
	KindSession  KeyKind = "session"
	KindInstance KeyKind = "instance"
	KindCatchAll KeyKind = "catch_all"
)

type Key struct {
	Kind  KeyKind
	Value string
}

func SessionKey(sessionID string) Key   { return Key{Kind: KindSession, Value: sessionID} }
func InstanceKey(instanceID string) Key { return Key{Kind: KindInstance, Value: instanceID} }

var CatchAll = Key{Kind: KindCatchAll}

// KeyFor picks the key a message is deferred under: its session, else its
// instance, else the catch-all.
func KeyFor(msg stream.Message) Key {
	switch {
	case msg.SessionID != "":
		return SessionKey(msg.SessionID)
	case msg.InstanceID != "":
		return InstanceKey(msg.InstanceID)
	default:
		return CatchAll
	}
}

type Entry struct {
	Key        Key
	Message    stream.Message
	EnqueuedAt time.Time
}

// matches reports whether the entry is released by key. Session and instance
// keys match on the message's identity as well as the key it was stored
// under, so a message carrying both ids is found by either.
func (e Entry) matches(key Key) bool {
	if e.Key == key {
		return true
	}
	switch key.Kind {
	case KindSession:
		return key.Value != "" && e.Message.SessionID == key.Value
	case KindInstance:
		return key.Value != "" && e.Message.InstanceID == key.Value
	}
	return false
}

type Options struct {
	TTL           time.Duration
	Capacity      int
	SweepInterval time.Duration
	Clock         clock.Clock
	Logger        *logging.Logger
	Metrics       *metrics.Registry
}

type Buffer struct {
	mu       sync.Mutex
	entries  []Entry
	ttl      atomic.Int64
	capacity int
	interval time.Duration
	clock    clock.Clock
	logger   *logging.Logger
	metrics  *metrics.Registry
}

func NewBuffer(opts Options) *Buffer {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default
	}
	b := &Buffer{
		capacity: opts.Capacity,
		interval: opts.SweepInterval,
		clock:    opts.Clock,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
	b.ttl.Store(int64(opts.TTL))
	return b
}

// SetTTL changes the retention window for entries already buffered too.
func (b *Buffer) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	b.ttl.Store(int64(ttl))
}

func (b *Buffer) TTL() time.Duration {
	return time.Duration(b.ttl.Load())
}

func (b *Buffer) Enqueue(key Key, msg stream.Message) {
	b.mu.Lock()
	var overflow *Entry
	if len(b.entries) >= b.capacity {
		dropped := b.entries[0]
		overflow = &dropped
		b.entries = b.entries[1:]
	}
	b.entries = append(b.entries, Entry{Key: key, Message: msg, EnqueuedAt: b.clock.Now()})
	b.mu.Unlock()

	b.metrics.IncDeferred()
	if overflow != nil {
		b.metrics.IncOverflowed()
		b.logger.Warn("deferral buffer full, dropping oldest message", entryFields(*overflow))
	}
}

// DrainMatching removes and returns every entry matched by any of keys,
// ordered by arrival sequence.
func (b *Buffer) DrainMatching(keys ...Key) []stream.Message {
	drained := b.remove(keys)
	if len(drained) == 0 {
		return nil
	}
	sort.SliceStable(drained, func(i, j int) bool {
		return drained[i].Message.Seq < drained[j].Message.Seq
	})
	messages := make([]stream.Message, len(drained))
	for i, entry := range drained {
		messages[i] = entry.Message
	}
	b.metrics.IncReplayed(len(messages))
	return messages
}

// Purge discards matching entries without delivering them.
func (b *Buffer) Purge(keys ...Key) int {
	return len(b.remove(keys))
}

func (b *Buffer) remove(keys []Key) []Entry {
	if len(keys) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var matched []Entry
	kept := b.entries[:0]
	for _, entry := range b.entries {
		if matchesAny(entry, keys) {
			matched = append(matched, entry)
			continue
		}
		kept = append(kept, entry)
	}
	clearTail(b.entries, len(kept))
	b.entries = kept
	return matched
}

// Sweep drops entries older than the retention window and returns how many
// were dropped.
func (b *Buffer) Sweep() int {
	cutoff := b.clock.Now().Add(-b.TTL())

	b.mu.Lock()
	var expired []Entry
	kept := b.entries[:0]
	for _, entry := range b.entries {
		if !entry.EnqueuedAt.After(cutoff) {
			expired = append(expired, entry)
			continue
		}
		kept = append(kept, entry)
	}
	clearTail(b.entries, len(kept))
	b.entries = kept
	b.mu.Unlock()

	for _, entry := range expired {
		b.logger.Warn("deferred message expired", entryFields(entry))
	}
	b.metrics.IncExpired(len(expired))
	return len(expired)
}

// Run sweeps on every tick until ctx is done.
func (b *Buffer) Run(ctx context.Context) {
	interval := b.interval
	if interval <= 0 {
		interval = b.TTL() / 4
		if interval < time.Second {
			interval = time.Second
		}
	}
	ticker := b.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Sweep()
		}
	}
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Entries returns a copy of the buffered entries in enqueue order.
func (b *Buffer) Entries() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

func matchesAny(entry Entry, keys []Key) bool {
	for _, key := range keys {
		if entry.matches(key) {
			return true
		}
	}
	return false
}

func clearTail(entries []Entry, from int) {
	var zero Entry
	for i := from; i < len(entries); i++ {
		entries[i] = zero
	}
}

func entryFields(entry Entry) map[string]string {
	return map[string]string{
		logging.FieldInstanceID: entry.Message.InstanceID,
		logging.FieldSessionID:  entry.Message.SessionID,
		"key":                   string(entry.Key.Kind),
		"seq":                   strconv.FormatUint(entry.Message.Seq, 10),
		"kind":                  entry.Message.Type(),
	}
}
