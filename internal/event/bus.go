// Package event fans routed messages and instance lifecycle changes out to
// UI subscribers.
package event

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"veda/internal/logging"
	"veda/internal/metrics"
)

const (
	defaultSubscriberBuffer = 256
	dropWarningInterval     = 30 * time.Second
)

type BusOptions struct {
	Name             string
	SubscriberBuffer int
	Metrics          *metrics.Registry
	Logger           *logging.Logger
}

// Bus delivers every published value to each subscriber whose filter
// accepts it. Publish never blocks: a subscriber with a full channel
// misses the value and the drop is counted.
type Bus[T interface{ Type() string }] struct {
	name    string
	buffer  int
	metrics *metrics.Registry
	logger  *logging.Logger

	mu     sync.Mutex
	subs   map[uint64]*subscriber[T]
	nextID uint64
	closed bool

	published atomic.Int64
	dropped   atomic.Int64
	warnedAt  atomic.Int64
}

type subscriber[T any] struct {
	ch     chan T
	accept func(T) bool
}

func NewBus[T interface{ Type() string }](opts BusOptions) *Bus[T] {
	if opts.Name == "" {
		opts.Name = "event_bus"
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = defaultSubscriberBuffer
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Bus[T]{
		name:    opts.Name,
		buffer:  opts.SubscriberBuffer,
		metrics: opts.Metrics,
		logger:  opts.Logger.With(map[string]string{"bus": opts.Name}),
		subs:    make(map[uint64]*subscriber[T]),
	}
}

func (b *Bus[T]) Subscribe() (<-chan T, func()) {
	return b.SubscribeFiltered(nil)
}

// SubscribeFiltered delivers only values accepted by accept. A nil accept
// takes everything. The returned function unsubscribes and closes the
// channel; calling it more than once is harmless.
func (b *Bus[T]) SubscribeFiltered(accept func(T) bool) (<-chan T, func()) {
	ch := make(chan T, b.buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.nextID++
	id := b.nextID
	b.subs[id] = &subscriber[T]{ch: ch, accept: accept}
	count := len(b.subs)
	b.mu.Unlock()

	b.metrics.SetEventSubscribers(b.name, count)
	return ch, func() { b.unsubscribe(id) }
}

func (b *Bus[T]) Publish(value T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	kind := value.Type()
	b.published.Add(1)
	b.metrics.IncEventPublished(b.name, kind)

	for id, sub := range b.subs {
		if !b.accepts(id, sub, value) {
			continue
		}
		select {
		case sub.ch <- value:
		default:
			b.dropped.Add(1)
			b.metrics.IncEventDropped(b.name, kind)
			b.warnDrops()
		}
	}
}

// Close ends every subscription. Later publishes are ignored.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	b.metrics.SetEventSubscribers(b.name, 0)
}

func (b *Bus[T]) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Bus[T]) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(sub.ch)
	b.metrics.SetEventSubscribers(b.name, len(b.subs))
}

// accepts runs the subscriber's filter. A filter that panics loses its
// subscription. Callers hold b.mu.
func (b *Bus[T]) accepts(id uint64, sub *subscriber[T], value T) (ok bool) {
	if sub.accept == nil {
		return true
	}
	defer func() {
		if recover() != nil {
			b.logger.Warn("event bus filter panicked, subscriber removed", nil)
			delete(b.subs, id)
			close(sub.ch)
			b.metrics.SetEventSubscribers(b.name, len(b.subs))
			ok = false
		}
	}()
	return sub.accept(value)
}

func (b *Bus[T]) warnDrops() {
	now := time.Now().UnixNano()
	last := b.warnedAt.Load()
	if last != 0 && time.Duration(now-last) < dropWarningInterval {
		return
	}
	if !b.warnedAt.CompareAndSwap(last, now) {
		return
	}
	b.logger.Warn("event bus dropping values for slow subscribers", map[string]string{
		"dropped":   strconv.FormatInt(b.dropped.Load(), 10),
		"published": strconv.FormatInt(b.published.Load(), 10),
	})
}
