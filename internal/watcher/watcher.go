// Package watcher reports changes to individual files. It watches the
// parent directory so files replaced by rename, as most editors do, keep
// being reported.
package watcher

import (
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"veda/internal/logging"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 100 * time.Millisecond

var ErrClosed = errors.New("watcher closed")

// Event represents a single filesystem change.
type Event struct {
	Path      string
	Op        fsnotify.Op
	Timestamp time.Time
}

type Options struct {
	Logger   *logging.Logger
	Debounce time.Duration
}

// Metrics reports delivery counts.
type Metrics struct {
	EventsDelivered uint64
	EventsCoalesced uint64
}

type Watcher struct {
	watcher   *fsnotify.Watcher
	mutex     sync.Mutex
	callbacks map[string][]callbackEntry
	dirs      map[string]int
	quiet     *quietPeriod
	done      chan struct{}
	closed    bool
	logger    *logging.Logger
	nextID    uint64
	delivered atomic.Uint64
	coalesced atomic.Uint64
}

type callbackEntry struct {
	id       uint64
	callback func(Event)
}

// Handle releases one registration.
type Handle struct {
	watcher *Watcher
	path    string
	id      uint64
	once    sync.Once
}

func New() (*Watcher, error) {
	return NewWithOptions(Options{})
}

func NewWithOptions(options Options) (*Watcher, error) {
	source, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if options.Logger == nil {
		options.Logger = logging.Discard()
	}
	if options.Debounce <= 0 {
		options.Debounce = defaultDebounce
	}
	watcher := &Watcher{
		watcher:   source,
		callbacks: make(map[string][]callbackEntry),
		dirs:      make(map[string]int),
		quiet:     newQuietPeriod(options.Debounce),
		done:      make(chan struct{}),
		logger:    options.Logger.With(map[string]string{logging.FieldCategory: "watcher"}),
	}
	go watcher.run()
	return watcher, nil
}

// Watch calls callback, debounced, whenever path is written, created,
// renamed or removed.
func (watcher *Watcher) Watch(path string, callback func(Event)) (*Handle, error) {
	if callback == nil {
		return nil, errors.New("callback is required")
	}
	absolute, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(absolute)

	watcher.mutex.Lock()
	defer watcher.mutex.Unlock()
	if watcher.closed {
		return nil, ErrClosed
	}
	if watcher.dirs[dir] == 0 {
		if err := watcher.watcher.Add(dir); err != nil {
			return nil, err
		}
	}
	watcher.dirs[dir]++
	watcher.nextID++
	id := watcher.nextID
	watcher.callbacks[absolute] = append(watcher.callbacks[absolute], callbackEntry{id: id, callback: callback})
	return &Handle{watcher: watcher, path: absolute, id: id}, nil
}

func (handle *Handle) Close() error {
	if handle == nil || handle.watcher == nil {
		return nil
	}
	var err error
	handle.once.Do(func() {
		err = handle.watcher.unwatch(handle.path, handle.id)
	})
	return err
}

func (watcher *Watcher) unwatch(path string, id uint64) error {
	watcher.mutex.Lock()
	defer watcher.mutex.Unlock()
	if watcher.closed {
		return nil
	}
	entries := watcher.callbacks[path]
	for i, entry := range entries {
		if entry.id == id {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(watcher.callbacks, path)
	} else {
		watcher.callbacks[path] = entries
	}
	dir := filepath.Dir(path)
	watcher.dirs[dir]--
	if watcher.dirs[dir] <= 0 {
		delete(watcher.dirs, dir)
		return watcher.watcher.Remove(dir)
	}
	return nil
}

func (watcher *Watcher) Close() error {
	if watcher == nil {
		return nil
	}
	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		return nil
	}
	watcher.closed = true
	watcher.quiet.reset()
	watcher.mutex.Unlock()

	close(watcher.done)
	return watcher.watcher.Close()
}

func (watcher *Watcher) Metrics() Metrics {
	return Metrics{
		EventsDelivered: watcher.delivered.Load(),
		EventsCoalesced: watcher.coalesced.Load(),
	}
}

func (watcher *Watcher) run() {
	for {
		select {
		case event, ok := <-watcher.watcher.Events:
			if !ok {
				return
			}
			watcher.handleEvent(event)
		case err, ok := <-watcher.watcher.Errors:
			if !ok {
				return
			}
			watcher.logger.Warn("file watcher error", map[string]string{logging.FieldError: err.Error()})
		case <-watcher.done:
			return
		}
	}
}

func (watcher *Watcher) handleEvent(event fsnotify.Event) {
	if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) &&
		!event.Op.Has(fsnotify.Rename) && !event.Op.Has(fsnotify.Remove) {
		return
	}
	path := filepath.Clean(event.Name)

	watcher.mutex.Lock()
	defer watcher.mutex.Unlock()
	if watcher.closed || len(watcher.callbacks[path]) == 0 {
		return
	}
	entry := Event{Path: path, Op: event.Op, Timestamp: time.Now().UTC()}
	if watcher.quiet.note(entry, watcher.flush) {
		watcher.coalesced.Add(1)
	}
}

func (watcher *Watcher) flush(path string) {
	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		return
	}
	event, ok := watcher.quiet.take(path)
	entries := append([]callbackEntry(nil), watcher.callbacks[path]...)
	watcher.mutex.Unlock()
	if !ok {
		return
	}
	for _, entry := range entries {
		entry.callback(event)
		watcher.delivered.Add(1)
	}
}
