// Package process tracks running subprocesses per instance and stops them
// gracefully before forcing them down.
package process

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrProcessNotFound = errors.New("process not running")

// DefaultGracePeriod is how long a process gets after SIGTERM before
// SIGKILL.
const DefaultGracePeriod = 3 * time.Second

type Entry struct {
	PID        int
	PGID       int
	InstanceID string
	Wait       func(context.Context) error
}

type Registry struct {
	mu      sync.Mutex
	entries map[int]Entry
	grace   time.Duration
}

func NewRegistry() *Registry {
	return NewRegistryWithGrace(DefaultGracePeriod)
}

func NewRegistryWithGrace(grace time.Duration) *Registry {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Registry{
		entries: make(map[int]Entry),
		grace:   grace,
	}
}

func (r *Registry) Register(entry Entry) {
	if r == nil || entry.PID <= 0 {
		return
	}
	r.mu.Lock()
	r.entries[entry.PID] = entry
	r.mu.Unlock()
}

func (r *Registry) Unregister(pid int) {
	if r == nil || pid <= 0 {
		return
	}
	r.mu.Lock()
	delete(r.entries, pid)
	r.mu.Unlock()
}

// Running returns the pids registered for instanceID in ascending order.
func (r *Registry) Running(instanceID string) []int {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var pids []int
	for pid, entry := range r.entries {
		if entry.InstanceID == instanceID {
			pids = append(pids, pid)
		}
	}
	sort.Ints(pids)
	return pids
}

// Stop terminates every process registered for instanceID.
func (r *Registry) Stop(ctx context.Context, instanceID string) error {
	if r == nil {
		return nil
	}
	return r.stop(ctx, func(entry Entry) bool {
		return entry.InstanceID == instanceID
	})
}

func (r *Registry) StopAll(ctx context.Context) error {
	if r == nil {
		return nil
	}
	return r.stop(ctx, func(Entry) bool { return true })
}

func (r *Registry) stop(ctx context.Context, match func(Entry) bool) error {
	r.mu.Lock()
	var entries []Entry
	for _, entry := range r.entries {
		if match(entry) {
			entries = append(entries, entry)
		}
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(entries))
	for i, entry := range entries {
		wg.Add(1)
		go func(i int, entry Entry) {
			defer wg.Done()
			err := halt(ctx, entry, r.grace)
			if err != nil && !errors.Is(err, ErrProcessNotFound) {
				errs[i] = err
			}
		}(i, entry)
	}
	wg.Wait()

	if len(entries) > 0 {
		r.mu.Lock()
		for _, entry := range entries {
			delete(r.entries, entry.PID)
		}
		r.mu.Unlock()
	}
	return errors.Join(errs...)
}
