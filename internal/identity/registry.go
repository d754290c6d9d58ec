// Package identity owns instances, their session bindings and their message
// logs. Every read and write goes through one mutex so a binding is visible
// to the next lookup as soon as the call returns.
package identity

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"veda/internal/buffer"
	"veda/internal/clock"
	"veda/internal/stream"

	"github.com/google/uuid"
)

var (
	ErrUnknownInstance     = errors.New("unknown instance")
	ErrAlreadyBound        = errors.New("session already bound")
	ErrResourceExhausted   = errors.New("instance limit reached")
	ErrSessionNotInHistory = errors.New("session was never bound to instance")
	ErrSessionRequired     = errors.New("session id is required")
)

const (
	DefaultMaxInstances = 8
	DefaultLogCapacity  = 5000
)

type State string

const (
	StateCreated  State = "created"
	StateSpawning State = "spawning"
	StateActive   State = "active"
	StateExited   State = "exited"
)

// Instance is a read-only snapshot of one registry entry.
type Instance struct {
	ID               string
	DisplayName      string
	WorkingDirectory string
	SessionID        string
	Sessions         []string
	State            State
	CreatedAt        time.Time
	MessageCount     int
}

type Options struct {
	MaxInstances int
	LogCapacity  int
	Clock        clock.Clock
	NewID        func() string
}

type Registry struct {
	mu          sync.RWMutex
	instances   map[string]*entry
	order       []string
	sessions    map[string]string
	retired     map[string]struct{}
	retiredSess map[string]struct{}
	created     int
	maxCount    int
	logCapacity int
	clock       clock.Clock
	newID       func() string
}

type entry struct {
	id          string
	displayName string
	workingDir  string
	sessionID   string
	history     []string
	state       State
	createdAt   time.Time
	log         *buffer.Ring[stream.Message]
}

func NewRegistry(opts Options) *Registry {
	if opts.MaxInstances <= 0 {
		opts.MaxInstances = DefaultMaxInstances
	}
	if opts.LogCapacity <= 0 {
		opts.LogCapacity = DefaultLogCapacity
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Registry{
		instances:   make(map[string]*entry),
		sessions:    make(map[string]string),
		retired:     make(map[string]struct{}),
		retiredSess: make(map[string]struct{}),
		maxCount:    opts.MaxInstances,
		logCapacity: opts.LogCapacity,
		clock:       opts.Clock,
		newID:       opts.NewID,
	}
}

// Create registers a new instance in the Created state and returns its id.
func (r *Registry) Create(displayName, workingDirectory string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.instances) >= r.maxCount {
		return "", fmt.Errorf("%w (%d)", ErrResourceExhausted, r.maxCount)
	}
	id := r.newID()
	if _, exists := r.instances[id]; exists {
		return "", fmt.Errorf("instance id collision: %s", id)
	}
	r.created++
	if strings.TrimSpace(displayName) == "" {
		displayName = fmt.Sprintf("Instance %d", r.created)
	}
	r.instances[id] = &entry{
		id:          id,
		displayName: displayName,
		workingDir:  workingDirectory,
		state:       StateCreated,
		createdAt:   r.clock.Now(),
		log:         buffer.NewRing[stream.Message](r.logCapacity),
	}
	r.order = append(r.order, id)
	return id, nil
}

func (r *Registry) Get(id string) (Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	if !ok {
		return Instance{}, false
	}
	return inst.snapshot(), true
}

// GetBySession resolves a session through the binding index.
func (r *Registry) GetBySession(sessionID string) (Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.sessions[sessionID]
	if !ok {
		return Instance{}, false
	}
	inst, ok := r.instances[id]
	if !ok {
		return Instance{}, false
	}
	return inst.snapshot(), true
}

// SessionOwner returns the instance bound to sessionID without copying the
// instance.
func (r *Registry) SessionOwner(sessionID string) (string, bool) {
	if sessionID == "" {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.sessions[sessionID]
	return id, ok
}

func (r *Registry) Exists(id string) bool {
	if id == "" {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.instances[id]
	return ok
}

// Retired reports whether the instance id or session id belonged to a
// closed instance.
func (r *Registry) Retired(instanceID, sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.retired[instanceID]; ok && instanceID != "" {
		return true
	}
	if _, ok := r.retiredSess[sessionID]; ok && sessionID != "" {
		return true
	}
	return false
}

// BindSession records sessionID as the current session of the instance.
// Binding the same pair twice is a no-op; any other conflict fails with
// ErrAlreadyBound and leaves the registry unchanged.
func (r *Registry) BindSession(id, sessionID string) error {
	if sessionID == "" {
		return ErrSessionRequired
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInstance, id)
	}
	if owner, bound := r.sessions[sessionID]; bound && owner != id {
		return fmt.Errorf("%w: session %s belongs to %s", ErrAlreadyBound, sessionID, owner)
	}
	if inst.sessionID == sessionID {
		return nil
	}
	if inst.sessionID != "" {
		return fmt.Errorf("%w: instance %s holds session %s", ErrAlreadyBound, id, inst.sessionID)
	}
	inst.sessionID = sessionID
	if !inst.hasSession(sessionID) {
		inst.history = append(inst.history, sessionID)
	}
	r.sessions[sessionID] = id
	return nil
}

// RebindSessionForResume makes a session from the instance's own history
// current again. It never moves a session between instances.
func (r *Registry) RebindSessionForResume(id, sessionID string) error {
	if sessionID == "" {
		return ErrSessionRequired
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInstance, id)
	}
	if owner, bound := r.sessions[sessionID]; bound && owner != id {
		return fmt.Errorf("%w: session %s belongs to %s", ErrAlreadyBound, sessionID, owner)
	}
	if !inst.hasSession(sessionID) {
		return fmt.Errorf("%w: %s", ErrSessionNotInHistory, sessionID)
	}
	inst.sessionID = sessionID
	r.sessions[sessionID] = id
	return nil
}

// ClearSession detaches the current session so the next SessionStarted can
// bind a fresh one. The old session stays in the index and history.
func (r *Registry) ClearSession(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInstance, id)
	}
	inst.sessionID = ""
	return nil
}

// AppendMessage adds msg to the instance log. The first message moves a
// Created or Spawning instance to Active; Exited instances stay Exited.
func (r *Registry) AppendMessage(id string, msg stream.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInstance, id)
	}
	inst.log.Add(msg)
	if inst.state == StateCreated || inst.state == StateSpawning {
		inst.state = StateActive
	}
	return nil
}

func (r *Registry) MarkSpawning(id string) error {
	return r.setState(id, StateSpawning)
}

func (r *Registry) MarkExited(id string) error {
	return r.setState(id, StateExited)
}

func (r *Registry) setState(id string, state State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInstance, id)
	}
	inst.state = state
	return nil
}

// Remove deletes the instance and tombstones its id and every session it
// held. It returns the removed snapshot.
func (r *Registry) Remove(id string) (Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return Instance{}, fmt.Errorf("%w: %s", ErrUnknownInstance, id)
	}
	snapshot := inst.snapshot()
	delete(r.instances, id)
	r.retired[id] = struct{}{}
	for _, sessionID := range inst.history {
		if r.sessions[sessionID] == id {
			delete(r.sessions, sessionID)
		}
		r.retiredSess[sessionID] = struct{}{}
	}
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return snapshot, nil
}

// Messages returns the retained message log in append order.
func (r *Registry) Messages(id string) ([]stream.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstance, id)
	}
	return inst.log.List(), nil
}

// List returns snapshots in creation order.
func (r *Registry) List() []Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Instance, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.instances[id].snapshot())
	}
	return out
}

// FindByName matches display names case-insensitively.
func (r *Registry) FindByName(name string) (Instance, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Instance{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		inst := r.instances[id]
		if strings.EqualFold(inst.displayName, name) {
			return inst.snapshot(), true
		}
	}
	return Instance{}, false
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

func (e *entry) hasSession(sessionID string) bool {
	for _, existing := range e.history {
		if existing == sessionID {
			return true
		}
	}
	return false
}

func (e *entry) snapshot() Instance {
	history := make([]string, len(e.history))
	copy(history, e.history)
	return Instance{
		ID:               e.id,
		DisplayName:      e.displayName,
		WorkingDirectory: e.workingDir,
		SessionID:        e.sessionID,
		Sessions:         history,
		State:            e.state,
		CreatedAt:        e.createdAt,
		MessageCount:     e.log.Len(),
	}
}
