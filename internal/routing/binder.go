package routing

import (
	"errors"
	"strconv"

	"veda/internal/deferral"
	"veda/internal/identity"
	"veda/internal/logging"
	"veda/internal/metrics"
	"veda/internal/stream"
)

// Binder turns SessionStarted announcements into registry bindings and
// releases whatever the deferral buffer was holding for them.
type Binder struct {
	registry *identity.Registry
	deferral *deferral.Buffer
	router   *Router
	logger   *logging.Logger
	metrics  *metrics.Registry
	onBound  func(instanceID, sessionID string)
}

type BinderOptions struct {
	Registry *identity.Registry
	Deferral *deferral.Buffer
	Router   *Router
	Logger   *logging.Logger
	Metrics  *metrics.Registry
	OnBound  func(instanceID, sessionID string)
}

func NewBinder(opts BinderOptions) *Binder {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default
	}
	return &Binder{
		registry: opts.Registry,
		deferral: opts.Deferral,
		router:   opts.Router,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		onBound:  opts.OnBound,
	}
}

// SessionStarted binds the announced session to the message's instance,
// appends the announcement to that instance and routes every deferred
// message for the session or instance in arrival order. The number of
// replayed messages is returned.
func (b *Binder) SessionStarted(msg stream.Message) (int, error) {
	started, ok := msg.Payload.(stream.SessionStarted)
	if !ok {
		return 0, errors.New("not a session start")
	}
	sessionID := started.SessionID
	if sessionID == "" {
		sessionID = msg.SessionID
	}
	msg.SessionID = sessionID
	fields := map[string]string{
		logging.FieldInstanceID: msg.InstanceID,
		logging.FieldSessionID:  sessionID,
	}

	if err := b.registry.BindSession(msg.InstanceID, sessionID); err != nil {
		b.metrics.IncBindRejected()
		b.metrics.IncDropped()
		fields[logging.FieldError] = err.Error()
		if errors.Is(err, identity.ErrAlreadyBound) {
			b.logger.Warn("session binding rejected", fields)
		} else {
			b.logger.Warn("session started for unknown instance", fields)
		}
		return 0, err
	}
	b.metrics.IncSessionBound()
	b.logger.Info("session bound", fields)
	if b.onBound != nil {
		b.onBound(msg.InstanceID, sessionID)
	}

	if err := b.router.Deliver(msg.InstanceID, msg); err != nil {
		return 0, err
	}
	return b.replay(deferral.SessionKey(sessionID), deferral.InstanceKey(msg.InstanceID)), nil
}

// InstanceCreated releases messages that were deferred under the id of an
// instance that did not exist yet.
func (b *Binder) InstanceCreated(instanceID string) int {
	return b.replay(deferral.InstanceKey(instanceID))
}

func (b *Binder) replay(keys ...deferral.Key) int {
	drained := b.deferral.DrainMatching(keys...)
	for _, pending := range drained {
		b.router.Route(pending)
	}
	if len(drained) > 0 {
		b.logger.Debug("replayed deferred messages", map[string]string{
			"count": strconv.Itoa(len(drained)),
		})
	}
	return len(drained)
}
