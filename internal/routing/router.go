// Package routing decides which instance receives each inbound message and
// binds subprocess sessions to instances as they announce themselves.
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

type Rule string

const (
	RuleSession  Rule = Rule(metrics.RuleSession)
	RuleInstance Rule = Rule(metrics.RuleInstance)
	RuleDeferred Rule = "deferred"
	RuleDropped  Rule = "dropped"
)

// Outcome describes what Route did with one message.
type Outcome struct {
	Rule       Rule
	InstanceID string
	Ambiguous  bool
}

// DeliverFunc observes every message after it has been appended to an
// instance log. msg.InstanceID is the resolved instance.
type DeliverFunc func(msg stream.Message)

type RouterOptions struct {
	Registry  *identity.Registry
	Deferral  *deferral.Buffer
	Logger    *logging.Logger
	Metrics   *metrics.Registry
	OnDeliver DeliverFunc
}

// Router resolves messages against live registry state. It never caches a
// binding; the only state it changes is the instance log and the deferral
// buffer.
type Router struct {
	registry  *identity.Registry
	deferral  *deferral.Buffer
	logger    *logging.Logger
	metrics   *metrics.Registry
	onDeliver DeliverFunc
}

func NewRouter(opts RouterOptions) *Router {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default
	}
	return &Router{
		registry:  opts.Registry,
		deferral:  opts.Deferral,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		onDeliver: opts.OnDeliver,
	}
}

// Resolve applies the precedence rules without side effects: a bound session
// wins, then an existing instance id, otherwise the message is deferred.
func (r *Router) Resolve(msg stream.Message) Outcome {
	if owner, ok := r.registry.SessionOwner(msg.SessionID); ok {
		return Outcome{
			Rule:       RuleSession,
			InstanceID: owner,
			Ambiguous:  msg.InstanceID != "" && msg.InstanceID != owner,
		}
	}
	if r.registry.Exists(msg.InstanceID) {
		return Outcome{Rule: RuleInstance, InstanceID: msg.InstanceID}
	}
	if r.registry.Retired(msg.InstanceID, msg.SessionID) {
		return Outcome{Rule: RuleDropped}
	}
	return Outcome{Rule: RuleDeferred}
}

func (r *Router) Route(msg stream.Message) Outcome {
	outcome := r.Resolve(msg)
	switch outcome.Rule {
	case RuleSession, RuleInstance:
		if outcome.Ambiguous {
			r.metrics.IncAmbiguous()
			r.logger.Warn("message session and instance disagree, routing by session", map[string]string{
				logging.FieldSessionID:  msg.SessionID,
				logging.FieldInstanceID: outcome.InstanceID,
				"claimed_instance":      msg.InstanceID,
			})
		}
		if err := r.Deliver(outcome.InstanceID, msg); err != nil {
			outcome.Rule = RuleDropped
			return outcome
		}
		r.metrics.IncRouted(string(outcome.Rule))
	case RuleDropped:
		r.metrics.IncDropped()
		r.logger.Debug("dropping message for closed instance", messageFields(msg))
	default:
		r.deferral.Enqueue(deferral.KeyFor(msg), msg)
		r.logger.Debug("message deferred", messageFields(msg))
	}
	return outcome
}

// Deliver appends msg to instanceID's log and notifies the observer.
func (r *Router) Deliver(instanceID string, msg stream.Message) error {
	msg.InstanceID = instanceID
	if err := r.registry.AppendMessage(instanceID, msg); err != nil {
		r.metrics.IncDropped()
		if errors.Is(err, identity.ErrUnknownInstance) {
			r.logger.Info("instance closed before message was appended", messageFields(msg))
		} else {
			r.logger.Warn("append message failed", map[string]string{
				logging.FieldInstanceID: instanceID,
				logging.FieldError:      err.Error(),
			})
		}
		return err
	}
	if r.onDeliver != nil {
		r.onDeliver(msg)
	}
	return nil
}

func messageFields(msg stream.Message) map[string]string {
	return map[string]string{
		logging.FieldInstanceID: msg.InstanceID,
		logging.FieldSessionID:  msg.SessionID,
		"seq":                   strconv.FormatUint(msg.Seq, 10),
		"kind":                  msg.Type(),
		"source":                string(msg.Source),
	}
}
