package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"veda/internal/clock"
	"veda/internal/coordination"
	"veda/internal/deferral"
	"veda/internal/event"
	"veda/internal/identity"
	"veda/internal/logging"
	"veda/internal/metrics"
	"veda/internal/process"
	"veda/internal/routing"
	"veda/internal/spawner"
	"veda/internal/stream"
)

var (
	ErrInstanceBusy         = errors.New("instance is already running")
	ErrEmptyInput           = errors.New("input is empty")
	ErrCoordinationDisabled = errors.New("coordination is not configured")
)

const (
	defaultShutdownTimeout = 10 * time.Second
	messageBusBuffer       = 256
)

type Options struct {
	Binary           string
	AgentArgs        []string
	AgentEnv         []string
	Factory          spawner.ProcessFactory
	WorkingDirectory string

	MaxInstances int
	LogCapacity  int

	DeferralTTL      time.Duration
	DeferralCapacity int
	DeferralSweep    time.Duration
	StopGrace        time.Duration
	PipelineBuffer   int
	ShutdownTimeout  time.Duration

	Coordination *coordination.Client

	Logger  *logging.Logger
	Metrics *metrics.Registry
	Clock   clock.Clock
	NewID   func() string
}

// Orchestrator is the boundary a user interface talks to.
type Orchestrator struct {
	registry  *identity.Registry
	deferral  *deferral.Buffer
	router    *routing.Router
	binder    *routing.Binder
	spawner   *spawner.Spawner
	processes *process.Registry
	pipeline  *Pipeline
	coord     *coordination.Client

	messages *event.Bus[stream.Message]
	events   *event.Bus[event.InstanceEvent]

	logger          *logging.Logger
	metrics         *metrics.Registry
	clock           clock.Clock
	workdir         string
	shutdownTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	tools  sync.WaitGroup

	spawnMu  sync.Mutex
	inflight map[string]bool
}

func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	grace := opts.StopGrace
	if grace <= 0 {
		grace = process.DefaultGracePeriod
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		processes:       process.NewRegistryWithGrace(grace),
		coord:           opts.Coordination,
		logger:          opts.Logger,
		metrics:         opts.Metrics,
		clock:           opts.Clock,
		workdir:         opts.WorkingDirectory,
		shutdownTimeout: opts.ShutdownTimeout,
		ctx:             ctx,
		cancel:          cancel,
		inflight:        make(map[string]bool),
	}
	o.registry = identity.NewRegistry(identity.Options{
		MaxInstances: opts.MaxInstances,
		LogCapacity:  opts.LogCapacity,
		Clock:        opts.Clock,
		NewID:        opts.NewID,
	})
	o.deferral = deferral.NewBuffer(deferral.Options{
		TTL:           opts.DeferralTTL,
		Capacity:      opts.DeferralCapacity,
		SweepInterval: opts.DeferralSweep,
		Clock:         opts.Clock,
		Logger:        opts.Logger.With(map[string]string{logging.FieldCategory: "deferral"}),
		Metrics:       opts.Metrics,
	})
	o.messages = event.NewBus[stream.Message](event.BusOptions{
		Name:             "routed_messages",
		SubscriberBuffer: messageBusBuffer,
		Metrics:          opts.Metrics,
		Logger:           opts.Logger,
	})
	o.events = event.NewBus[event.InstanceEvent](event.BusOptions{
		Name:    "instance_events",
		Metrics: opts.Metrics,
		Logger:  opts.Logger,
	})

	routeLogger := opts.Logger.With(map[string]string{logging.FieldCategory: "routing"})
	o.router = routing.NewRouter(routing.RouterOptions{
		Registry:  o.registry,
		Deferral:  o.deferral,
		Logger:    routeLogger,
		Metrics:   opts.Metrics,
		OnDeliver: o.delivered,
	})
	o.binder = routing.NewBinder(routing.BinderOptions{
		Registry: o.registry,
		Deferral: o.deferral,
		Router:   o.router,
		Logger:   routeLogger,
		Metrics:  opts.Metrics,
		OnBound:  o.bound,
	})
	o.pipeline = NewPipeline(opts.PipelineBuffer, opts.Clock, opts.Logger, o.route)
	o.spawner = spawner.New(spawner.Options{
		Binary:    opts.Binary,
		ExtraArgs: opts.AgentArgs,
		Env:       opts.AgentEnv,
		Factory:   opts.Factory,
		Registry:  o.registry,
		Processes: o.processes,
		Sink:      o.pipeline,
		Logger:    opts.Logger.With(map[string]string{logging.FieldCategory: "spawner"}),
		Metrics:   opts.Metrics,
		Clock:     opts.Clock,
	})
	if o.coord != nil {
		o.coord.OnReceive(o.receiveEnvelope)
	}
	return o
}

// Run drives routing, deferral expiry and the coordination client until ctx
// is cancelled, then stops every subprocess.
func (o *Orchestrator) Run(ctx context.Context) error {
	routeCtx, stopRouting := context.WithCancel(context.Background())
	defer stopRouting()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		o.pipeline.Run(routeCtx)
	}()
	go func() {
		defer wg.Done()
		o.deferral.Run(routeCtx)
	}()
	if o.coord != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := o.coord.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				o.logger.Warn("coordination client stopped", map[string]string{logging.FieldError: err.Error()})
			}
		}()
	}

	<-ctx.Done()
	o.cancel()
	stopCtx, cancel := context.WithTimeout(context.Background(), o.shutdownTimeout)
	err := o.processes.StopAll(stopCtx)
	cancel()
	o.tools.Wait()

	stopRouting()
	wg.Wait()
	o.messages.Close()
	o.events.Close()
	return err
}

// Submit feeds an externally produced message into the routing pipeline.
func (o *Orchestrator) Submit(msg stream.Message) {
	o.pipeline.Submit(msg)
}

func (o *Orchestrator) route(msg stream.Message) {
	if _, ok := msg.Payload.(stream.SessionStarted); ok {
		_, _ = o.binder.SessionStarted(msg)
		return
	}
	outcome := o.router.Route(msg)
	lifecycle, ok := msg.Payload.(stream.Lifecycle)
	if !ok || lifecycle.Stage != stream.LifecycleExited {
		return
	}
	if outcome.Rule == routing.RuleSession || outcome.Rule == routing.RuleInstance {
		o.exited(outcome.InstanceID)
	}
}

// exited marks an instance Exited unless a newer process is starting or
// running for it.
func (o *Orchestrator) exited(instanceID string) {
	o.spawnMu.Lock()
	busy := o.inflight[instanceID]
	o.spawnMu.Unlock()
	if busy || len(o.processes.Running(instanceID)) > 0 {
		return
	}
	if err := o.registry.MarkExited(instanceID); err != nil {
		return
	}
	o.publish(instanceID, event.InstanceExited)
}

func (o *Orchestrator) delivered(msg stream.Message) {
	o.messages.Publish(msg)
	if use, ok := msg.Payload.(stream.ToolUse); ok && !use.Denied && isInstanceTool(use.Name) {
		o.tools.Add(1)
		go func() {
			defer o.tools.Done()
			o.handleTool(o.ctx, msg.InstanceID, use)
		}()
	}
}

func (o *Orchestrator) bound(instanceID, sessionID string) {
	inst, _ := o.registry.Get(instanceID)
	evt := event.NewInstanceEvent(instanceID, inst.DisplayName, event.SessionBound)
	evt.SessionID = sessionID
	o.events.Publish(evt)
}

func (o *Orchestrator) publish(instanceID, eventType string) {
	inst, _ := o.registry.Get(instanceID)
	evt := event.NewInstanceEvent(instanceID, inst.DisplayName, eventType)
	evt.SessionID = inst.SessionID
	o.events.Publish(evt)
}

// CreateTab registers a new instance. No subprocess is started until input
// is sent to it.
func (o *Orchestrator) CreateTab(displayName, workingDirectory string) (identity.Instance, error) {
	if strings.TrimSpace(workingDirectory) == "" {
		workingDirectory = o.workdir
	}
	id, err := o.registry.Create(displayName, workingDirectory)
	if err != nil {
		return identity.Instance{}, err
	}
	inst, _ := o.registry.Get(id)
	o.logger.Info("instance created", map[string]string{
		logging.FieldInstanceID: id,
		"name":                  inst.DisplayName,
		"workdir":               inst.WorkingDirectory,
	})
	o.publish(id, event.InstanceCreated)
	if err := o.pipeline.Do(o.ctx, func() { o.binder.InstanceCreated(id) }); err != nil {
		o.logger.Debug("skipping deferred replay for new instance", map[string]string{
			logging.FieldInstanceID: id,
			logging.FieldError:      err.Error(),
		})
	}
	return inst, nil
}

// CloseTab stops the instance's subprocess, discards anything still
// deferred for it and retires its id and sessions so late output is
// dropped.
func (o *Orchestrator) CloseTab(ctx context.Context, instanceID string) error {
	inst, ok := o.registry.Get(instanceID)
	if !ok {
		return fmt.Errorf("%w: %s", identity.ErrUnknownInstance, instanceID)
	}
	stopErr := o.processes.Stop(ctx, instanceID)
	if stopErr != nil {
		o.logger.Warn("stopping instance failed", map[string]string{
			logging.FieldInstanceID: instanceID,
			logging.FieldError:      stopErr.Error(),
		})
	}
	_ = o.registry.MarkExited(instanceID)

	keys := []deferral.Key{deferral.InstanceKey(instanceID)}
	for _, sessionID := range inst.Sessions {
		keys = append(keys, deferral.SessionKey(sessionID))
	}
	var (
		purged    int
		removeErr error
	)
	retire := func() {
		_, removeErr = o.registry.Remove(instanceID)
		purged = o.deferral.Purge(keys...)
	}
	if err := o.pipeline.Do(ctx, retire); err != nil {
		retire()
	}
	if removeErr != nil {
		return removeErr
	}
	o.logger.Info("instance closed", map[string]string{
		logging.FieldInstanceID: instanceID,
		"name":                  inst.DisplayName,
		"purged":                fmt.Sprint(purged),
	})
	evt := event.NewInstanceEvent(instanceID, inst.DisplayName, event.InstanceClosed)
	evt.SessionID = inst.SessionID
	o.events.Publish(evt)
	return stopErr
}

// SendUserInput starts a subprocess for the instance with text as its
// prompt, resuming the bound session when there is one.
func (o *Orchestrator) SendUserInput(ctx context.Context, instanceID, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyInput
	}
	return o.spawn(ctx, instanceID, text, func(inst identity.Instance) (string, error) {
		return inst.SessionID, nil
	})
}

// ResumeSession makes a session from the instance's history current again
// and continues it with text.
func (o *Orchestrator) ResumeSession(ctx context.Context, instanceID, sessionID, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyInput
	}
	return o.spawn(ctx, instanceID, text, func(identity.Instance) (string, error) {
		if err := o.registry.RebindSessionForResume(instanceID, sessionID); err != nil {
			return "", err
		}
		return sessionID, nil
	})
}

// StartFresh detaches the current session and starts a new conversation
// for the same instance.
func (o *Orchestrator) StartFresh(ctx context.Context, instanceID, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyInput
	}
	return o.spawn(ctx, instanceID, text, func(identity.Instance) (string, error) {
		return "", o.registry.ClearSession(instanceID)
	})
}

// spawn reserves the instance, then lets prepare adjust its session and pick
// the session to resume. prepare runs only after the reservation succeeds.
func (o *Orchestrator) spawn(ctx context.Context, instanceID, text string, prepare func(identity.Instance) (string, error)) error {
	inst, ok := o.registry.Get(instanceID)
	if !ok {
		return fmt.Errorf("%w: %s", identity.ErrUnknownInstance, instanceID)
	}
	o.spawnMu.Lock()
	if o.inflight[inst.ID] || len(o.processes.Running(inst.ID)) > 0 {
		o.spawnMu.Unlock()
		return fmt.Errorf("%w: %s", ErrInstanceBusy, inst.DisplayName)
	}
	o.inflight[inst.ID] = true
	o.spawnMu.Unlock()
	defer func() {
		o.spawnMu.Lock()
		delete(o.inflight, inst.ID)
		o.spawnMu.Unlock()
	}()

	resume, err := prepare(inst)
	if err != nil {
		return err
	}

	o.pipeline.Submit(stream.Message{
		InstanceID: inst.ID,
		Source:     stream.SourceUser,
		Payload:    stream.TextDelta{Text: text},
	})
	_, err = o.spawner.Spawn(ctx, spawner.Request{
		InstanceID:       inst.ID,
		Prompt:           text,
		WorkingDirectory: inst.WorkingDirectory,
		ResumeSessionID:  resume,
	})
	if err != nil {
		var spawnErr *spawner.SpawnError
		if errors.As(err, &spawnErr) {
			_ = o.registry.MarkExited(inst.ID)
			o.publish(inst.ID, event.InstanceExited)
		}
		return err
	}
	o.publish(inst.ID, event.InstanceSpawning)
	return nil
}

// Subscribe streams messages routed to one instance.
func (o *Orchestrator) Subscribe(instanceID string) (<-chan stream.Message, func()) {
	return o.messages.SubscribeFiltered(func(msg stream.Message) bool {
		return msg.InstanceID == instanceID
	})
}

// SubscribeAll streams every routed message.
func (o *Orchestrator) SubscribeAll() (<-chan stream.Message, func()) {
	return o.messages.Subscribe()
}

// Events streams instance lifecycle changes.
func (o *Orchestrator) Events() (<-chan event.InstanceEvent, func()) {
	return o.events.Subscribe()
}

func (o *Orchestrator) ListInstances() []identity.Instance {
	return o.registry.List()
}

func (o *Orchestrator) Instance(instanceID string) (identity.Instance, bool) {
	return o.registry.Get(instanceID)
}

func (o *Orchestrator) FindInstance(name string) (identity.Instance, bool) {
	return o.registry.FindByName(name)
}

// Messages returns the retained log of an instance.
func (o *Orchestrator) Messages(instanceID string) ([]stream.Message, error) {
	return o.registry.Messages(instanceID)
}

// Deferred returns a copy of the deferral buffer contents.
func (o *Orchestrator) Deferred() []deferral.Entry {
	return o.deferral.Entries()
}

// SetDeferralTTL changes the expiry applied to deferred messages.
func (o *Orchestrator) SetDeferralTTL(ttl time.Duration) {
	o.deferral.SetTTL(ttl)
}

func (o *Orchestrator) Metrics() *metrics.Registry {
	return o.metrics
}

// Coordinate sends an envelope over the coordination relay.
func (o *Orchestrator) Coordinate(ctx context.Context, env coordination.Envelope) (coordination.Envelope, error) {
	if o.coord == nil {
		return env, ErrCoordinationDisabled
	}
	return o.coord.Send(ctx, env)
}

func (o *Orchestrator) receiveEnvelope(env coordination.Envelope) {
	msg, err := env.Message(o.clock.Now())
	if err != nil {
		o.logger.Warn("coordination envelope dropped", map[string]string{
			"from":             env.From,
			"message_type":     env.MessageType,
			logging.FieldError: err.Error(),
		})
		return
	}
	o.pipeline.Submit(msg)
}
