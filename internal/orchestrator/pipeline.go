package orchestrator

import (
	"context"
	"errors"
	"sync"

	"veda/internal/clock"
	"veda/internal/logging"
	"veda/internal/stream"
)

const DefaultPipelineBuffer = 1024

var ErrPipelineStopped = errors.New("routing pipeline stopped")

type task struct {
	msg  stream.Message
	fn   func()
	done chan struct{}
}

// Pipeline serializes every inbound message, and every change to routing
// state, onto one goroutine. Sequence numbers are assigned as messages leave
// the queue so they match the order the router observed them.
type Pipeline struct {
	input   chan task
	handle  func(stream.Message)
	clock   clock.Clock
	logger  *logging.Logger
	seq     uint64
	stopped chan struct{}
	once    sync.Once
}

func NewPipeline(buffer int, clk clock.Clock, logger *logging.Logger, handle func(stream.Message)) *Pipeline {
	if buffer <= 0 {
		buffer = DefaultPipelineBuffer
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Pipeline{
		input:   make(chan task, buffer),
		handle:  handle,
		clock:   clk,
		logger:  logger,
		stopped: make(chan struct{}),
	}
}

// Submit queues msg for routing. It blocks while the queue is full and
// discards the message once the pipeline has stopped.
func (p *Pipeline) Submit(msg stream.Message) {
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = p.clock.Now()
	}
	if !p.enqueue(task{msg: msg}) {
		p.logger.Debug("pipeline stopped, message discarded", map[string]string{
			logging.FieldInstanceID: msg.InstanceID,
			"kind":                  msg.Type(),
		})
	}
}

// Do runs fn on the routing goroutine and waits for it to finish. It must
// not be called from the routing goroutine itself.
func (p *Pipeline) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case p.input <- task{fn: fn, done: done}:
	case <-p.stopped:
		return ErrPipelineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-p.stopped:
		// Anything dispatched has finished by the time stopped is closed.
		select {
		case <-done:
			return nil
		default:
			return ErrPipelineStopped
		}
	}
}

func (p *Pipeline) enqueue(t task) bool {
	select {
	case <-p.stopped:
		return false
	default:
	}
	select {
	case p.input <- t:
		return true
	case <-p.stopped:
		return false
	}
}

// Run routes queued messages until ctx is cancelled. Work still queued at
// that point runs before Run returns.
func (p *Pipeline) Run(ctx context.Context) {
	defer p.once.Do(func() { close(p.stopped) })
	for {
		select {
		case t := <-p.input:
			p.dispatch(t)
		case <-ctx.Done():
			for {
				select {
				case t := <-p.input:
					p.dispatch(t)
				default:
					return
				}
			}
		}
	}
}

func (p *Pipeline) dispatch(t task) {
	if t.fn != nil {
		t.fn()
		close(t.done)
		return
	}
	p.seq++
	t.msg.Seq = p.seq
	p.handle(t.msg)
}

// Pending reports how much work is waiting to be routed.
func (p *Pipeline) Pending() int {
	return len(p.input)
}
