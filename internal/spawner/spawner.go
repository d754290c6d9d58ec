// Package spawner starts assistant subprocesses for instances and feeds
// their output into the routing pipeline. Every event a process emits is
// tagged with the instance id it was spawned for.
package spawner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"

	"veda/internal/clock"
	"veda/internal/identity"
	"veda/internal/logging"
	"veda/internal/metrics"
	"veda/internal/process"
	"veda/internal/stream"
)

// EnvInstanceID names the environment variable carrying the spawn token.
const EnvInstanceID = "VEDA_INSTANCE_ID"

const (
	DefaultBinary       = "claude"
	defaultMaxLineBytes = 4 * 1024 * 1024
)

var ErrWorkingDirectoryInvalid = errors.New("working directory is not a directory")

// SpawnError reports a subprocess that could not be started.
type SpawnError struct {
	InstanceID string
	Binary     string
	Err        error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s for instance %s: %v", e.Binary, e.InstanceID, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// Sink receives every message produced by a subprocess.
type Sink interface {
	Submit(msg stream.Message)
}

type SinkFunc func(msg stream.Message)

func (f SinkFunc) Submit(msg stream.Message) { f(msg) }

type Request struct {
	InstanceID       string
	Prompt           string
	WorkingDirectory string
	ResumeSessionID  string
}

type Options struct {
	Binary       string
	ExtraArgs    []string
	Env          []string
	Factory      ProcessFactory
	Registry     *identity.Registry
	Processes    *process.Registry
	Sink         Sink
	Logger       *logging.Logger
	Metrics      *metrics.Registry
	Clock        clock.Clock
	MaxLineBytes int
}

type Spawner struct {
	binary       string
	extraArgs    []string
	env          []string
	factory      ProcessFactory
	registry     *identity.Registry
	processes    *process.Registry
	sink         Sink
	logger       *logging.Logger
	metrics      *metrics.Registry
	clock        clock.Clock
	maxLineBytes int
}

func New(opts Options) *Spawner {
	if opts.Binary == "" {
		opts.Binary = DefaultBinary
	}
	if opts.Factory == nil {
		opts.Factory = StdioFactory()
	}
	if opts.Processes == nil {
		opts.Processes = process.NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.MaxLineBytes <= 0 {
		opts.MaxLineBytes = defaultMaxLineBytes
	}
	return &Spawner{
		binary:       opts.Binary,
		extraArgs:    opts.ExtraArgs,
		env:          opts.Env,
		factory:      opts.Factory,
		registry:     opts.Registry,
		processes:    opts.Processes,
		sink:         opts.Sink,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		clock:        opts.Clock,
		maxLineBytes: opts.MaxLineBytes,
	}
}

// Handle tracks one running subprocess.
type Handle struct {
	InstanceID string
	PID        int

	done     chan struct{}
	exitCode int
}

// Done is closed after the process exited and its output was drained.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// ExitCode is valid after Done is closed.
func (h *Handle) ExitCode() int {
	<-h.done
	return h.exitCode
}

func (h *Handle) wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Args builds the command line for a request.
func (s *Spawner) Args(req Request) []string {
	args := []string{"-p", req.Prompt, "--output-format", "stream-json", "--verbose"}
	if req.ResumeSessionID != "" {
		args = append(args, "--resume", req.ResumeSessionID)
	}
	return append(args, s.extraArgs...)
}

// Spawn starts a subprocess for an existing instance and returns once it is
// running. The session id is not known yet; it arrives later through the
// sink as a SessionStarted message.
func (s *Spawner) Spawn(ctx context.Context, req Request) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	inst, ok := s.registry.Get(req.InstanceID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", identity.ErrUnknownInstance, req.InstanceID)
	}
	dir := req.WorkingDirectory
	if dir == "" {
		dir = inst.WorkingDirectory
	}
	if dir != "" {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			return nil, fmt.Errorf("%w: %s", ErrWorkingDirectoryInvalid, dir)
		}
	}

	logger := s.logger.WithInstance(req.InstanceID)
	if err := s.registry.MarkSpawning(req.InstanceID); err != nil {
		return nil, err
	}
	proc, err := s.factory.Start(Command{
		Path: s.binary,
		Args: s.Args(req),
		Dir:  dir,
		Env:  s.environment(req.InstanceID),
	})
	if err != nil {
		s.metrics.IncSpawnFailed()
		logger.Error("subprocess start failed", map[string]string{
			logging.FieldError: err.Error(),
			"binary":           s.binary,
		})
		return nil, &SpawnError{InstanceID: req.InstanceID, Binary: s.binary, Err: err}
	}

	handle := &Handle{InstanceID: req.InstanceID, PID: proc.Pid(), done: make(chan struct{})}
	s.metrics.IncSpawnStarted()
	s.processes.Register(process.Entry{
		PID:        handle.PID,
		PGID:       process.GroupID(handle.PID),
		InstanceID: req.InstanceID,
		Wait:       handle.wait,
	})
	logger.Info("subprocess started", map[string]string{
		"pid":     strconv.Itoa(handle.PID),
		"resume":  req.ResumeSessionID,
		"workdir": dir,
	})
	s.emit(req.InstanceID, stream.SourceSpawner, stream.Lifecycle{Stage: stream.LifecycleStreamStart})

	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		s.readStdout(req.InstanceID, proc.Stdout(), logger)
	}()
	if stderr := proc.Stderr(); stderr != nil {
		readers.Add(1)
		go func() {
			defer readers.Done()
			s.readStderr(req.InstanceID, stderr, logger)
		}()
	}

	go func() {
		readers.Wait()
		code, waitErr := proc.Wait()
		_ = proc.Close()
		handle.exitCode = code
		s.processes.Unregister(handle.PID)
		s.metrics.IncProcessExited()
		fields := map[string]string{
			"pid":       strconv.Itoa(handle.PID),
			"exit_code": strconv.Itoa(code),
		}
		if waitErr != nil {
			fields[logging.FieldError] = waitErr.Error()
		}
		logger.Info("subprocess exited", fields)
		s.emit(req.InstanceID, stream.SourceSpawner, stream.Lifecycle{Stage: stream.LifecycleExited, ExitCode: code})
		close(handle.done)
	}()

	return handle, nil
}

func (s *Spawner) environment(instanceID string) []string {
	env := append([]string{}, os.Environ()...)
	env = append(env, s.env...)
	return append(env, EnvInstanceID+"="+instanceID)
}

func (s *Spawner) readStdout(instanceID string, reader io.Reader, logger *logging.Logger) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), s.maxLineBytes)
	for scanner.Scan() {
		messages, err := stream.ParseLine(scanner.Bytes())
		if err != nil {
			switch {
			case errors.Is(err, stream.ErrEmptyLine):
			case errors.Is(err, stream.ErrUnknownType):
				logger.Debug("ignoring stream event", map[string]string{logging.FieldError: err.Error()})
			default:
				logger.Warn("malformed stream line", map[string]string{logging.FieldError: err.Error()})
			}
			continue
		}
		for _, msg := range messages {
			if msg.InstanceID != "" && msg.InstanceID != instanceID {
				logger.Warn("stream line claims a different instance, using spawn token", map[string]string{
					"claimed_instance": msg.InstanceID,
				})
			}
			msg.InstanceID = instanceID
			msg.Source = stream.SourceStdout
			s.submit(msg)
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("stdout reader stopped", map[string]string{logging.FieldError: err.Error()})
		// Drain so the process never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, reader)
	}
}

func (s *Spawner) readStderr(instanceID string, reader io.Reader, logger *logging.Logger) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 16*1024), s.maxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		if !stream.IsStderrError(line) {
			logger.Debug("subprocess stderr", map[string]string{"line": line})
			continue
		}
		logger.Warn("subprocess reported error", map[string]string{"line": line})
		s.emit(instanceID, stream.SourceStderr, stream.ErrorNotice{Message: line})
	}
	if err := scanner.Err(); err != nil {
		_, _ = io.Copy(io.Discard, reader)
	}
}

func (s *Spawner) emit(instanceID string, source stream.Source, payload stream.Payload) {
	s.submit(stream.Message{InstanceID: instanceID, Source: source, Payload: payload})
}

func (s *Spawner) submit(msg stream.Message) {
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = s.clock.Now()
	}
	if s.sink != nil {
		s.sink.Submit(msg)
	}
}

// Processes exposes the process registry so callers can stop instances.
func (s *Spawner) Processes() *process.Registry {
	return s.processes
}
