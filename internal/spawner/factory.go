package spawner

import (
	"io"
)

// Command is everything a factory needs to start one subprocess.
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string
}

// Process is a started subprocess. Stderr is nil when the factory merges
// both streams, as the pty factory does.
type Process interface {
	Pid() int
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the process exits and returns its exit code.
	Wait() (int, error)
	Close() error
}

type ProcessFactory interface {
	Start(cmd Command) (Process, error)
}

// Mode selects how subprocess output is attached.
type Mode string

const (
	ModeStdio Mode = "stdio"
	ModePty   Mode = "pty"
)

// FactoryFor returns the factory for mode, defaulting to stdio pipes.
func FactoryFor(mode Mode) ProcessFactory {
	if mode == ModePty {
		return PtyFactory()
	}
	return StdioFactory()
}
