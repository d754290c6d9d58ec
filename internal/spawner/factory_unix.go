//go:build !windows

package spawner

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
}

func (p *execProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Stdout() io.Reader { return p.stdout }

func (p *execProcess) Stderr() io.Reader {
	if p.stderr == nil {
		return nil
	}
	return p.stderr
}

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	return exitCode(p.cmd, err)
}

func (p *execProcess) Close() error {
	var errs []error
	for _, closer := range []io.Closer{p.stdout, p.stderr} {
		if closer == nil {
			continue
		}
		if err := closer.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type stdioFactory struct{}

// StdioFactory starts processes with separate stdout and stderr pipes and
// stdin attached to the null device.
func StdioFactory() ProcessFactory {
	return stdioFactory{}
}

func (stdioFactory) Start(command Command) (Process, error) {
	cmd := newCmd(command)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdout.Close()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		return nil, err
	}
	return &execProcess{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

type ptyFactory struct{}

// PtyFactory starts processes on a pseudo terminal. stdout and stderr
// arrive interleaved on the terminal and lines end in \r\n.
func PtyFactory() ProcessFactory {
	return ptyFactory{}
}

func (ptyFactory) Start(command Command) (Process, error) {
	cmd := newCmd(command)
	// pty starts a new session, which already leads its own group; setpgid
	// on a session leader fails.
	cmd.SysProcAttr.Setpgid = false
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: 4096, Rows: 50})
	if err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd, stdout: &ptyReader{file: ptmx}}, nil
}

// ptyReader reports EOF where the kernel reports EIO after the child side
// of the terminal closes.
type ptyReader struct {
	file *os.File
}

func (r *ptyReader) Read(data []byte) (int, error) {
	n, err := r.file.Read(data)
	if err != nil && errors.Is(err, syscall.EIO) {
		return n, io.EOF
	}
	return n, err
}

func (r *ptyReader) Close() error {
	return r.file.Close()
}

func newCmd(command Command) *exec.Cmd {
	cmd := exec.Command(command.Path, command.Args...)
	cmd.Dir = command.Dir
	cmd.Env = command.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	setDeathSignal(cmd.SysProcAttr)
	return cmd
}

func exitCode(cmd *exec.Cmd, err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return 128 + int(status.Signal()), nil
		}
		return exitErr.ExitCode(), nil
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode(), err
	}
	return -1, err
}
