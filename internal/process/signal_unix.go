//go:build !windows

package process

import (
	"errors"
	"syscall"
)

const (
	softStop = syscall.SIGTERM
	hardStop = syscall.SIGKILL
)

// GroupID returns the process group of pid, or 0 when it cannot be read.
// Agents are started in their own group so tools they launch stop with them.
func GroupID(pid int) int {
	if pid <= 0 {
		return 0
	}
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		return 0
	}
	return pgid
}

func signalGroup(entry Entry, sig syscall.Signal) error {
	if entry.PGID > 0 {
		return syscall.Kill(-entry.PGID, sig)
	}
	return syscall.Kill(entry.PID, sig)
}

func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func ignoreGone(err error) error {
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
