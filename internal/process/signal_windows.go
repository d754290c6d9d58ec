//go:build windows

package process

import (
	"errors"
	"os"
)

type stopSignal int

// Windows has no SIGTERM for console children; both steps kill.
const (
	softStop stopSignal = iota
	hardStop
)

func GroupID(int) int { return 0 }

func signalGroup(entry Entry, _ stopSignal) error {
	proc, err := os.FindProcess(entry.PID)
	if err != nil {
		return err
	}
	return proc.Kill()
}

func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = proc.Release()
	return true
}

func ignoreGone(err error) error {
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
