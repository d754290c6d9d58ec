//go:build !linux && !windows

package spawner

import "syscall"

func setDeathSignal(*syscall.SysProcAttr) {}
