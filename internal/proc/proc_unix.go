//go:build unix

// Package proc wraps the few OS process primitives the job supervisor needs:
// a signal-0 liveness probe, session-detached spawning and polite termination.
package proc

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// Alive reports whether pid refers to a live process. A process owned by
// another user (EPERM) still counts as alive.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, unix.EPERM)
}

// Detach puts cmd in its own session so it outlives the launching terminal.
func Detach(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true
}

func Terminate(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return ErrNoProcess
		}
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}
	return nil
}
