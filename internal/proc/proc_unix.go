//go:build unix

package proc

import (
	"errors"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// IsRunning reports whether a process with the given PID exists.
// A permission error still means the process exists, it just belongs to someone else.
func IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Stop sends SIGTERM to the process.
func Stop(pid int) error {
	return signal(pid, unix.SIGTERM)
}

// Kill sends SIGKILL to the process.
func Kill(pid int) error {
	return signal(pid, unix.SIGKILL)
}

// StopGroup sends SIGTERM to every process in the group led by pgid.
func StopGroup(pgid int) error {
	return signal(-pgid, unix.SIGTERM)
}

// KillGroup sends SIGKILL to every process in the group led by pgid.
func KillGroup(pgid int) error {
	return signal(-pgid, unix.SIGKILL)
}

func signal(pid int, sig syscall.Signal) error {
	if err := unix.Kill(pid, sig); err != nil {
		return fmt.Errorf("sending %s to %d: %w", unix.SignalName(sig), pid, err)
	}
	return nil
}
