//go:build windows

package proc

import (
	"fmt"
	"os"
)

// IsRunning reports whether a process with the given PID exists.
// FindProcess opens a handle on Windows, so it fails for unknown PIDs.
func IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	p.Release()
	return true
}

// Stop has no graceful equivalent on Windows and kills the process.
func Stop(pid int) error {
	return Kill(pid)
}

// Kill terminates the process.
func Kill(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}
	return p.Kill()
}

// StopGroup kills the group leader; CREATE_NEW_PROCESS_GROUP children follow it.
func StopGroup(pgid int) error {
	return Kill(pgid)
}

// KillGroup kills the group leader.
func KillGroup(pgid int) error {
	return Kill(pgid)
}
