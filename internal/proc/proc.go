// Package proc contains helpers for signalling and waiting on arbitrary OS processes by PID.
package proc

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotRunning is returned when the target process does not exist.
	ErrNotRunning = errors.New("process not running")

	// ErrExitTimeout is returned when a process is still alive after the wait deadline.
	ErrExitTimeout = errors.New("timed out waiting for process to exit")
)

// Termination phases reported by Terminate.
const (
	PhaseSigterm = "sigterm"
	PhaseSigkill = "sigkill"
)

const pollInterval = 100 * time.Millisecond

// WaitForExit polls the process until it is gone or the timeout passes.
func WaitForExit(pid int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if !IsRunning(pid) {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrExitTimeout
		}
		time.Sleep(pollInterval)
	}
}

// Terminate asks the process to stop and escalates to a kill if it outlives grace.
// When force is set the graceful phase is skipped.
// The returned phase is the last one attempted.
func Terminate(pid int, grace time.Duration, force bool) (string, error) {
	if pid <= 0 {
		return "", fmt.Errorf("invalid pid %d", pid)
	}
	if !IsRunning(pid) {
		return "", ErrNotRunning
	}

	if !force {
		if err := Stop(pid); err == nil {
			if WaitForExit(pid, grace) == nil {
				return PhaseSigterm, nil
			}
		}
	}

	if err := Kill(pid); err != nil {
		return PhaseSigkill, fmt.Errorf("killing process %d: %w", pid, err)
	}
	if err := WaitForExit(pid, 5*time.Second); err != nil {
		return PhaseSigkill, fmt.Errorf("process %d survived kill: %w", pid, err)
	}
	return PhaseSigkill, nil
}
