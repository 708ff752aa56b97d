package supervisor

import (
	"errors"
	"io"
	"os/exec"
	"time"

	"github.com/Blackrose-blackhat/run-state/internal/proc"
)

// Process is the handle on a spawned engine.
// It is owned by State until a Reaper takes it.
type Process struct {
	cmd   *exec.Cmd
	stdin io.Closer
	done  chan struct{}
	err   error
}

func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Done is closed once the process has been waited on.
func (p *Process) Done() <-chan struct{} { return p.done }

// Err is the result of waiting on the process. It is only valid after Done is closed.
func (p *Process) Err() error { return p.err }

func (p *Process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// terminate closes stdin, asks the process group to stop, and kills the group if it is still alive after grace.
func (p *Process) terminate(grace time.Duration) error {
	var errs []error
	if p.stdin != nil {
		if err := p.stdin.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if p.exited() {
		return errors.Join(errs...)
	}
	if grace > 0 {
		if err := stopGroup(p.cmd); err != nil {
			errs = append(errs, err)
		}
		t := time.NewTimer(grace)
		defer t.Stop()
		select {
		case <-p.done:
			return errors.Join(errs...)
		case <-t.C:
		}
	}
	if p.exited() {
		return errors.Join(errs...)
	}
	if err := killGroup(p.cmd); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// The engine leads its own process group, so its pid is also the group id.
func stopGroup(cmd *exec.Cmd) error {
	return proc.StopGroup(cmd.Process.Pid)
}

func killGroup(cmd *exec.Cmd) error {
	return proc.KillGroup(cmd.Process.Pid)
}
