//go:build unix

package supervisor

import (
	"os/exec"
	"syscall"
)

// setupProcessGroup puts the engine in its own process group so the whole tree can be signaled.
func setupProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	setParentDeathSignal(cmd.SysProcAttr)
}
