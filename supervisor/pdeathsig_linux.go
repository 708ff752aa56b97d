package supervisor

import "syscall"

// The kernel drops the parent death signal when exec'ing a setuid wrapper,
// so privileged engines rely on stdin EOF instead.
func setParentDeathSignal(attr *syscall.SysProcAttr) {
	attr.Pdeathsig = syscall.SIGKILL
}
