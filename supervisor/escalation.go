package supervisor

import (
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

var (
	ErrEscalationUnavailable = errors.New("privilege escalation helper not available")
	ErrEscalationDeclined    = errors.New("privilege escalation was declined")
	ErrEscalationFailed      = errors.New("privilege escalation failed")
)

// Escalator runs a command with elevated privileges by wrapping it in another command.
type Escalator interface {
	// Wrap returns the program and arguments that run name with args elevated.
	// env is the environment the wrapper itself is started with.
	Wrap(name string, args []string, env []string) (string, []string, error)
	// Classify maps an exit code to an escalation error, or nil if the code is not the wrapper's own.
	// program is the name of the program the process last ran, or "" when unknown.
	// When it names something other than the wrapper, the wrapper already handed over and the code is the target's.
	Classify(exitCode int, program string) error
}

// Pkexec escalates through polkit's pkexec.
// pkexec scrubs the environment, so the display session variables in ForwardEnv are passed through env(1).
type Pkexec struct {
	// Path of the wrapper, looked up in PATH if it has no slash.
	Path       string
	ForwardEnv []string
}

const (
	pkexecDismissed     = 126
	pkexecNotAuthorized = 127

	maxCommLen = 15
)

func DefaultForwardEnv() []string {
	return []string{"DISPLAY", "XAUTHORITY", "WAYLAND_DISPLAY", "XDG_RUNTIME_DIR", "DBUS_SESSION_BUS_ADDRESS"}
}

func NewPkexec() *Pkexec {
	return &Pkexec{Path: "pkexec", ForwardEnv: DefaultForwardEnv()}
}

func (p *Pkexec) Wrap(name string, args []string, env []string) (string, []string, error) {
	wrapper, err := exec.LookPath(p.path())
	if err != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrEscalationUnavailable, err)
	}

	var wrapped []string
	if forwarded := forwardEnv(env, p.ForwardEnv); len(forwarded) > 0 {
		envPath, err := exec.LookPath("env")
		if err != nil {
			envPath = "/usr/bin/env"
		}
		wrapped = append(wrapped, envPath)
		wrapped = append(wrapped, forwarded...)
	}
	wrapped = append(wrapped, name)
	wrapped = append(wrapped, args...)
	return wrapper, wrapped, nil
}

func (p *Pkexec) Classify(exitCode int, program string) error {
	if program != "" && program != commName(p.path()) {
		return nil
	}
	switch exitCode {
	case pkexecDismissed:
		return ErrEscalationDeclined
	case pkexecNotAuthorized:
		return ErrEscalationFailed
	}
	return nil
}

func (p *Pkexec) path() string {
	if p.Path == "" {
		return "pkexec"
	}
	return p.Path
}

// commName is the kernel's truncated program name for the executable at path.
func commName(path string) string {
	name := filepath.Base(path)
	if len(name) > maxCommLen {
		name = name[:maxCommLen]
	}
	return name
}

// forwardEnv returns NAME=value for each name set in env, in the order of names.
func forwardEnv(env []string, names []string) []string {
	values := map[string]string{}
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			values[k] = v
		}
	}
	var out []string
	for _, name := range names {
		if v, ok := values[name]; ok {
			out = append(out, name+"="+v)
		}
	}
	return out
}
