package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/Blackrose-blackhat/run-state/internal/files"
	"go.uber.org/zap"
)

var (
	ErrAlreadyStarted = errors.New("engine already started")
	ErrEngineNotFound = errors.New("engine binary not found")
	ErrSpawn          = errors.New("failed to start engine")
	ErrEngineExited   = errors.New("engine exited before announcing its port")
)

type Phase string

const (
	PhaseNotStarted Phase = "not_started"
	PhaseSpawning   Phase = "spawning"
	PhaseRunning    Phase = "running"
	PhaseReady      Phase = "ready"
	PhaseTerminated Phase = "terminated"
)

// Status is a snapshot of the supervised engine.
type Status struct {
	Phase      Phase   `json:"phase"`
	PID        int     `json:"pid,omitempty"`
	Port       *uint16 `json:"port"`
	Privileged bool    `json:"privileged"`
	ExitCode   *int    `json:"exit_code,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// Supervisor spawns the engine once and tracks it until it exits.
type Supervisor struct {
	log       *zap.SugaredLogger
	state     *State
	escalator Escalator
	args      []string
	env       []string
	diag      *Diagnostics

	m          sync.Mutex
	phase      Phase
	pid        int
	privileged bool
	exitCode   *int
	err        error

	exited chan struct{}
}

type Option func(s *Supervisor)

func WithLogger(l *zap.Logger) Option {
	return func(s *Supervisor) {
		s.log = l.Named("supervisor").Sugar()
	}
}

func WithEscalator(e Escalator) Option {
	return func(s *Supervisor) {
		s.escalator = e
	}
}

// WithArgs sets the arguments passed to the engine.
func WithArgs(args ...string) Option {
	return func(s *Supervisor) {
		s.args = args
	}
}

// WithEnv adds NAME=value entries to the environment inherited from the host.
func WithEnv(env []string) Option {
	return func(s *Supervisor) {
		s.env = env
	}
}

// WithDiagnostics sets where engine output lines are collected.
func WithDiagnostics(d *Diagnostics) Option {
	return func(s *Supervisor) {
		s.diag = d
	}
}

func New(state *State, opts ...Option) *Supervisor {
	s := &Supervisor{
		log:       zap.NewNop().Sugar(),
		state:     state,
		escalator: NewPkexec(),
		phase:     PhaseNotStarted,
		exited:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.diag == nil {
		s.diag = NewDiagnostics(defaultDiagnosticLines)
	}
	return s
}

// Start spawns the engine at enginePath, through the escalator if privileged is set.
// The process is registered in State before Start returns, and the handshake is read in the background.
// Start can only be called once.
func (s *Supervisor) Start(enginePath string, privileged bool) error {
	s.m.Lock()
	if s.phase != PhaseNotStarted {
		s.m.Unlock()
		return ErrAlreadyStarted
	}
	s.phase = PhaseSpawning
	s.privileged = privileged
	s.m.Unlock()

	p, stdout, stderr, err := s.spawn(enginePath, privileged)
	if err != nil {
		s.finish(nil, err)
		return err
	}

	if err := s.state.SetProcess(p); err != nil {
		_ = p.terminate(0)
		_ = p.cmd.Wait()
		s.finish(nil, err)
		return err
	}

	s.m.Lock()
	s.phase = PhaseRunning
	s.pid = p.Pid()
	s.m.Unlock()
	s.log.Infof("started engine %s with pid %d (privileged=%v)", enginePath, p.Pid(), privileged)

	var pipes sync.WaitGroup
	pipes.Add(2)
	go s.readStdout(stdout, &pipes)
	go s.readStderr(stderr, &pipes)
	go s.wait(p, &pipes)

	return nil
}

func (s *Supervisor) spawn(enginePath string, privileged bool) (*Process, io.Reader, io.Reader, error) {
	if !files.IsExecutable(enginePath) {
		return nil, nil, nil, fmt.Errorf("%w: %s is not an executable file", ErrEngineNotFound, enginePath)
	}

	env := append(os.Environ(), s.env...)
	name, args := enginePath, s.args
	if privileged {
		var err error
		name, args, err = s.escalator.Wrap(enginePath, s.args, env)
		if err != nil {
			return nil, nil, nil, err
		}
	}

	cmd := exec.Command(name, args...)
	cmd.Env = env
	setupProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: stdin pipe: %w", ErrSpawn, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: stdout pipe: %w", ErrSpawn, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: stderr pipe: %w", ErrSpawn, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %w", ErrSpawn, err)
	}

	p := &Process{
		cmd:   cmd,
		stdin: stdin,
		done:  make(chan struct{}),
	}
	return p, stdout, stderr, nil
}

func (s *Supervisor) readStdout(stdout io.Reader, pipes *sync.WaitGroup) {
	defer pipes.Done()
	log := s.log.Named("stdout")

	hs := NewHandshakeReader(stdout)
	hs.Skipped = func(line string) {
		log.Debugf("skipping line before handshake: %q", line)
		s.diag.Append("stdout", line)
	}
	port, ok := hs.ReadPort()
	if ok {
		s.state.SetPort(port)
		s.m.Lock()
		if s.phase == PhaseRunning {
			s.phase = PhaseReady
		}
		s.m.Unlock()
		log.Infof("engine announced port %d", port)
	} else {
		log.Warn("engine stdout closed without announcing a port")
	}

	err := hs.Drain(func(line string) {
		s.diag.Append("stdout", line)
	})
	if err != nil {
		log.Debugf("draining stdout: %s", err)
	}
}

func (s *Supervisor) readStderr(stderr io.Reader, pipes *sync.WaitGroup) {
	defer pipes.Done()
	log := s.log.Named("stderr")

	// The stderr stream is line-split the same way as stdout, it just never matches a handshake.
	err := NewHandshakeReader(stderr).Drain(func(line string) {
		log.Debug(line)
		s.diag.Append("stderr", line)
	})
	if err != nil {
		log.Debugf("draining stderr: %s", err)
	}
}

// wait reaps the process. exec.Cmd.Wait closes the pipes, so it must only run once the readers are done with them.
func (s *Supervisor) wait(p *Process, pipes *sync.WaitGroup) {
	pipes.Wait()
	// read while the process is still unreaped, the name tells a wrapper that exited apart from the program it ran
	program := programName(p.Pid())
	p.err = p.cmd.Wait()

	code := -1
	if p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
	}

	var err error
	if _, announced := s.state.Port(); !announced {
		s.m.Lock()
		privileged := s.privileged
		s.m.Unlock()
		if privileged {
			err = s.escalator.Classify(code, program)
		}
		if err == nil {
			err = fmt.Errorf("%w (exit code %d)", ErrEngineExited, code)
		}
	}
	s.log.Infof("engine exited with code %d", code)

	close(p.done)
	s.finish(&code, err)
}

func (s *Supervisor) finish(code *int, err error) {
	s.m.Lock()
	defer s.m.Unlock()
	s.phase = PhaseTerminated
	s.exitCode = code
	s.err = err
	close(s.exited)
}

// Done is closed once the engine has exited or failed to start.
func (s *Supervisor) Done() <-chan struct{} {
	return s.exited
}

// Err returns why the engine failed to become ready, once Done is closed.
func (s *Supervisor) Err() error {
	s.m.Lock()
	defer s.m.Unlock()
	return s.err
}

// WaitReady blocks until the engine announces its port, the engine exits, or ctx is done.
// Escalation prompts are answered by a human, so ctx is the only bound on how long this takes.
func (s *Supervisor) WaitReady(ctx context.Context) (uint16, error) {
	select {
	case <-s.state.Ready():
		port, _ := s.state.Port()
		return port, nil
	case <-s.exited:
		if port, ok := s.state.Port(); ok {
			return port, nil
		}
		return 0, s.Err()
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (s *Supervisor) Status() Status {
	s.m.Lock()
	st := Status{
		Phase:      s.phase,
		PID:        s.pid,
		Privileged: s.privileged,
		ExitCode:   s.exitCode,
	}
	if s.err != nil {
		st.Error = s.err.Error()
	}
	s.m.Unlock()

	if port, ok := s.state.Port(); ok {
		st.Port = &port
	}
	return st
}

// Diagnostics returns the buffer engine output is collected in.
func (s *Supervisor) Diagnostics() *Diagnostics {
	return s.diag
}
