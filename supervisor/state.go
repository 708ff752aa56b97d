package supervisor

import (
	"errors"
	"sync"
)

// ErrProcessAlreadySet is returned when a process is registered while another one is still held.
var ErrProcessAlreadySet = errors.New("engine process already registered")

// State is the shared supervisor state.
// The process and the port are set by different goroutines at different times,
// so each slot has its own lock and neither blocks the other.
type State struct {
	processMut sync.Mutex
	process    *Process

	portMut   sync.RWMutex
	port      uint16
	portKnown bool
	ready     chan struct{}
}

func NewState() *State {
	return &State{ready: make(chan struct{})}
}

// SetProcess registers a freshly spawned process.
func (s *State) SetProcess(p *Process) error {
	s.processMut.Lock()
	defer s.processMut.Unlock()
	if s.process != nil {
		return ErrProcessAlreadySet
	}
	s.process = p
	return nil
}

// TakeProcess removes and returns the registered process.
// Of any number of concurrent callers exactly one receives the process.
func (s *State) TakeProcess() (*Process, bool) {
	s.processMut.Lock()
	defer s.processMut.Unlock()
	p := s.process
	s.process = nil
	return p, p != nil
}

// HasProcess reports whether a process is registered and not yet taken.
func (s *State) HasProcess() bool {
	s.processMut.Lock()
	defer s.processMut.Unlock()
	return s.process != nil
}

// SetPort stores the announced port. Later calls overwrite it.
func (s *State) SetPort(port uint16) {
	s.portMut.Lock()
	defer s.portMut.Unlock()
	s.port = port
	if !s.portKnown {
		s.portKnown = true
		close(s.ready)
	}
}

// Port returns the announced port, if any.
func (s *State) Port() (uint16, bool) {
	s.portMut.RLock()
	defer s.portMut.RUnlock()
	return s.port, s.portKnown
}

// Ready is closed the first time a port is stored.
func (s *State) Ready() <-chan struct{} {
	return s.ready
}
