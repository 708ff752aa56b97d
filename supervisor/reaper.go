package supervisor

import (
	"time"

	"go.uber.org/zap"
)

// Trigger names the host event that caused a reap.
type Trigger string

const (
	TriggerWindowClose   Trigger = "window_close"
	TriggerExitRequested Trigger = "exit_requested"
	TriggerSignal        Trigger = "signal"
	TriggerTeardown      Trigger = "teardown"
)

const DefaultShutdownGrace = 2 * time.Second

// Reaper terminates the engine on host shutdown.
// All shutdown paths share one Reaper, and the process handle is taken out of State,
// so whichever path runs first terminates the engine and the others do nothing.
type Reaper struct {
	log   *zap.SugaredLogger
	state *State
	grace time.Duration
}

func NewReaper(state *State, log *zap.Logger, grace time.Duration) *Reaper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reaper{
		log:   log.Named("reaper").Sugar(),
		state: state,
		grace: grace,
	}
}

// Reap terminates the registered engine, if any, and reports whether there was one.
// Termination errors are logged and otherwise ignored, the process may already be gone.
func (r *Reaper) Reap(trigger Trigger) bool {
	p, ok := r.state.TakeProcess()
	if !ok {
		r.log.Debugf("%s: no engine to reap", trigger)
		return false
	}
	r.log.Infof("%s: terminating engine with pid %d", trigger, p.Pid())
	if err := p.terminate(r.grace); err != nil {
		r.log.Debugf("terminating engine: %s", err)
	}
	return true
}
