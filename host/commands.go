// Package host exposes the supervised engine to the desktop shell's UI layer.
package host

import (
	"context"

	"github.com/Blackrose-blackhat/run-state/supervisor"
)

// Commands are the operations the UI layer can invoke on the engine.
type Commands struct {
	state   *supervisor.State
	sup     *supervisor.Supervisor
	control *supervisor.ControlClient
}

func NewCommands(state *supervisor.State, sup *supervisor.Supervisor, control *supervisor.ControlClient) *Commands {
	return &Commands{state: state, sup: sup, control: control}
}

// EnginePort returns the announced engine port, or false before the handshake.
func (c *Commands) EnginePort() (uint16, bool) {
	return c.state.Port()
}

// KillProcess asks the engine to terminate pid.
func (c *Commands) KillProcess(ctx context.Context, pid uint32, force bool) error {
	return c.control.Kill(ctx, pid, force)
}

func (c *Commands) EngineStatus() supervisor.Status {
	return c.sup.Status()
}

// EngineHealth checks the engine's control endpoint.
func (c *Commands) EngineHealth(ctx context.Context) (supervisor.HealthResult, error) {
	return c.control.Health(ctx)
}

func (c *Commands) Diagnostics() *supervisor.Diagnostics {
	return c.sup.Diagnostics()
}
