/*
Package supervisor spawns and supervises the privileged runstate engine, a helper process that announces the TCP port of its local control endpoint on standard output.

The package has five parts that share a single *State:

 1. State holds the process handle and the announced port in two independently locked slots.
 2. HandshakeReader scans the engine's stdout for the announcement line "PORT=<uint16>".
 3. Supervisor spawns the engine, directly or through an Escalator such as pkexec, registers the handle in State and starts the background readers.
 4. Reaper terminates the engine. Every shutdown path of the host calls Reap, and only the first call finds a process to terminate.
 5. ControlClient forwards kill requests to the engine's loopback HTTP endpoint.

The startup sequence is:

 1. The host calls Supervisor.Start. Spawn errors are fatal to the host.
 2. The process handle is registered in State before the handshake is read, so a shutdown that races the handshake still finds the process.
 3. A goroutine reads stdout until the first valid PORT= line, stores the port and keeps draining stdout. A second goroutine drains stderr into Diagnostics.
 4. A third goroutine reaps the process once both pipes hit EOF.

There is no cancellation of the reader goroutines. Terminating the process closes its pipes, which ends them.
*/
package supervisor
