package host

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/Blackrose-blackhat/run-state/internal/config"
	"github.com/Blackrose-blackhat/run-state/supervisor"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

// Run supervises the engine at enginePath and serves the API on l until ctx is done or the UI closes its window.
// The API is served before the engine is spawned, so the UI can poll the port and close the window
// while an escalation prompt is still open.
// Run only returns an error when the engine cannot be started or the API fails.
// An engine that never announces a port leaves the host running without one.
func Run(ctx context.Context, cfg *config.Config, enginePath string, l net.Listener, logger *zap.Logger, opts ...Option) error {
	log := logger.Named("host").Sugar()

	state := supervisor.NewState()
	reaper := supervisor.NewReaper(state, logger, cfg.Engine.ShutdownGrace)
	// runs on every return path, including fatal startup errors
	defer reaper.Reap(supervisor.TriggerTeardown)

	sup := supervisor.New(state,
		supervisor.WithLogger(logger),
		supervisor.WithArgs(cfg.Engine.Args...),
		supervisor.WithDiagnostics(supervisor.NewDiagnostics(0)),
		supervisor.WithEscalator(&supervisor.Pkexec{
			Path:       cfg.Engine.Escalation,
			ForwardEnv: cfg.Engine.ForwardEnv,
		}),
	)
	control := supervisor.NewControlClient(state,
		supervisor.WithControlLogger(logger),
		supervisor.WithControlTimeout(cfg.Control.Timeout),
		supervisor.WithControlRetryMax(cfg.Control.RetryMax),
	)
	api := NewAPI(NewCommands(state, sup, control), reaper, append([]Option{WithLogger(logger)}, opts...)...)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, gctx := errgroup.WithContext(runCtx)

	group.Go(func() error {
		return api.Serve(l)
	})
	group.Go(func() error {
		if err := sup.Start(enginePath, cfg.Engine.Privileged); err != nil {
			return err
		}
		if err := waitReady(gctx, log, sup, cfg.Engine.StartupTimeout); err != nil {
			return err
		}
		select {
		case <-sup.Done():
			if err := sup.Err(); err != nil {
				log.Warnf("engine is gone: %s", err)
			} else {
				log.Warn("engine exited")
			}
		case <-gctx.Done():
		}
		return nil
	})
	group.Go(func() error {
		select {
		case <-gctx.Done():
		case <-api.Closed():
			cancel()
		}
		if ctx.Err() != nil {
			reaper.Reap(supervisor.TriggerExitRequested)
		}
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		return api.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

// waitReady waits for the engine's handshake.
// Only escalation failures are fatal. A timeout or an engine crash degrades the host, which keeps serving without a port.
func waitReady(ctx context.Context, log *zap.SugaredLogger, sup *supervisor.Supervisor, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	port, err := sup.WaitReady(waitCtx)
	switch {
	case err == nil:
		log.Infof("engine ready on port %d", port)
		return nil
	case errors.Is(err, supervisor.ErrEscalationDeclined), errors.Is(err, supervisor.ErrEscalationFailed):
		return err
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		log.Warnf("engine did not announce a port within %s, continuing without it", timeout)
		return nil
	case errors.Is(err, supervisor.ErrEngineExited):
		log.Warnf("engine exited before announcing a port, continuing without it: %s", err)
		return nil
	case ctx.Err() != nil:
		return nil
	}
	return err
}
