package main

import (
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/Blackrose-blackhat/run-state/host"
	"github.com/Blackrose-blackhat/run-state/internal/config"
	"github.com/Blackrose-blackhat/run-state/internal/files"
	"github.com/Blackrose-blackhat/run-state/internal/logging"
	"github.com/Blackrose-blackhat/run-state/supervisor"
	"github.com/urfave/cli/v2"
)

const engineBinary = "runstate-engine"

func main() {
	app := &cli.App{
		Name:  "runstate",
		Usage: "supervises the runstate engine and serves its commands to the UI",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to a YAML config file.",
				EnvVars: []string{"RUNSTATE_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "engine",
				Usage:   "Path to the engine binary. Defaults to bin/runstate-engine next to this binary.",
				EnvVars: []string{"RUNSTATE_ENGINE"},
			},
			&cli.BoolFlag{
				Name:    "privileged",
				Usage:   "Start the engine through the escalation wrapper.",
				EnvVars: []string{"RUNSTATE_PRIVILEGED"},
			},
			&cli.StringFlag{
				Name:    "escalation",
				Usage:   "The escalation wrapper binary.",
				EnvVars: []string{"RUNSTATE_ESCALATION"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level. One of [debug,info,warn,error].",
				EnvVars: []string{"RUNSTATE_LOG_LEVEL"},
			},
			&cli.BoolFlag{
				Name:    "dev",
				Usage:   "Use human-readable development logging.",
				EnvVars: []string{"RUNSTATE_DEV"},
			},
			&cli.StringFlag{
				Name:    "listen-addr",
				Usage:   "The address for the host API to listen on.",
				EnvVars: []string{"RUNSTATE_LISTEN_ADDR"},
			},
			&cli.DurationFlag{
				Name:    "startup-timeout",
				Usage:   "How long to wait for the engine to announce its port, including any authentication prompt.",
				EnvVars: []string{"RUNSTATE_STARTUP_TIMEOUT"},
			},
			&cli.DurationFlag{
				Name:    "shutdown-grace",
				Usage:   "How long the engine gets to exit after SIGTERM before it is killed.",
				EnvVars: []string{"RUNSTATE_SHUTDOWN_GRACE"},
			},
			&cli.DurationFlag{
				Name:    "control-timeout",
				Usage:   "Timeout for requests to the engine.",
				EnvVars: []string{"RUNSTATE_CONTROL_TIMEOUT"},
			},
			&cli.StringSliceFlag{
				Name:    "origin",
				Usage:   "Origin patterns allowed to open the diagnostics WebSocket.",
				EnvVars: []string{"RUNSTATE_ORIGINS"},
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// loadConfig reads the config file, if any, and overlays the flags that were set.
func loadConfig(cctx *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := cctx.String("config"); path != "" {
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return nil, err
		}
	}

	if cctx.IsSet("engine") {
		cfg.Engine.Path = cctx.String("engine")
	}
	if cctx.IsSet("privileged") {
		cfg.Engine.Privileged = cctx.Bool("privileged")
	}
	if cctx.IsSet("escalation") {
		cfg.Engine.Escalation = cctx.String("escalation")
	}
	if cctx.IsSet("log-level") {
		cfg.LogLevel = cctx.String("log-level")
	}
	if cctx.IsSet("listen-addr") {
		cfg.API.ListenAddr = cctx.String("listen-addr")
	}
	if cctx.IsSet("startup-timeout") {
		cfg.Engine.StartupTimeout = cctx.Duration("startup-timeout")
	}
	if cctx.IsSet("shutdown-grace") {
		cfg.Engine.ShutdownGrace = cctx.Duration("shutdown-grace")
	}
	if cctx.IsSet("control-timeout") {
		cfg.Control.Timeout = cctx.Duration("control-timeout")
	}
	return cfg, cfg.Validate()
}

func run(cctx *cli.Context) error {
	cfg, err := loadConfig(cctx)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel, cctx.Bool("dev"))
	if err != nil {
		return err
	}
	defer logger.Sync()

	enginePath, err := files.ResolveBinary(cfg.Engine.Path, engineBinary)
	if err != nil {
		return startupError(fmt.Errorf("%w: %w", supervisor.ErrEngineNotFound, err))
	}

	ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	listener, err := net.Listen("tcp", cfg.API.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.API.ListenAddr, err)
	}

	err = host.Run(ctx, cfg, enginePath, listener, logger, host.WithOriginPatterns(cctx.StringSlice("origin")...))
	if err != nil {
		return startupError(err)
	}
	return nil
}

// startupError turns a fatal startup error into an exit code and a message telling the user what to do.
func startupError(err error) error {
	var (
		msg  string
		code int
	)
	switch {
	case errors.Is(err, supervisor.ErrEngineNotFound):
		code, msg = 2, "the engine binary could not be found, reinstall runstate or pass --engine"
	case errors.Is(err, supervisor.ErrEscalationUnavailable):
		code, msg = 3, "pkexec is not available, install polkit or run with --privileged=false"
	case errors.Is(err, supervisor.ErrEscalationDeclined):
		code, msg = 4, "authentication was dismissed, the engine needs administrator rights to inspect processes"
	case errors.Is(err, supervisor.ErrEscalationFailed):
		code, msg = 5, "not authorized to run the engine with administrator rights"
	case errors.Is(err, supervisor.ErrSpawn):
		code, msg = 6, "the engine could not be started"
	default:
		return err
	}
	return cli.Exit(fmt.Sprintf("%s: %s", msg, err), code)
}
