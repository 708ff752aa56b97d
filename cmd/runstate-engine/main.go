package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Blackrose-blackhat/run-state/engine"
	"github.com/Blackrose-blackhat/run-state/internal/logging"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 3 * time.Second

func main() {
	app := &cli.App{
		Name:  "runstate-engine",
		Usage: "the privileged helper that terminates processes on behalf of runstate",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level. One of [debug,info,warn,error].",
				Value:   "info",
				EnvVars: []string{"RUNSTATE_ENGINE_LOG_LEVEL"},
			},
			&cli.DurationFlag{
				Name:    "kill-grace",
				Usage:   "How long a process gets to exit after SIGTERM before it is killed.",
				Value:   engine.DefaultKillGrace,
				EnvVars: []string{"RUNSTATE_ENGINE_KILL_GRACE"},
			},
			&cli.BoolFlag{
				Name:  "exit-on-stdin-eof",
				Usage: "Exit when stdin is closed, which happens when the supervising host goes away.",
				Value: true,
			},
		},
		Action: func(cctx *cli.Context) error {
			// stdout carries the handshake, so logs go to stderr only
			logger, err := logging.New(cctx.String("log-level"), false)
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			opts := []engine.Option{
				engine.WithLogger(logger),
				engine.WithKillGrace(cctx.Duration("kill-grace")),
			}
			if cctx.Bool("exit-on-stdin-eof") {
				opts = append(opts, engine.WithParentWatch(os.Stdin, cancel))
			}
			e := engine.New(opts...)

			l, err := e.Listen()
			if err != nil {
				return fmt.Errorf("listening: %w", err)
			}

			group, gctx := errgroup.WithContext(ctx)
			group.Go(func() error {
				return e.Run(l, os.Stdout)
			})
			group.Go(func() error {
				<-gctx.Done()
				logger.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return e.Shutdown(shutdownCtx)
			})
			return group.Wait()
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
