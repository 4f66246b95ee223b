package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var logger *zap.Logger

	app := &cli.Command{
		Name:  "dfircollect",
		Usage: "collect forensic artifacts into a single archive",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Value:   "info",
				Usage:   "minimum log level (debug, info, warn, error)",
				Sources: cli.EnvVars("DFIRCOLLECT_LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Value:   "console",
				Usage:   "log encoding, console or json",
				Sources: cli.EnvVars("DFIRCOLLECT_LOG_FORMAT"),
			},
		},
		Commands: []*cli.Command{
			collectCommand,
			validateCommand,
			versionCommand,
		},
		Before: func(ctx context.Context, command *cli.Command) (context.Context, error) {
			var err error
			logger, err = newLogger(command.String("log-level"), command.String("log-format"))
			if err != nil {
				return ctx, err
			}

			ctx = withLogger(ctx, logger)
			return withInteractive(ctx, isInteractiveEnvironment()), nil
		},
	}

	err := app.Run(ctx, os.Args)
	if logger != nil {
		if err != nil {
			logger.Error("command failed", zap.Error(err))
		}
		_ = logger.Sync()
	} else if err != nil {
		fmt.Fprintln(os.Stderr, "dfircollect:", err)
	}

	if err != nil {
		stop()
		os.Exit(1)
	}
}
