package main

import (
	"context"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/infracollect/dfircollect/internal/runner"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

var collectCommand = &cli.Command{
	Name:  "collect",
	Usage: "run a job and ship the archive",
	Flags: []cli.Flag{
		allowedEnvFlag(),
		&cli.BoolFlag{
			Name:  "ask-password",
			Usage: "prompt for a password to encrypt the archive with",
		},
	},
	Arguments: []cli.Argument{
		&cli.StringArg{
			Name:      "job",
			UsageText: "job file, or - for stdin",
		},
	},
	Action: func(ctx context.Context, command *cli.Command) error {
		logger := loggerFrom(ctx)

		job, _, err := loadJob(ctx, command)
		if err != nil {
			return err
		}

		var opts []runner.Option
		if command.Bool("ask-password") {
			password, err := promptPassword(ctx)
			if err != nil {
				return err
			}
			opts = append(opts, runner.WithPassword(password))
		}

		r, err := runner.New(ctx, logger.Named("runner"), job, opts...)
		if err != nil {
			return fmt.Errorf("failed to create runner: %w", err)
		}

		summary, runErr := r.Run(ctx)
		printSummary(command.Root().ErrWriter, summary)
		if runErr != nil {
			if summary.Archive != "" {
				logger.Warn("archive shipped despite errors", zap.String("archive", summary.Archive))
			}
			return fmt.Errorf("failed to run job: %w", runErr)
		}

		return nil
	},
}

// printSummary writes to stderr, stdout may carry the archive.
func printSummary(w io.Writer, summary runner.Summary) {
	if summary.Archive != "" {
		fmt.Fprintf(w, "archive: %s (%s)\nsha256: %s\n", summary.Archive, humanize.IBytes(uint64(summary.Size)), summary.SHA256)
	}
	fmt.Fprintf(w, "items: %d archived in %d batch(es), %d failed\n", summary.Committed, summary.Batches, len(summary.Failed))
	for _, ref := range summary.Failed {
		fmt.Fprintf(w, "  ✗ %s: %v\n", ref.Name, ref.Err)
	}
}
