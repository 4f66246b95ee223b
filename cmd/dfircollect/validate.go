package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	v1 "github.com/infracollect/dfircollect/apis/v1"
	"github.com/infracollect/dfircollect/internal/runner"
	"github.com/urfave/cli/v3"
)

var validateCommand = &cli.Command{
	Name:  "validate",
	Usage: "check a job file and print what it would collect",
	Flags: []cli.Flag{
		allowedEnvFlag(),
	},
	Arguments: []cli.Argument{
		&cli.StringArg{
			Name:      "job",
			UsageText: "job file, or - for stdin",
		},
	},
	Action: func(ctx context.Context, command *cli.Command) error {
		job, displayName, err := loadJob(ctx, command)
		if err != nil {
			return err
		}

		plan, err := runner.ValidateJob(ctx, loggerFrom(ctx).Named("validate"), job)
		if err != nil {
			return fmt.Errorf("job %s is invalid: %w", displayName, err)
		}

		w := command.Root().Writer
		fmt.Fprintf(w, "%s is valid\n", displayName)
		fmt.Fprintf(w, "archive: %s (%s", plan.Archive, plan.Format)
		if plan.Encrypted {
			fmt.Fprint(w, ", encrypted")
		}
		fmt.Fprintln(w, ")")
		for _, entry := range plan.Collectors {
			fmt.Fprintf(w, "  %-16s %s\n", entry.ID, entry.Collector.Name())
		}
		return nil
	},
}

func allowedEnvFlag() cli.Flag {
	return &cli.StringSliceFlag{
		Name:  "allowed-env",
		Usage: "environment variable the job may reference (repeatable)",
	}
}

// loadJob reads, parses and expands the job named by the "job" argument.
func loadJob(ctx context.Context, command *cli.Command) (v1.CollectJob, string, error) {
	filename := command.StringArg("job")
	if filename == "" {
		return v1.CollectJob{}, "", errors.New("no job file provided")
	}

	data, displayName, err := readJobFile(ctx, filename)
	if err != nil {
		return v1.CollectJob{}, "", fmt.Errorf("failed to read job file %s: %w", filename, err)
	}

	job, err := runner.ParseCollectJob(data)
	if err != nil {
		return v1.CollectJob{}, "", fmt.Errorf("job %s: %w", displayName, formatValidationError(err))
	}

	variables, err := runner.BuildVariables(job, command.StringSlice("allowed-env"))
	if err != nil {
		return v1.CollectJob{}, "", fmt.Errorf("failed to build variables: %w", err)
	}

	runner.ApplyDefaults(&job)
	if err := runner.ExpandTemplates(&job, variables); err != nil {
		return v1.CollectJob{}, "", fmt.Errorf("job %s: %w", displayName, err)
	}

	return job, displayName, nil
}

func formatValidationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	lines := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		line := fmt.Sprintf("%s fails %q", fe.Namespace(), fe.Tag())
		if fe.Param() != "" {
			line += " " + fe.Param()
		}
		lines = append(lines, line)
	}
	return fmt.Errorf("%d validation error(s): %s", len(fieldErrs), strings.Join(lines, "; "))
}
