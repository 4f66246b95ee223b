package command

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	v1 "github.com/infracollect/dfircollect/apis/v1"
	"github.com/infracollect/dfircollect/internal/engine"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Register registers the command collector factory with the registry.
func Register(r *engine.Registry) {
	r.RegisterCollector(CollectorKind, engine.NewCollectorFactory(CollectorKind, collectorFactory))
}

func collectorFactory(_ context.Context, logger *zap.Logger, id string, spec *v1.CommandCollector) (engine.Collector, error) {
	cfg := Config{
		Concurrency: spec.Concurrency,
		Prefix:      id,
	}

	if spec.Timeout != nil {
		timeout, err := time.ParseDuration(*spec.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout %q: %w", *spec.Timeout, err)
		}
		cfg.Timeout = timeout
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}

	cfg.Commands = lo.Map(spec.Commands, func(cmd v1.Command, _ int) Command {
		dir := lo.FromPtr(cmd.WorkingDir)
		if dir != "" && !filepath.IsAbs(dir) {
			dir = filepath.Join(cwd, dir)
		}
		return Command{
			Name:       cmd.Name,
			Program:    cmd.Program,
			Env:        cmd.Env,
			WorkingDir: dir,
		}
	})

	return NewCollector(logger, cfg)
}
