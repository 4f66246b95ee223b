package files

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	v1 "github.com/infracollect/dfircollect/apis/v1"
	"github.com/infracollect/dfircollect/internal/engine"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Register registers the files collector factory with the registry.
func Register(r *engine.Registry) {
	r.RegisterCollector(CollectorKind, engine.NewCollectorFactory(CollectorKind, collectorFactory))
}

func collectorFactory(_ context.Context, logger *zap.Logger, id string, spec *v1.FilesCollector) (engine.Collector, error) {
	cfg := Config{
		Root:     spec.Root,
		Patterns: spec.Patterns,
		Exclude:  spec.Exclude,
		Prefix:   id,
	}

	if spec.Filter != nil {
		cfg.Filter = *spec.Filter
	}

	if spec.Prefix != nil {
		cfg.Prefix = *spec.Prefix
	}

	if spec.MaxSize != nil {
		size, err := humanize.ParseBytes(*spec.MaxSize)
		if err != nil {
			return nil, fmt.Errorf("invalid max_size %q: %w", *spec.MaxSize, err)
		}
		cfg.MaxSize = int64(size)
	}

	return NewCollector(logger, afero.NewReadOnlyFs(afero.NewOsFs()), cfg)
}
