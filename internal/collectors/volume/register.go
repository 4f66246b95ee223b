package volume

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	v1 "github.com/infracollect/dfircollect/apis/v1"
	"github.com/infracollect/dfircollect/internal/engine"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Register registers the volume collector factory with the registry.
func Register(r *engine.Registry) {
	r.RegisterCollector(CollectorKind, engine.NewCollectorFactory(CollectorKind, collectorFactory))
}

func collectorFactory(_ context.Context, logger *zap.Logger, _ string, spec *v1.VolumeCollector) (engine.Collector, error) {
	image, err := ParseImageSpec(spec.Image)
	if err != nil {
		return nil, err
	}

	cfg := Config{Image: image}

	if spec.ChunkSize != nil {
		size, err := humanize.ParseBytes(*spec.ChunkSize)
		if err != nil {
			return nil, fmt.Errorf("invalid chunk_size %q: %w", *spec.ChunkSize, err)
		}
		cfg.ChunkSize = int64(size)
	}

	if spec.Name != nil {
		cfg.Name = *spec.Name
	}

	return NewCollector(logger, afero.NewReadOnlyFs(afero.NewOsFs()), cfg)
}
