package static

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	v1 "github.com/infracollect/dfircollect/apis/v1"
	"github.com/infracollect/dfircollect/internal/engine"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Register registers the static collector factory with the registry.
func Register(r *engine.Registry) {
	r.RegisterCollector(CollectorKind, engine.NewCollectorFactory(CollectorKind, collectorFactory))
}

func collectorFactory(_ context.Context, _ *zap.Logger, id string, spec *v1.StaticCollector) (engine.Collector, error) {
	cfg := Config{
		Name:   spec.Name,
		Prefix: id,
		Value:  spec.Value,
	}

	if spec.Filepath != nil {
		path := *spec.Filepath
		if !filepath.IsAbs(path) {
			cwd, err := os.Getwd()
			if err != nil {
				return nil, fmt.Errorf("failed to get working directory: %w", err)
			}
			path = filepath.Join(cwd, path)
		}
		cfg.Filepath = &path
	}

	return NewCollector(afero.NewReadOnlyFs(afero.NewOsFs()), cfg)
}
