package runner

import (
	"context"
	"fmt"
	"io"

	v1 "github.com/infracollect/dfircollect/apis/v1"
	"github.com/infracollect/dfircollect/internal/engine"
	"github.com/infracollect/dfircollect/internal/engine/archivers"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Plan is what a job would do, as reported by ValidateJob.
type Plan struct {
	Archive    string
	Format     string
	Encrypted  bool
	Collectors []engine.CollectorEntry
}

// ValidateJob builds every collector and the archiver of an expanded job
// without collecting anything or touching the sink.
func ValidateJob(ctx context.Context, logger *zap.Logger, job v1.CollectJob) (Plan, error) {
	archive := lo.FromPtr(job.Spec.Archive)

	if _, err := engine.ParseSelectionPolicy(archive.SelectionPolicy); err != nil {
		return Plan{}, err
	}

	if _, err := archivers.New(logger, archive.Format, archive.Compression, io.Discard); err != nil {
		return Plan{}, fmt.Errorf("invalid archive settings: %w", err)
	}

	pipeline, err := createPipeline(ctx, logger, BuildRegistry(engine.NewRegistry(logger)), job)
	if err != nil {
		return Plan{}, err
	}
	defer pipeline.Close(ctx)

	format := lo.CoalesceOrEmpty(archive.Format, archivers.FormatTar)
	name := lo.CoalesceOrEmpty(archive.Name, job.Metadata.Name)

	return Plan{
		Archive:    name,
		Format:     format,
		Encrypted:  archive.Password != nil,
		Collectors: pipeline.Collectors(),
	}, nil
}
