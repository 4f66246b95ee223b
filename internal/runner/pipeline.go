package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	v1 "github.com/infracollect/dfircollect/apis/v1"
	"github.com/infracollect/dfircollect/internal/engine"
	"github.com/infracollect/dfircollect/internal/engine/archivers"
	"github.com/infracollect/dfircollect/internal/engine/sinks"
	"github.com/samber/lo"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

func createPipeline(ctx context.Context, logger *zap.Logger, registry *engine.Registry, job v1.CollectJob) (*engine.Pipeline, error) {
	logger.Info("creating pipeline", zap.String("job_name", job.Metadata.Name))
	pipeline := engine.NewPipeline(logger, job.Metadata.Name)

	for _, spec := range job.Spec.Collectors {
		resolved, err := ResolveCollectorSpec(spec)
		if err != nil {
			return nil, err
		}

		collector, err := registry.CreateCollector(ctx, spec.ID, resolved.Kind, resolved.Spec)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s collector %q: %w", resolved.Kind, spec.ID, err)
		}

		if err := pipeline.AddCollector(spec.ID, collector); err != nil {
			return nil, fmt.Errorf("failed to add collector: %w", err)
		}

		logger.Info("created collector", zap.String("collector_id", spec.ID), zap.String("kind", resolved.Kind))
	}

	return pipeline, nil
}

// buildSink creates the sink the finished archive is shipped to.
//
// Default behavior:
//   - No output or sink spec: filesystem sink in the working directory
//   - Explicit stdout sink: the archive is streamed to stdout
//   - Explicit filesystem sink: filesystem sink
//   - Explicit S3 sink: S3 sink
func buildSink(ctx context.Context, job v1.CollectJob, stdout io.Writer) (engine.Sink, error) {
	if job.Spec.Output == nil || job.Spec.Output.Sink == nil {
		return buildFilesystemSink(nil)
	}

	sink := job.Spec.Output.Sink
	switch {
	case sink.Stdout != nil:
		return sinks.NewStreamSink(stdout), nil
	case sink.Filesystem != nil:
		return buildFilesystemSink(sink.Filesystem)
	case sink.S3 != nil:
		return buildS3Sink(ctx, sink.S3)
	default:
		return nil, fmt.Errorf("invalid sink configuration: no sink type specified")
	}
}

func buildFilesystemSink(spec *v1.FilesystemSinkSpec) (engine.Sink, error) {
	var path, prefix string
	if spec != nil {
		path = lo.FromPtr(spec.Path)
		prefix = lo.FromPtr(spec.Prefix)
	}

	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		path = wd
	}

	return sinks.NewFilesystemSinkFromPath(filepath.Join(path, prefix))
}

func buildS3Sink(ctx context.Context, spec *v1.S3SinkSpec) (engine.Sink, error) {
	cfg := sinks.S3Config{
		Bucket:               spec.Bucket,
		Region:               lo.FromPtr(spec.Region),
		Endpoint:             lo.FromPtr(spec.Endpoint),
		Prefix:               lo.FromPtr(spec.Prefix),
		ForcePathStyle:       spec.ForcePathStyle,
		ServerSideEncryption: lo.FromPtr(spec.ServerSideEncryption),
		Metadata:             spec.Metadata,
		Concurrency:          spec.Concurrency,
	}

	if spec.PartSize != nil {
		size, err := humanize.ParseBytes(*spec.PartSize)
		if err != nil {
			return nil, fmt.Errorf("invalid part_size %q: %w", *spec.PartSize, err)
		}
		cfg.PartSize = int64(size)
	}

	if spec.Credentials != nil {
		cfg.AccessKeyID = spec.Credentials.AccessKeyID
		cfg.SecretAccessKey = spec.Credentials.SecretAccessKey
	}

	return sinks.NewS3Sink(ctx, cfg)
}

// buildSpool returns the filesystem temporary files are created in.
func buildSpool(dir string) (afero.Fs, error) {
	if dir == "" {
		return afero.NewOsFs(), nil
	}

	spool := afero.NewBasePathFs(afero.NewOsFs(), dir)
	// afero.TempFile creates files under os.TempDir() of the filesystem.
	if err := spool.MkdirAll(os.TempDir(), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create spool directory in %s: %w", dir, err)
	}
	return spool, nil
}

func buildArchiveSink(logger *zap.Logger, job v1.CollectJob, inner engine.Sink, spool afero.Fs) (*sinks.ArchiveSink, error) {
	spec := lo.FromPtr(job.Spec.Archive)

	name := spec.Name
	if name == "" {
		name = job.Metadata.Name
	}

	return sinks.NewArchiveSink(logger.Named("sink"), inner, spool, name, func(dst io.Writer) (engine.ArchiveWriter, error) {
		return archivers.New(logger.Named("archiver"), spec.Format, spec.Compression, dst, archivers.WithSpoolFs(spool))
	})
}
