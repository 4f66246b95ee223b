package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	v1 "github.com/infracollect/dfircollect/apis/v1"
	"github.com/infracollect/dfircollect/internal/engine"
	"github.com/infracollect/dfircollect/internal/engine/sinks"
	"github.com/infracollect/dfircollect/internal/telemetry"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Summary describes a finished run.
type Summary struct {
	Batches   int
	Committed int
	// Failed lists the items that could not be archived.
	Failed []engine.ItemRef
	// Archive is the name the archive was shipped under.
	Archive string
	Size    int64
	SHA256  string
}

type Option func(*options)

type options struct {
	password *string
	registry *engine.Registry
	sink     engine.Sink
	stdout   io.Writer
}

// WithPassword encrypts the archive with password, overriding the job.
func WithPassword(password string) Option {
	return func(o *options) {
		o.password = &password
	}
}

// WithRegistry replaces the default collector registry.
func WithRegistry(r *engine.Registry) Option {
	return func(o *options) {
		o.registry = r
	}
}

// WithSink ships the archive to sink instead of the one the job configures.
func WithSink(sink engine.Sink) Option {
	return func(o *options) {
		o.sink = sink
	}
}

// WithStdout sets where a stdout sink writes. Defaults to os.Stdout.
func WithStdout(w io.Writer) Option {
	return func(o *options) {
		o.stdout = w
	}
}

type Runner struct {
	logger   *zap.Logger
	job      v1.CollectJob
	pipeline *engine.Pipeline
	sink     *sinks.ArchiveSink
	metrics  *telemetry.Metrics
	adapter  []engine.AdapterOption
}

func New(ctx context.Context, logger *zap.Logger, job v1.CollectJob, opts ...Option) (*Runner, error) {
	logger.Info("creating runner", zap.String("job_name", job.Metadata.Name))

	o := options{stdout: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = BuildRegistry(engine.NewRegistry(logger.Named("collector")))
	}

	archive := lo.FromPtr(job.Spec.Archive)

	policy, err := engine.ParseSelectionPolicy(archive.SelectionPolicy)
	if err != nil {
		return nil, err
	}

	metrics := telemetry.NewMetrics(job.Metadata.Name)
	adapterOpts := []engine.AdapterOption{
		engine.WithSelectionPolicy(policy),
		engine.WithProgressSink(engine.MultiProgress{
			engine.NewLogProgress(logger.Named("progress"), engine.DefaultLogStep),
			metrics,
		}),
		engine.WithItemCallback(metrics.ItemSettled),
	}

	password := archive.Password
	if o.password != nil {
		password = o.password
	}
	if password != nil {
		adapterOpts = append(adapterOpts, engine.WithPassword(*password))
	}

	pipeline, err := createPipeline(ctx, logger.Named("pipeline"), o.registry, job)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	inner := o.sink
	if inner == nil {
		inner, err = buildSink(ctx, job, o.stdout)
		if err != nil {
			return nil, fmt.Errorf("failed to build sink: %w", err)
		}
	}

	spool, err := buildSpool(lo.FromPtr(archive.SpoolDir))
	if err != nil {
		return nil, err
	}

	sink, err := buildArchiveSink(logger, job, inner, spool)
	if err != nil {
		return nil, fmt.Errorf("failed to build archive sink: %w", err)
	}

	return &Runner{
		logger:   logger,
		job:      job,
		pipeline: pipeline,
		sink:     sink,
		metrics:  metrics,
		adapter:  adapterOpts,
	}, nil
}

// Run collects and archives concurrently. Collectors fill the item set
// while batches drain it into the archive; once every collector returned,
// the manifest is appended and the final batch closes the archive, which is
// then shipped to the sink.
//
// Collector failures do not stop the run: the archive is still shipped and
// the failures are returned joined, along with the summary.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	defer r.pipeline.Close(context.WithoutCancel(ctx))

	set := engine.NewArchiveItemSet()
	r.pipeline.OnCollected(r.appendManifest(set))

	collected := make(chan error, 1)
	go func() {
		collected <- r.pipeline.Collect(ctx, set)
	}()

	summary, err := r.archive(ctx, set)
	if err != nil {
		cancel()
		<-collected
		return summary, errors.Join(err, r.sink.Discard())
	}

	collectErr := <-collected
	for _, cerr := range collectorErrors(collectErr) {
		r.metrics.CollectorFailed(cerr.ID)
	}

	if err := r.sink.Close(ctx); err != nil {
		return summary, err
	}
	summary.Archive = r.sink.Path()
	summary.Size = r.sink.Size()
	summary.SHA256 = r.sink.SHA256()

	r.logger.Info("collection finished",
		zap.String("archive", summary.Archive),
		zap.Int("batches", summary.Batches),
		zap.Int("committed", summary.Committed),
		zap.Int("failed", len(summary.Failed)),
	)

	if r.job.Spec.Metrics != nil {
		if err := r.metrics.WriteTextfile(r.job.Spec.Metrics.Textfile); err != nil {
			return summary, errors.Join(collectErr, err)
		}
	}

	return summary, collectErr
}

// archive runs non-final batches of batch_size items until production is
// drained, then the final batch. A zero batch_size runs only the final one.
func (r *Runner) archive(ctx context.Context, set *engine.ArchiveItemSet) (Summary, error) {
	batchSize := lo.FromPtr(r.job.Spec.Archive).BatchSize
	writer := r.sink.Writer()

	var (
		summary   Summary
		exhausted bool
	)
	for {
		final := batchSize == 0 || exhausted

		opts := r.adapter
		if !final {
			opts = append(opts[:len(opts):len(opts)], engine.WithMaxItems(batchSize))
		}

		adapter := engine.NewAdapter(r.logger.Named("adapter"), set, final, opts...)
		result, err := engine.RunBatch(ctx, writer, adapter)

		summary.Batches++
		summary.Committed += result.Committed
		summary.Failed = append(summary.Failed, result.Failed...)
		r.metrics.ObserveBatch(result, final)

		for _, ref := range result.Failed {
			r.logger.Warn("item not archived", zap.String("name", ref.Name), zap.Error(ref.Err))
		}

		if err != nil {
			return summary, fmt.Errorf("batch %d failed: %w", summary.Batches, err)
		}

		r.logger.Debug("batch finished",
			zap.Int("batch", summary.Batches),
			zap.Bool("final", final),
			zap.Int("committed", result.Committed),
			zap.Int("failed", len(result.Failed)),
		)

		if final {
			return summary, nil
		}
		exhausted = result.Exhausted
	}
}

func collectorErrors(err error) []*engine.CollectorError {
	if err == nil {
		return nil
	}

	var out []*engine.CollectorError
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			out = append(out, collectorErrors(e)...)
		}
		return out
	}

	var cerr *engine.CollectorError
	if errors.As(err, &cerr) {
		out = append(out, cerr)
	}
	return out
}
