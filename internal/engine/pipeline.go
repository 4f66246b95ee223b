package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// CollectorEntry holds a collector with its ID.
type CollectorEntry struct {
	ID        string
	Collector Collector
}

// Pipeline runs a job's collectors against one item set.
type Pipeline struct {
	logger     *zap.Logger
	name       string
	date       time.Time
	collectors []CollectorEntry
	finalizers []func(context.Context, ItemAppender) error
}

func NewPipeline(logger *zap.Logger, name string) *Pipeline {
	return &Pipeline{
		logger: logger,
		name:   name,
		date:   time.Now().UTC(),
	}
}

func (p *Pipeline) AddCollector(id string, collector Collector) error {
	for _, entry := range p.collectors {
		if entry.ID == id {
			return fmt.Errorf("collector %s already exists", id)
		}
	}

	p.collectors = append(p.collectors, CollectorEntry{ID: id, Collector: collector})
	return nil
}

// OnCollected registers fn to run after every collector returned and before
// production is closed, e.g. to append a manifest.
func (p *Pipeline) OnCollected(fn func(context.Context, ItemAppender) error) {
	p.finalizers = append(p.finalizers, fn)
}

func (p *Pipeline) Name() string {
	return p.name
}

func (p *Pipeline) Date() time.Time {
	return p.date
}

func (p *Pipeline) Collectors() []CollectorEntry {
	return p.collectors
}

func (p *Pipeline) GetCollector(id string) (Collector, bool) {
	for _, entry := range p.collectors {
		if entry.ID == id {
			return entry.Collector, true
		}
	}
	return nil, false
}

// Collect runs every collector concurrently against set and closes
// production once they are all done, whatever their outcome. A failing
// collector does not stop the others; errors are joined.
func (p *Pipeline) Collect(ctx context.Context, set *ArchiveItemSet) error {
	defer set.CloseProduction()

	// g has no shared context: one failing collector leaves the others
	// running, and Wait only reports the first error, so errs keeps them all.
	var g errgroup.Group
	errs := make([]error, len(p.collectors))

	for i, entry := range p.collectors {
		g.Go(func() error {
			logger := p.logger.With(zap.String("collector_id", entry.ID), zap.String("collector", entry.Collector.Name()))
			logger.Info("collector started")

			start := time.Now()
			if err := entry.Collector.Collect(ctx, &taggedAppender{set: set, id: entry.ID}); err != nil {
				logger.Error("collector failed", zap.Error(err))
				errs[i] = &CollectorError{ID: entry.ID, Name: entry.Collector.Name(), Err: err}
				return errs[i]
			}

			logger.Info("collector finished", zap.Duration("duration", time.Since(start)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		p.logger.Warn("collection finished with errors", zap.Int("failed", lo.CountBy(errs, func(err error) bool { return err != nil })))
	}

	for _, fn := range p.finalizers {
		if err := fn(ctx, set); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// CollectorError is a failure of one collector in Pipeline.Collect.
type CollectorError struct {
	ID   string
	Name string
	Err  error
}

func (e *CollectorError) Error() string {
	return fmt.Sprintf("collector '%s' (%s): %v", e.ID, e.Name, e.Err)
}

func (e *CollectorError) Unwrap() error {
	return e.Err
}

// CollectorAttribute names the item attribute carrying the collector ID.
const CollectorAttribute = "collector"

// taggedAppender stamps every item with the ID of the collector that
// produced it.
type taggedAppender struct {
	set ItemAppender
	id  string
}

func (a *taggedAppender) Append(item ArchiveItem) (int, error) {
	attrs := make(map[string]string, len(item.Attributes)+1)
	maps.Copy(attrs, item.Attributes)
	attrs[CollectorAttribute] = a.id
	item.Attributes = attrs
	return a.set.Append(item)
}

// Close closes every collector, logging failures.
func (p *Pipeline) Close(ctx context.Context) {
	for _, entry := range p.collectors {
		if err := entry.Collector.Close(ctx); err != nil {
			p.logger.Error("failed to close collector", zap.String("collector_id", entry.ID), zap.String("collector_name", entry.Collector.Name()), zap.Error(err))
		}
	}
}
