package engine

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"go.uber.org/zap"
)

// CollectorFactory builds a collector from the decoded job block of its kind.
type CollectorFactory func(ctx context.Context, logger *zap.Logger, id string, spec any) (Collector, error)

// NewCollectorFactory adapts f, which takes the concrete spec type of kind
// (e.g. *v1.FilesCollector), to a CollectorFactory.
func NewCollectorFactory[T any](kind string, f func(ctx context.Context, logger *zap.Logger, id string, spec T) (Collector, error)) CollectorFactory {
	return func(ctx context.Context, logger *zap.Logger, id string, spec any) (Collector, error) {
		typed, ok := spec.(T)
		if !ok {
			var want T
			return nil, fmt.Errorf("%s collector expects a %T spec, got %T", kind, want, spec)
		}
		return f(ctx, logger, id, typed)
	}
}

// UnknownKindError is returned for a collector kind nothing registered.
type UnknownKindError struct {
	Kind  string
	Known []string
}

func (e *UnknownKindError) Error() string {
	if len(e.Known) == 0 {
		return fmt.Sprintf("unknown collector kind %q, none registered", e.Kind)
	}
	return fmt.Sprintf("unknown collector kind %q, expected one of: %s", e.Kind, strings.Join(e.Known, ", "))
}

// Registry maps collector kinds to factories. It is filled once at startup
// and read-only afterwards.
type Registry struct {
	logger    *zap.Logger
	factories map[string]CollectorFactory
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:    logger,
		factories: map[string]CollectorFactory{},
	}
}

// RegisterCollector panics when kind is already registered.
func (r *Registry) RegisterCollector(kind string, factory CollectorFactory) {
	if _, dup := r.factories[kind]; dup {
		panic(fmt.Sprintf("collector kind %q registered twice", kind))
	}
	r.factories[kind] = factory
}

// CreateCollector builds collector id of the given kind. Its logger is named
// after the kind and carries the collector ID.
func (r *Registry) CreateCollector(ctx context.Context, id, kind string, spec any) (Collector, error) {
	factory, ok := r.factories[kind]
	if !ok {
		return nil, &UnknownKindError{Kind: kind, Known: r.Kinds()}
	}
	return factory(ctx, r.logger.Named(kind).With(zap.String("collector_id", id)), id, spec)
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	return slices.Sorted(maps.Keys(r.factories))
}
