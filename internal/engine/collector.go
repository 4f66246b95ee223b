package engine

import "context"

// Named is implemented by collectors and sinks for logs and error messages.
type Named interface {
	Name() string
	Kind() string
}

type Closer interface {
	Close(context.Context) error
}

// Collector discovers artifacts and appends them as archive items. Collect
// runs concurrently with archiving; items appended before it returns may
// already be in the archive.
type Collector interface {
	Named
	Closer
	Collect(ctx context.Context, items ItemAppender) error
}
