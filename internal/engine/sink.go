package engine

import (
	"context"
	"io"
)

// Sink is the final destination of a finished archive.
type Sink interface {
	Named
	Closer
	Write(ctx context.Context, path string, data io.Reader) error
}
