package sinks

import (
	"context"
	"fmt"
	"io"

	"github.com/infracollect/dfircollect/internal/engine"
)

// StreamSink copies a single archive to w, typically stdout piped to
// another host. The stream has no framing, so it carries one archive only.
type StreamSink struct {
	w       io.Writer
	written string
}

func NewStreamSink(w io.Writer) engine.Sink {
	return &StreamSink{w: w}
}

func (s *StreamSink) Name() string {
	return "stream"
}

func (s *StreamSink) Kind() string {
	return "stream"
}

func (s *StreamSink) Write(ctx context.Context, path string, data io.Reader) error {
	if s.written != "" {
		return fmt.Errorf("stream already carries %s, cannot append %s", s.written, path)
	}
	s.written = path

	if _, err := io.Copy(s.w, &ctxReader{ctx: ctx, r: data}); err != nil {
		return fmt.Errorf("failed to stream %s: %w", path, err)
	}
	return nil
}

func (s *StreamSink) Close(context.Context) error {
	return nil
}

// ctxReader stops a copy once ctx is done; a reader on a pipe would
// otherwise keep going after cancellation.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
