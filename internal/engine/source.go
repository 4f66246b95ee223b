package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/spf13/afero"
)

// Source opens the bytes behind an archive item. The returned size is
// SizeUnknown when it cannot be determined before reading.
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, int64, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context) (io.ReadCloser, int64, error)

func (f SourceFunc) Open(ctx context.Context) (io.ReadCloser, int64, error) {
	return f(ctx)
}

// FileSource reads a whole file from an afero filesystem.
type FileSource struct {
	Fs   afero.Fs
	Path string
}

func (s FileSource) Open(ctx context.Context) (io.ReadCloser, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, SizeUnknown, err
	}

	f, err := s.Fs.Open(s.Path)
	if err != nil {
		return nil, SizeUnknown, fmt.Errorf("failed to open %s: %w", s.Path, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, SizeUnknown, fmt.Errorf("failed to stat %s: %w", s.Path, err)
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, SizeUnknown, fmt.Errorf("%s is a directory", s.Path)
	}

	return f, info.Size(), nil
}

// BytesSource serves an in-memory buffer.
type BytesSource []byte

func (s BytesSource) Open(context.Context) (io.ReadCloser, int64, error) {
	return io.NopCloser(bytes.NewReader(s)), int64(len(s)), nil
}

// SectionSource reads Length bytes at Offset of a file, typically a raw disk
// image or a device.
type SectionSource struct {
	Fs     afero.Fs
	Path   string
	Offset int64
	Length int64
}

func (s SectionSource) Open(ctx context.Context) (io.ReadCloser, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, SizeUnknown, err
	}
	if s.Offset < 0 || s.Length < 0 {
		return nil, SizeUnknown, fmt.Errorf("invalid section %d+%d of %s", s.Offset, s.Length, s.Path)
	}

	f, err := s.Fs.Open(s.Path)
	if err != nil {
		return nil, SizeUnknown, fmt.Errorf("failed to open %s: %w", s.Path, err)
	}

	return &sectionReadCloser{
		SectionReader: io.NewSectionReader(f, s.Offset, s.Length),
		closer:        f,
	}, s.Length, nil
}

type sectionReadCloser struct {
	*io.SectionReader
	closer io.Closer
}

func (r *sectionReadCloser) Close() error {
	return r.closer.Close()
}
