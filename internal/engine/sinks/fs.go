package sinks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/infracollect/dfircollect/internal/engine"
	"github.com/spf13/afero"
)

const partialSuffix = ".partial"

// FilesystemSink writes archives below a directory. An archive only appears
// under its final name once it is complete, and existing archives are never
// overwritten.
type FilesystemSink struct {
	fs afero.Fs
}

func NewFilesystemSink(fs afero.Fs) engine.Sink {
	return &FilesystemSink{fs: fs}
}

func NewFilesystemSinkFromPath(path string) (engine.Sink, error) {
	cleanPath := filepath.Clean(path)

	if err := os.MkdirAll(cleanPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory %s: %w", cleanPath, err)
	}

	return NewFilesystemSink(afero.NewBasePathFs(afero.NewOsFs(), cleanPath)), nil
}

func (s *FilesystemSink) Name() string {
	return fmt.Sprintf("filesystem(%s)", s.fs.Name())
}

func (s *FilesystemSink) Kind() string {
	return "filesystem"
}

func (s *FilesystemSink) Write(ctx context.Context, path string, data io.Reader) error {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	exists, err := afero.Exists(s.fs, path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if exists {
		return fmt.Errorf("refusing to overwrite %s", path)
	}

	partial := path + partialSuffix
	if err := s.writeFile(partial, data); err != nil {
		return errors.Join(err, s.fs.Remove(partial))
	}

	if err := s.fs.Rename(partial, path); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", path, err)
	}

	return nil
}

func (s *FilesystemSink) writeFile(path string, data io.Reader) (err error) {
	f, err := s.fs.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()

	if _, err = io.Copy(f, data); err != nil {
		return fmt.Errorf("failed to write to file: %w", err)
	}

	return f.Sync()
}

func (s *FilesystemSink) Close(ctx context.Context) error {
	return nil
}
