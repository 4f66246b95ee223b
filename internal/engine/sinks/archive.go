package sinks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/infracollect/dfircollect/internal/engine"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// WriterFactory builds the archive writer that streams into dst.
type WriterFactory func(dst io.Writer) (engine.ArchiveWriter, error)

// ArchiveSink owns the file an archive is built into. On Close, the finished
// archive is shipped to the inner sink under its name plus the writer's
// extension.
type ArchiveSink struct {
	logger      *zap.Logger
	inner       engine.Sink
	spool       afero.Fs
	file        afero.File
	writer      engine.ArchiveWriter
	archiveName string

	path   string
	size   int64
	digest string
}

// NewArchiveSink creates the spool file in spool and the archive writer on
// top of it.
func NewArchiveSink(logger *zap.Logger, inner engine.Sink, spool afero.Fs, archiveName string, newWriter WriterFactory) (*ArchiveSink, error) {
	f, err := afero.TempFile(spool, "", "dfircollect-archive-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create archive spool file: %w", err)
	}

	writer, err := newWriter(f)
	if err != nil {
		return nil, errors.Join(err, f.Close(), spool.Remove(f.Name()))
	}

	return &ArchiveSink{
		logger:      logger,
		inner:       inner,
		spool:       spool,
		file:        f,
		writer:      writer,
		archiveName: archiveName,
	}, nil
}

// Name returns the name of this sink.
func (s *ArchiveSink) Name() string {
	return fmt.Sprintf("archive(%s)->%s", s.archiveName, s.inner.Name())
}

// Kind returns the kind of this sink.
func (s *ArchiveSink) Kind() string {
	return "archive"
}

// Writer returns the archive writer batches are run against.
func (s *ArchiveSink) Writer() engine.ArchiveWriter {
	return s.writer
}

// Path is the name the archive was shipped under. Empty until Close succeeds.
func (s *ArchiveSink) Path() string {
	return s.path
}

func (s *ArchiveSink) Size() int64 {
	return s.size
}

// SHA256 is the hex digest of the shipped archive.
func (s *ArchiveSink) SHA256() string {
	return s.digest
}

// Close ships the archive to the inner sink. The archive must already have
// been finalized by a final batch.
func (s *ArchiveSink) Close(ctx context.Context) (err error) {
	name := s.file.Name()
	defer func() {
		err = errors.Join(err, s.file.Close(), s.spool.Remove(name))
	}()

	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind archive: %w", err)
	}

	hash := sha256.New()
	counter := &countingReader{r: io.TeeReader(s.file, hash)}

	path := s.archiveName + s.writer.Extension()
	if err := s.inner.Write(ctx, path, counter); err != nil {
		return fmt.Errorf("failed to write archive to sink: %w", err)
	}

	if err := s.inner.Close(ctx); err != nil {
		return fmt.Errorf("failed to close inner sink: %w", err)
	}

	s.path = path
	s.size = counter.n
	s.digest = hex.EncodeToString(hash.Sum(nil))

	s.logger.Info("archive written",
		zap.String("sink", s.inner.Name()),
		zap.String("path", s.path),
		zap.Int64("size", s.size),
		zap.String("sha256", s.digest),
	)
	return nil
}

// Discard drops the archive without shipping it, for runs that failed before
// the archive could be finalized.
func (s *ArchiveSink) Discard() error {
	name := s.file.Name()
	return errors.Join(s.file.Close(), s.spool.Remove(name))
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
