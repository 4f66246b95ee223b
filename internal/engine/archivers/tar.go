package archivers

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/infracollect/dfircollect/internal/engine"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

// CompressionType defines supported compression algorithms.
type CompressionType string

const (
	CompressionGzip    CompressionType = "gzip"
	CompressionZstd    CompressionType = "zstd"
	CompressionDeflate CompressionType = "deflate"
	CompressionNone    CompressionType = "none"
)

// paxAttributePrefix namespaces item attributes in PAX extended headers.
const paxAttributePrefix = "DFIRCOLLECT."

// TarArchiver streams a tar archive with optional compression. The archive
// stays open across batches and is finalized by the first final batch.
type TarArchiver struct {
	base

	compression CompressionType
	compressor  io.WriteCloser
	tarWriter   *tar.Writer
}

var _ engine.ArchiveWriter = (*TarArchiver)(nil)

// NewTarArchiver creates a tar archiver writing to dst.
// Supported compression types: "gzip", "zstd", "none".
// If compression is empty, defaults to "gzip".
func NewTarArchiver(logger *zap.Logger, dst io.Writer, compression string, opts ...Option) (*TarArchiver, error) {
	ct := CompressionType(compression)
	if ct == "" {
		ct = CompressionGzip
	}

	switch ct {
	case CompressionGzip, CompressionZstd, CompressionNone:
	default:
		return nil, fmt.Errorf("unsupported compression type for tar: %s", compression)
	}

	return &TarArchiver{
		base:        newBase(logger, dst, opts),
		compression: ct,
	}, nil
}

func (a *TarArchiver) open(p engine.UpdateProvider) error {
	w, err := a.start(p)
	if err != nil {
		return err
	}

	switch a.compression {
	case CompressionGzip:
		a.compressor = gzip.NewWriter(w)
	case CompressionZstd:
		a.compressor, err = zstd.NewWriter(w)
		if err != nil {
			return fmt.Errorf("%w: failed to create zstd writer: %w", engine.ErrWriterInit, err)
		}
	default:
		a.compressor = &nopWriteCloser{w}
	}

	a.tarWriter = tar.NewWriter(a.compressor)
	return nil
}

// Update adds every item p hands out, then closes the archive if p is final.
func (a *TarArchiver) Update(ctx context.Context, p engine.UpdateProvider) error {
	if err := a.checkOpen(); err != nil {
		return err
	}

	if !a.started {
		if err := a.open(p); err != nil {
			return err
		}
	}

	if err := a.drain(ctx, p, a.writeEntry); err != nil {
		return err
	}

	if err := a.tarWriter.Flush(); err != nil {
		return fmt.Errorf("failed to flush tar writer: %w", err)
	}

	if !p.Final() {
		return nil
	}
	return a.close()
}

func (a *TarArchiver) writeEntry(props engine.ItemProperties, _ engine.UpdateItemInfo, data io.Reader, size int64) error {
	modTime := props.ModTime
	if modTime.IsZero() {
		modTime = time.Now()
	}

	header := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     props.Name,
		Mode:     0o644,
		Size:     size,
		ModTime:  modTime.UTC(),
	}

	if len(props.Attributes) > 0 {
		header.PAXRecords = make(map[string]string, len(props.Attributes))
		for k, v := range props.Attributes {
			header.PAXRecords[paxAttributePrefix+k] = v
		}
		header.Format = tar.FormatPAX
	}

	if err := a.tarWriter.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write tar header: %w", err)
	}

	if _, err := io.Copy(a.tarWriter, data); err != nil {
		return fmt.Errorf("failed to write tar content: %w", err)
	}

	return nil
}

func (a *TarArchiver) close() error {
	if err := a.tarWriter.Close(); err != nil {
		return fmt.Errorf("failed to close tar writer: %w", err)
	}

	if err := a.compressor.Close(); err != nil {
		return fmt.Errorf("failed to close compressor: %w", err)
	}

	return a.finish()
}

// Extension returns the file extension for this archive type.
func (a *TarArchiver) Extension() string {
	var ext string
	switch a.compression {
	case CompressionGzip:
		ext = ".tar.gz"
	case CompressionZstd:
		ext = ".tar.zst"
	default:
		ext = ".tar"
	}
	return ext + a.suffix()
}
