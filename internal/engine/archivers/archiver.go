// Package archivers implements archive writers that pull their entries from
// an engine.UpdateProvider.
package archivers

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/infracollect/dfircollect/internal/engine"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Option configures an archiver.
type Option func(*base)

// WithSpoolFs sets where items are staged before being added to the archive.
// Defaults to the OS temporary directory.
func WithSpoolFs(fs afero.Fs) Option {
	return func(b *base) {
		b.spool = fs
	}
}

// WithScryptWorkFactor overrides the scrypt cost (log2) used to derive the
// encryption key from the password.
func WithScryptWorkFactor(logN int) Option {
	return func(b *base) {
		b.workFactor = logN
	}
}

// New creates an archiver for format ("tar" or "zip") writing to dst.
func New(logger *zap.Logger, format, compression string, dst io.Writer, opts ...Option) (engine.ArchiveWriter, error) {
	switch format {
	case "", FormatTar:
		return NewTarArchiver(logger, dst, compression, opts...)
	case FormatZip:
		return NewZipArchiver(logger, dst, compression, opts...)
	default:
		return nil, fmt.Errorf("unsupported archive format: %s", format)
	}
}

const (
	FormatTar = "tar"
	FormatZip = "zip"
)

// entryFunc appends one spooled item to the container.
type entryFunc func(props engine.ItemProperties, info engine.UpdateItemInfo, data io.Reader, size int64) error

// base holds what tar and zip archivers share: the output chain, the
// provider loop, and spooling.
type base struct {
	logger     *zap.Logger
	dst        io.Writer
	spool      afero.Fs
	workFactor int

	started   bool
	closed    bool
	encrypted bool
	out       *countingWriter
	encryptor io.WriteCloser

	total     uint64
	completed uint64
	in        uint64
	entries   int
}

func newBase(logger *zap.Logger, dst io.Writer, opts []Option) base {
	b := base{
		logger: logger,
		dst:    dst,
		spool:  afero.NewOsFs(),
	}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

// start builds the output chain on the first batch. The password is only
// known once the provider is asking for it.
func (b *base) start(p engine.UpdateProvider) (io.Writer, error) {
	b.out = &countingWriter{w: b.dst}

	password, ok := p.GetPassword()
	if !ok {
		b.started = true
		return b.out, nil
	}

	enc, err := encrypt(b.out, password, b.workFactor)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", engine.ErrWriterInit, err)
	}

	b.encryptor = enc
	b.encrypted = true
	b.started = true
	return enc, nil
}

func (b *base) checkOpen() error {
	if b.closed {
		return fmt.Errorf("%w: archiver is closed", engine.ErrWriterInit)
	}
	return nil
}

// drain pulls items from p until it has none left for this batch.
func (b *base) drain(ctx context.Context, p engine.UpdateProvider, add entryFunc) error {
	for {
		info, ok, err := p.GetNextItemInfo(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		props, err := p.GetItemProperties(ctx, info.Index)
		if err != nil {
			if errors.Is(err, engine.ErrItemUnavailable) {
				continue
			}
			return err
		}

		if props.Size > 0 {
			b.total += uint64(props.Size)
			p.SetTotal(b.total)
		}

		if err := b.addItem(ctx, p, info, props, add); err != nil {
			return err
		}
	}
}

func (b *base) addItem(ctx context.Context, p engine.UpdateProvider, info engine.UpdateItemInfo, props engine.ItemProperties, add entryFunc) error {
	rc, err := p.GetItemStream(ctx, info.Index)
	if err != nil {
		if errors.Is(err, engine.ErrItemUnavailable) {
			return nil
		}
		return err
	}

	staged, size, err := b.stage(rc)
	if err != nil {
		return p.SetItemResult(info.Index, engine.OperationFailed, err)
	}
	defer b.unstage(staged)

	// Unknown or stale declared sizes are corrected once the exact size is
	// known, so completed never runs past total.
	if declared := max(props.Size, 0); size != declared {
		b.total = b.total - uint64(declared) + uint64(size)
		p.SetTotal(b.total)
	}

	// Once entry bytes hit the container a failure cannot be undone.
	if err := add(props, info, staged, size); err != nil {
		_ = p.SetItemResult(info.Index, engine.OperationFailed, err)
		return fmt.Errorf("failed to add %s to archive: %w", props.Name, err)
	}

	if err := p.SetItemResult(info.Index, engine.OperationOK, nil); err != nil {
		return err
	}

	b.entries++
	b.completed += uint64(size)
	b.in += uint64(size)
	p.SetCompleted(b.completed)
	p.SetRatioInfo(b.in, b.out.n)

	b.logger.Debug("added archive entry",
		zap.String("name", props.Name),
		zap.Uint32("position", info.Position),
		zap.Int64("size", size),
	)
	return nil
}

// stage copies the item stream to a spool file so the entry size is exact
// and a failing source never leaves a truncated entry behind.
func (b *base) stage(rc io.ReadCloser) (afero.File, int64, error) {
	defer rc.Close()

	f, err := afero.TempFile(b.spool, "", "dfircollect-item-*")
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create spool file: %w", err)
	}

	n, err := io.Copy(f, rc)
	if err != nil {
		b.unstage(f)
		return nil, 0, fmt.Errorf("failed to spool item: %w", err)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		b.unstage(f)
		return nil, 0, fmt.Errorf("failed to rewind spool file: %w", err)
	}

	return f, n, nil
}

func (b *base) unstage(f afero.File) {
	name := f.Name()
	if err := errors.Join(f.Close(), b.spool.Remove(name)); err != nil {
		b.logger.Warn("failed to remove spool file", zap.String("path", name), zap.Error(err))
	}
}

// finish closes the encryption layer; container and compressor must already
// be closed.
func (b *base) finish() error {
	b.closed = true
	if b.encryptor != nil {
		if err := b.encryptor.Close(); err != nil {
			return fmt.Errorf("failed to close encryptor: %w", err)
		}
	}

	b.logger.Info("archive closed",
		zap.Int("entries", b.entries),
		zap.Uint64("input_bytes", b.in),
		zap.Uint64("output_bytes", b.out.n),
	)
	return nil
}

func (b *base) suffix() string {
	if b.encrypted {
		return EncryptedExtension
	}
	return ""
}

type countingWriter struct {
	w io.Writer
	n uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += uint64(n)
	return n, err
}

// nopWriteCloser wraps a Writer to provide a no-op Close method.
type nopWriteCloser struct {
	io.Writer
}

func (n *nopWriteCloser) Close() error {
	return nil
}
