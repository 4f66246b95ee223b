package archivers

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/infracollect/dfircollect/internal/engine"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

// ZipArchiver streams a zip archive. Entries are compressed individually so
// a reader can extract any item without decompressing the others.
type ZipArchiver struct {
	base

	compression CompressionType
	method      uint16
	zipWriter   *zip.Writer
}

var _ engine.ArchiveWriter = (*ZipArchiver)(nil)

// NewZipArchiver creates a zip archiver writing to dst.
// Supported compression types: "deflate", "zstd", "none".
// If compression is empty, defaults to "deflate".
func NewZipArchiver(logger *zap.Logger, dst io.Writer, compression string, opts ...Option) (*ZipArchiver, error) {
	ct := CompressionType(compression)
	if ct == "" {
		ct = CompressionDeflate
	}

	var method uint16
	switch ct {
	case CompressionDeflate:
		method = zip.Deflate
	case CompressionZstd:
		method = zstd.ZipMethodWinZip
	case CompressionNone:
		method = zip.Store
	default:
		return nil, fmt.Errorf("unsupported compression type for zip: %s", compression)
	}

	return &ZipArchiver{
		base:        newBase(logger, dst, opts),
		compression: ct,
		method:      method,
	}, nil
}

func (a *ZipArchiver) open(p engine.UpdateProvider) error {
	w, err := a.start(p)
	if err != nil {
		return err
	}

	a.zipWriter = zip.NewWriter(w)
	a.zipWriter.RegisterCompressor(zstd.ZipMethodWinZip, zstd.ZipCompressor())
	return nil
}

// Update adds every item p hands out, then closes the archive if p is final.
func (a *ZipArchiver) Update(ctx context.Context, p engine.UpdateProvider) error {
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

	if err := a.zipWriter.Flush(); err != nil {
		return fmt.Errorf("failed to flush zip writer: %w", err)
	}

	if !p.Final() {
		return nil
	}

	if err := a.zipWriter.Close(); err != nil {
		return fmt.Errorf("failed to close zip writer: %w", err)
	}
	return a.finish()
}

func (a *ZipArchiver) writeEntry(props engine.ItemProperties, _ engine.UpdateItemInfo, data io.Reader, size int64) error {
	modTime := props.ModTime
	if modTime.IsZero() {
		modTime = time.Now()
	}

	header := &zip.FileHeader{
		Name:               props.Name,
		Method:             a.method,
		Modified:           modTime.UTC(),
		UncompressedSize64: uint64(size),
		Comment:            attributeComment(props.Attributes),
	}
	header.SetMode(0o644)

	w, err := a.zipWriter.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("failed to write zip header: %w", err)
	}

	if _, err := io.Copy(w, data); err != nil {
		return fmt.Errorf("failed to write zip content: %w", err)
	}

	return nil
}

// attributeComment renders attributes as sorted key=value pairs.
func attributeComment(attrs map[string]string) string {
	if len(attrs) == 0 {
		return ""
	}

	pairs := make([]string, 0, len(attrs))
	for _, k := range slices.Sorted(maps.Keys(attrs)) {
		pairs = append(pairs, k+"="+attrs[k])
	}
	return strings.Join(pairs, ";")
}

// Extension returns the file extension for this archive type.
func (a *ZipArchiver) Extension() string {
	return ".zip" + a.suffix()
}
