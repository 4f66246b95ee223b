// Package volume collects raw images of disks, partitions or byte ranges.
package volume

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strconv"

	"github.com/infracollect/dfircollect/internal/engine"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const CollectorKind = "volume"

type Config struct {
	Image ImageSpec
	// ChunkSize splits the image into items of at most this many bytes.
	// Zero keeps it whole.
	ChunkSize int64
	// Name of the archive entry. Chunks get a ".NNN" suffix.
	Name string
}

type Collector struct {
	logger *zap.Logger
	fs     afero.Fs
	cfg    Config
}

func NewCollector(logger *zap.Logger, fs afero.Fs, cfg Config) (*Collector, error) {
	if cfg.Image.Path == "" {
		return nil, fmt.Errorf("image path is required")
	}
	if cfg.ChunkSize < 0 {
		return nil, fmt.Errorf("chunk size must not be negative")
	}
	if cfg.Name == "" {
		cfg.Name = defaultName(cfg.Image)
	}

	return &Collector{logger: logger, fs: fs, cfg: cfg}, nil
}

func defaultName(spec ImageSpec) string {
	name := filepath.Base(filepath.ToSlash(spec.Path))
	if spec.Partition > 0 {
		name += ".p" + strconv.Itoa(spec.Partition)
	}
	return name + ".raw"
}

func (c *Collector) Name() string {
	return fmt.Sprintf("%s(%s)", CollectorKind, c.cfg.Image)
}

func (c *Collector) Kind() string {
	return CollectorKind
}

func (c *Collector) Close(context.Context) error {
	return nil
}

func (c *Collector) Collect(ctx context.Context, items engine.ItemAppender) error {
	extent, err := c.cfg.Image.Resolve(c.fs)
	if err != nil {
		return err
	}

	c.logger.Info("imaging volume",
		zap.String("image", c.cfg.Image.String()),
		zap.Int64("offset", extent.Offset),
		zap.Int64("length", extent.Length),
	)

	chunk := c.cfg.ChunkSize
	if chunk == 0 || chunk >= extent.Length {
		return c.append(items, c.cfg.Name, extent, -1)
	}

	for i, off := 0, int64(0); off < extent.Length; i, off = i+1, off+chunk {
		if err := ctx.Err(); err != nil {
			return err
		}

		part := Extent{Offset: extent.Offset + off, Length: min(chunk, extent.Length-off)}
		if err := c.append(items, fmt.Sprintf("%s.%03d", c.cfg.Name, i), part, i); err != nil {
			return err
		}
	}

	return nil
}

func (c *Collector) append(items engine.ItemAppender, name string, extent Extent, chunk int) error {
	attrs := map[string]string{
		"source_path":  c.cfg.Image.Path,
		"image_offset": strconv.FormatInt(extent.Offset, 10),
		"image_length": strconv.FormatInt(extent.Length, 10),
	}
	if chunk >= 0 {
		attrs["chunk"] = strconv.Itoa(chunk)
	}

	_, err := items.Append(engine.ArchiveItem{
		Name: path.Clean(name),
		Source: engine.SectionSource{
			Fs:     c.fs,
			Path:   c.cfg.Image.Path,
			Offset: extent.Offset,
			Length: extent.Length,
		},
		Size:       extent.Length,
		Attributes: attrs,
	})
	if err != nil {
		return fmt.Errorf("failed to append %s: %w", name, err)
	}
	return nil
}
