// Package static archives an inline value or a single file as-is, typically
// case notes or collection metadata.
package static

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/infracollect/dfircollect/internal/engine"
	"github.com/spf13/afero"
)

const CollectorKind = "static"

type Config struct {
	// Name of the archive entry below Prefix.
	Name     string
	Prefix   string
	Value    *string
	Filepath *string
}

type Collector struct {
	fs  afero.Fs
	cfg Config
}

func NewCollector(fs afero.Fs, cfg Config) (*Collector, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	if cfg.Filepath != nil && cfg.Value != nil {
		return nil, fmt.Errorf("both filepath and value are set")
	}
	if cfg.Filepath == nil && cfg.Value == nil {
		return nil, fmt.Errorf("neither filepath nor value are set")
	}

	return &Collector{fs: fs, cfg: cfg}, nil
}

func (c *Collector) Name() string {
	return fmt.Sprintf("%s(%s)", CollectorKind, c.cfg.Name)
}

func (c *Collector) Kind() string {
	return CollectorKind
}

func (c *Collector) Close(context.Context) error {
	return nil
}

func (c *Collector) Collect(_ context.Context, items engine.ItemAppender) error {
	item := engine.ArchiveItem{
		Name:       path.Join(c.cfg.Prefix, c.cfg.Name),
		Attributes: map[string]string{},
	}

	if c.cfg.Value != nil {
		item.Source = engine.BytesSource(*c.cfg.Value)
		item.Size = int64(len(*c.cfg.Value))
		item.ModTime = time.Now()
	} else {
		info, err := c.fs.Stat(*c.cfg.Filepath)
		if err != nil {
			return fmt.Errorf("failed to read filepath %s: %w", *c.cfg.Filepath, err)
		}
		if info.IsDir() {
			return fmt.Errorf("filepath %s is a directory", *c.cfg.Filepath)
		}
		item.Source = engine.FileSource{Fs: c.fs, Path: *c.cfg.Filepath}
		item.Size = info.Size()
		item.ModTime = info.ModTime()
		item.Attributes["source_path"] = *c.cfg.Filepath
	}

	if _, err := items.Append(item); err != nil {
		return fmt.Errorf("failed to append %s: %w", item.Name, err)
	}
	return nil
}
