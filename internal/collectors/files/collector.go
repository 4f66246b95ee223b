// Package files collects regular files matching glob patterns.
package files

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/infracollect/dfircollect/internal/engine"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const CollectorKind = "files"

// SourcePathAttribute records where an item was read from.
const SourcePathAttribute = "source_path"

type Config struct {
	Root     string
	Patterns []string
	Exclude  []string
	// Filter is an optional CEL expression, see Filter.
	Filter string
	// MaxSize skips files larger than this many bytes. Zero means no limit.
	MaxSize int64
	Prefix  string
}

type Collector struct {
	logger *zap.Logger
	fs     afero.Fs
	cfg    Config
	filter *Filter
}

func NewCollector(logger *zap.Logger, fs afero.Fs, cfg Config) (*Collector, error) {
	if len(cfg.Patterns) == 0 {
		return nil, fmt.Errorf("at least one pattern is required")
	}

	for _, p := range append(append([]string{}, cfg.Patterns...), cfg.Exclude...) {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid pattern %q", p)
		}
	}

	if cfg.Root == "" {
		cfg.Root = "/"
	}

	c := &Collector{
		logger: logger,
		fs:     fs,
		cfg:    cfg,
	}

	if cfg.Filter != "" {
		filter, err := NewFilter(cfg.Filter)
		if err != nil {
			return nil, err
		}
		c.filter = filter
	}

	return c, nil
}

func (c *Collector) Name() string {
	return fmt.Sprintf("%s(%s)", CollectorKind, c.cfg.Root)
}

func (c *Collector) Kind() string {
	return CollectorKind
}

func (c *Collector) Close(context.Context) error {
	return nil
}

type walkStats struct {
	appended, tooLarge, filtered, unreadable int
}

// Collect walks Root and appends every matching regular file. Unreadable
// directories are logged and skipped.
func (c *Collector) Collect(ctx context.Context, items engine.ItemAppender) error {
	var stats walkStats

	err := afero.Walk(c.fs, c.cfg.Root, func(p string, info os.FileInfo, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if err != nil {
			if p == c.cfg.Root {
				return fmt.Errorf("failed to read root %s: %w", p, err)
			}
			stats.unreadable++
			c.logger.Warn("skipping unreadable path", zap.String("path", p), zap.Error(err))
			return nil
		}

		rel, err := c.relative(p)
		if err != nil {
			return err
		}

		if info.IsDir() {
			if rel != "." && c.excluded(rel) {
				return filepath.SkipDir
			}
			return nil
		}

		if !info.Mode().IsRegular() || !c.matches(rel) || c.excluded(rel) {
			return nil
		}

		if c.cfg.MaxSize > 0 && info.Size() > c.cfg.MaxSize {
			stats.tooLarge++
			c.logger.Debug("skipping file over max size", zap.String("path", p), zap.Int64("size", info.Size()))
			return nil
		}

		if c.filter != nil {
			ok, err := c.filter.Match(p, info.Name(), info.Size(), info.ModTime())
			if err != nil {
				return err
			}
			if !ok {
				stats.filtered++
				return nil
			}
		}

		_, err = items.Append(engine.ArchiveItem{
			Name:       path.Join(c.cfg.Prefix, rel),
			Source:     engine.FileSource{Fs: c.fs, Path: p},
			Size:       info.Size(),
			ModTime:    info.ModTime(),
			Attributes: map[string]string{SourcePathAttribute: p},
		})
		if err != nil {
			return fmt.Errorf("failed to append %s: %w", p, err)
		}
		stats.appended++
		return nil
	})

	c.logger.Info("files collected",
		zap.Int("appended", stats.appended),
		zap.Int("too_large", stats.tooLarge),
		zap.Int("filtered", stats.filtered),
		zap.Int("unreadable", stats.unreadable),
	)

	if err != nil && !errors.Is(err, filepath.SkipDir) {
		return err
	}
	return nil
}

func (c *Collector) relative(p string) (string, error) {
	rel, err := filepath.Rel(c.cfg.Root, p)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s relative to %s: %w", p, c.cfg.Root, err)
	}
	return filepath.ToSlash(rel), nil
}

func (c *Collector) matches(rel string) bool {
	for _, pattern := range c.cfg.Patterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

func (c *Collector) excluded(rel string) bool {
	for _, pattern := range c.cfg.Exclude {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}
