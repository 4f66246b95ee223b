// Package command runs live-response programs on the host and archives
// their output.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/infracollect/dfircollect/internal/engine"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	CollectorKind = "command"

	DefaultTimeout = 30 * time.Second
)

type Command struct {
	Name       string
	Program    []string
	Env        map[string]string
	WorkingDir string
}

type Config struct {
	Commands    []Command
	Timeout     time.Duration
	Concurrency int
	Prefix      string
}

type Collector struct {
	logger *zap.Logger
	cfg    Config
}

func NewCollector(logger *zap.Logger, cfg Config) (*Collector, error) {
	if len(cfg.Commands) == 0 {
		return nil, fmt.Errorf("at least one command is required")
	}

	seen := make(map[string]struct{}, len(cfg.Commands))
	for _, cmd := range cfg.Commands {
		if cmd.Name == "" {
			return nil, fmt.Errorf("command name is required")
		}
		if len(cmd.Program) == 0 {
			return nil, fmt.Errorf("command %s: program is required", cmd.Name)
		}
		if _, ok := seen[cmd.Name]; ok {
			return nil, fmt.Errorf("duplicate command name %q", cmd.Name)
		}
		seen[cmd.Name] = struct{}{}
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	return &Collector{logger: logger, cfg: cfg}, nil
}

func (c *Collector) Name() string {
	return fmt.Sprintf("%s(%d commands)", CollectorKind, len(c.cfg.Commands))
}

func (c *Collector) Kind() string {
	return CollectorKind
}

func (c *Collector) Close(context.Context) error {
	return nil
}

// Collect runs every command and appends its stdout, and its stderr when
// there is any. A command exiting non-zero still has its output archived;
// commands that cannot run are reported together once all have finished.
func (c *Collector) Collect(ctx context.Context, items engine.ItemAppender) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)

	var (
		mu       sync.Mutex
		failures []error
	)

	for _, cmd := range c.cfg.Commands {
		g.Go(func() error {
			out, err := c.run(ctx, cmd)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.logger.Warn("command failed", zap.String("command", cmd.Name), zap.Error(err))
				mu.Lock()
				failures = append(failures, fmt.Errorf("command %s: %w", cmd.Name, err))
				mu.Unlock()
				return nil
			}
			return c.appendOutput(items, cmd, out)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return errors.Join(failures...)
}

type output struct {
	stdout   []byte
	stderr   []byte
	exitCode int
	started  time.Time
	duration time.Duration
}

func (c *Collector) run(ctx context.Context, command Command) (output, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, command.Program[0], command.Program[1:]...)
	cmd.Dir = command.WorkingDir
	// Orphaned grandchildren may hold the output pipes open after a kill.
	cmd.WaitDelay = time.Second
	cmd.Env = os.Environ()
	for k, v := range command.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.logger.Debug("running command",
		zap.String("command", command.Name),
		zap.Strings("program", command.Program),
		zap.Duration("timeout", c.cfg.Timeout),
	)

	out := output{started: time.Now()}
	err := cmd.Run()
	out.duration = time.Since(out.started)
	out.stdout, out.stderr = stdout.Bytes(), stderr.Bytes()
	out.exitCode = -1
	if cmd.ProcessState != nil {
		out.exitCode = cmd.ProcessState.ExitCode()
	}

	c.logger.Debug("command finished",
		zap.String("command", command.Name),
		zap.Int("exit_code", out.exitCode),
		zap.Duration("duration", out.duration),
	)

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return out, fmt.Errorf("timed out after %s", c.cfg.Timeout)
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return out, err
		}
	}

	return out, nil
}

func (c *Collector) appendOutput(items engine.ItemAppender, cmd Command, out output) error {
	attrs := map[string]string{
		"program":     strings.Join(cmd.Program, " "),
		"exit_code":   strconv.Itoa(out.exitCode),
		"duration_ms": strconv.FormatInt(out.duration.Milliseconds(), 10),
	}

	base := path.Join(c.cfg.Prefix, cmd.Name)
	streams := []struct {
		suffix string
		data   []byte
	}{
		{".txt", out.stdout},
		{".stderr.txt", out.stderr},
	}

	for i, s := range streams {
		if i > 0 && len(s.data) == 0 {
			continue
		}
		_, err := items.Append(engine.ArchiveItem{
			Name:       base + s.suffix,
			Source:     engine.BytesSource(s.data),
			Size:       int64(len(s.data)),
			ModTime:    out.started,
			Attributes: attrs,
		})
		if err != nil {
			return fmt.Errorf("failed to append output of %s: %w", cmd.Name, err)
		}
	}

	return nil
}
