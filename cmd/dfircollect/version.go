package main

import (
	"context"
	"fmt"
	"io"
	"runtime/debug"
	"strings"

	"github.com/infracollect/dfircollect/internal/engine"
	"github.com/infracollect/dfircollect/internal/engine/archivers"
	"github.com/infracollect/dfircollect/internal/runner"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

// version is set with -ldflags "-X main.version=..." on release builds.
var version = ""

type buildInfo struct {
	Version  string
	Go       string
	Revision string
	Time     string
	Dirty    bool
}

func readBuildInfo() buildInfo {
	bi := buildInfo{Version: version}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return bi
	}

	if bi.Version == "" {
		bi.Version = info.Main.Version
	}
	bi.Go = info.GoVersion

	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			bi.Revision = s.Value
		case "vcs.time":
			bi.Time = s.Value
		case "vcs.modified":
			bi.Dirty = s.Value == "true"
		}
	}
	return bi
}

func (bi buildInfo) print(w io.Writer) {
	fmt.Fprintf(w, "dfircollect %s (%s)\n", bi.Version, bi.Go)
	if bi.Revision != "" {
		rev := bi.Revision
		if bi.Dirty {
			rev += "-dirty"
		}
		fmt.Fprintf(w, "revision:   %s %s\n", rev, bi.Time)
	}

	collectors := runner.BuildRegistry(engine.NewRegistry(zap.NewNop())).Kinds()
	fmt.Fprintf(w, "collectors: %s\n", strings.Join(collectors, ", "))
	fmt.Fprintf(w, "formats:    %s (gzip, zstd, none), %s (deflate, zstd, none)\n", archivers.FormatTar, archivers.FormatZip)
}

var versionCommand = &cli.Command{
	Name:  "version",
	Usage: "print build and feature information",
	Action: func(ctx context.Context, command *cli.Command) error {
		readBuildInfo().print(command.Root().Writer)
		return nil
	},
}
