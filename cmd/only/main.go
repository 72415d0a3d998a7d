// only keeps a single running instance per application and user.
package main

import (
	"os"

	"github.com/rescale/only/internal/cli"
	"github.com/rescale/only/internal/version"
)

// Version information, overridden via -ldflags at release time.
var (
	Version   = "v0.3.0"
	BuildTime = "2026-10-19"
)

func main() {
	version.Version = Version
	version.BuildTime = BuildTime

	os.Exit(cli.ExitCode(cli.Execute()))
}
