// Command bitten runs the distributed build system: the master that
// schedules builds from repository changes, and the slave that executes
// them.
package main

import (
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"github.com/SpamExperts/bitten/internal/version"
)

// CLI definition and global flags shared by both commands.
type CLI struct {
	Debug   bool             `help:"Enable debugging output" xor:"verbosity"`
	Verbose bool             `short:"v" help:"Print as much as possible" xor:"verbosity"`
	Quiet   bool             `short:"q" help:"Print as little as possible" xor:"verbosity"`
	Version kong.VersionFlag `name:"version" help:"Show version and exit"`

	Master MasterCmd `cmd:"" help:"Coordinate builds: poll repositories, queue builds and hand them to slaves"`
	Slave  SlaveCmd  `cmd:"" help:"Execute build recipes on behalf of a build master"`
}

// AfterApply runs after flag parsing; set up logging once.
func (c *CLI) AfterApply() error {
	level := slog.LevelInfo
	switch {
	case c.Debug, c.Verbose:
		level = slog.LevelDebug
	case c.Quiet:
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("bitten"),
		kong.Description("Continuous integration build master and slave."),
		kong.UsageOnError(),
		kong.Vars{"version": version.Version},
	)
	ctx.FatalIfErrorf(ctx.Run())
}
