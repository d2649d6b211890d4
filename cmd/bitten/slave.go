package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/SpamExperts/bitten/internal/slave"
)

// SlaveCmd implements the 'slave' command.
type SlaveCmd struct {
	Name      string        `help:"Name of this slave, defaults to the host name"`
	Config    string        `short:"f" name:"config" type:"existingfile" help:"Path to the slave configuration file"`
	WorkDir   string        `short:"d" name:"work-dir" help:"Directory builds execute under, defaults to a temporary directory"`
	KeepFiles bool          `short:"k" name:"keep-files" help:"Don't delete files after builds are finished"`
	DryRun    bool          `short:"n" name:"dry-run" help:"Execute builds without reporting results back"`
	Single    bool          `short:"s" name:"single" help:"Exit after the first executed build"`
	Interval  time.Duration `short:"i" env:"BITTEN_SLAVE_INTERVAL" default:"30s" help:"Poll the master for a build at this interval"`

	URL  string `arg:"" help:"URL of the build master, or just its host name"`
	Port int    `arg:"" optional:"" default:"7633" help:"Port of the build master when only a host is given"`
}

func (c *SlaveCmd) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cfg slave.Config
	if c.Config != "" {
		var err error
		if cfg, err = slave.LoadConfig(c.Config); err != nil {
			return fmt.Errorf("load slave config: %w", err)
		}
	}

	masterURL, err := slave.ResolveMasterURL(c.URL, c.Port)
	if err != nil {
		return err
	}

	s, err := slave.New(slave.Options{
		MasterURL: masterURL,
		Name:      c.Name,
		Config:    cfg,
		WorkDir:   c.WorkDir,
		KeepFiles: c.KeepFiles,
		DryRun:    c.DryRun,
		Single:    c.Single,
		Interval:  c.Interval,
	})
	if err != nil {
		return err
	}
	defer s.Close()

	err = s.Run(ctx)
	if errors.Is(err, slave.ErrRejected) {
		slog.Error("no master environment has work for this slave's platform")
	}
	return err
}
