package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/SpamExperts/bitten/internal/config"
	"github.com/SpamExperts/bitten/internal/logfields"
	"github.com/SpamExperts/bitten/internal/master"
	"github.com/SpamExperts/bitten/internal/metrics"
	"github.com/SpamExperts/bitten/internal/store"
	"github.com/SpamExperts/bitten/internal/vcs"
	"github.com/SpamExperts/bitten/internal/vcs/gitvcs"
)

// MasterCmd implements the 'master' command.
type MasterCmd struct {
	Host     string        `short:"H" env:"BITTEN_HOST" help:"Host name or IP address to bind to"`
	Port     int           `short:"p" env:"BITTEN_PORT" default:"7633" help:"Port number to listen on"`
	Interval time.Duration `short:"i" env:"BITTEN_INTERVAL" default:"120s" help:"Poll repositories for new revisions at this interval"`
	BuildAll bool          `name:"build-all" help:"Queue builds for every new revision in every environment, not just the newest"`
	Timewarp bool          `help:"Adjust timestamps of builds to the date of the revision, in every environment"`
	DataDir  string        `name:"data-dir" env:"BITTEN_DATA_DIR" default:"." type:"path" help:"Directory holding the build database and repository clones"`
	LogsDir  string        `name:"logs-dir" env:"BITTEN_LOGS_DIR" default:"log/bitten" type:"path" help:"Directory build logs and attachments are written to"`
	MaxConns int           `name:"max-conns" default:"100" help:"Maximum concurrent slave connections, 0 for no limit"`

	Envs []string `arg:"" name:"env" help:"Build environment directories"`
}

func (c *MasterCmd) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A broken environment directory is skipped so it cannot take down
	// the ones that load; having none left is fatal.
	var envs []*config.Environment
	for _, dir := range c.Envs {
		env, err := config.LoadEnvironment(dir)
		if err != nil {
			slog.Error("skipping unusable environment",
				logfields.Path(dir), logfields.Error(err))
			continue
		}
		envs = append(envs, env)
	}
	if len(envs) == 0 {
		return errors.New("no usable build environments")
	}

	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	st, err := store.NewSQLiteStore(filepath.Join(c.DataDir, "bitten.db"), c.LogsDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	notifier := master.NewNotifier(master.LogListener{})
	defer c.subscribeNATS(notifier, envs)()

	// Environments whose repository cannot be opened are dropped the
	// same way broken directories are.
	var (
		active     []*config.Environment
		envConfigs []master.EnvironmentConfig
	)
	for _, env := range envs {
		repo, err := c.openRepository(ctx, env)
		if err != nil {
			slog.Error("skipping environment with unusable repository",
				logfields.Project(env.Project), logfields.Error(err))
			continue
		}
		defer repo.Close()
		if err := env.Sync(ctx, st); err != nil {
			return fmt.Errorf("sync environment %s: %w", env.Project, err)
		}
		active = append(active, env)
		envConfigs = append(envConfigs, master.EnvironmentConfig{
			Project:          env.Project,
			Repo:             repo,
			BuildAll:         c.BuildAll || env.Queue.BuildAll,
			AdjustTimestamps: env.Queue.AdjustTimestamps,
			StabilizeWait:    env.Queue.StabilizeWait,
			SlaveTimeout:     env.Queue.SlaveTimeout,
		})
	}
	if len(envConfigs) == 0 {
		return errors.New("no usable build environments")
	}

	reg := prometheus.NewRegistry()
	m := master.New(master.Config{
		Addr:             net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		CheckInterval:    c.Interval,
		AdjustTimestamps: c.Timewarp,
		MaxConns:         c.MaxConns,
		AttachmentsDir:   filepath.Join(c.LogsDir, "attachments"),
		MetricsHandler:   metrics.HTTPHandler(reg),
	}, st, metrics.NewPrometheusRecorder(reg), notifier, envConfigs)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.Run(gctx) })
	for _, env := range active {
		watcher := config.NewWatcher(env, func(ctx context.Context, fresh *config.Environment) error {
			return fresh.Sync(ctx, st)
		})
		g.Go(func() error { return watcher.Run(gctx) })
	}
	return g.Wait()
}

// openRepository opens the environment's repository: a local directory
// is used in place, anything else is cloned under <data-dir>/repos and
// kept fresh by the poll loop.
func (c *MasterCmd) openRepository(ctx context.Context, env *config.Environment) (vcs.Repository, error) {
	repo := env.Repository
	if repo.Kind != "git" {
		return nil, fmt.Errorf("unsupported repository kind %q", repo.Kind)
	}
	if info, err := os.Stat(repo.URL); err == nil && info.IsDir() {
		return gitvcs.Open(env.Project, repo.URL, repo.Branch)
	}
	dir := filepath.Join(c.DataDir, "repos", env.Project)
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return nil, fmt.Errorf("create repos directory: %w", err)
	}
	slog.Info("cloning repository",
		logfields.Project(env.Project), slog.String("url", repo.URL))
	return gitvcs.Clone(ctx, env.Project, repo.URL, dir, repo.Branch)
}

// subscribeNATS connects one listener per distinct (url, subject) pair
// declared across the environments and returns a closer for all of
// them. A failed connection only costs that environment its events.
func (c *MasterCmd) subscribeNATS(notifier *master.Notifier, envs []*config.Environment) func() {
	listeners := make(map[string]*master.NATSListener)
	for _, env := range envs {
		if env.Notify.NATSURL == "" {
			continue
		}
		key := env.Notify.NATSURL + "\x00" + env.Notify.Subject
		if _, ok := listeners[key]; ok {
			continue
		}
		nl, err := master.NewNATSListener(env.Notify.NATSURL, env.Notify.Subject)
		if err != nil {
			slog.Error("connecting to NATS failed, build events will not be published",
				logfields.Project(env.Project), logfields.Error(err))
			continue
		}
		listeners[key] = nl
		notifier.Subscribe(nl)
	}
	return func() {
		for _, nl := range listeners {
			nl.Close()
		}
	}
}
