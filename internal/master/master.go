// Package master implements the build coordinator. It polls project
// repositories for new revisions, queues builds per target platform and
// hands annotated recipes to polling build slaves over HTTP.
package master

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/SpamExperts/bitten/internal/logfields"
	"github.com/SpamExperts/bitten/internal/metrics"
	"github.com/SpamExperts/bitten/internal/model"
	"github.com/SpamExperts/bitten/internal/queue"
	"github.com/SpamExperts/bitten/internal/store"
	"github.com/SpamExperts/bitten/internal/vcs"
)

const (
	// DefaultPort is the TCP port the slave API listens on.
	DefaultPort = 7633

	// DefaultCheckInterval is how often repositories are polled for new
	// revisions.
	DefaultCheckInterval = 120 * time.Second

	// DefaultSlaveTimeout is how long an in-progress build may sit
	// without slave activity before it is recycled.
	DefaultSlaveTimeout = 3600 * time.Second
)

// Config tunes the master beyond its environments.
type Config struct {
	// Addr is the TCP listen address of the slave API.
	Addr string

	// CheckInterval is how often each environment's repository is polled
	// for new revisions.
	CheckInterval time.Duration

	// AdjustTimestamps warps step timestamps toward the build's revision
	// time instead of keeping wall-clock execution times. It forces the
	// behavior for every environment regardless of their own setting.
	AdjustTimestamps bool

	// MaxConns caps concurrent slave connections. Zero means no cap.
	MaxConns int

	// AttachmentsDir is where artifacts uploaded by slaves are written.
	// Empty disables artifact uploads.
	AttachmentsDir string

	// MetricsHandler, when set, is served at /metrics.
	MetricsHandler http.Handler
}

// EnvironmentConfig describes one project the master builds.
type EnvironmentConfig struct {
	Project          string
	Repo             vcs.Repository
	BuildAll         bool
	AdjustTimestamps bool
	StabilizeWait    time.Duration
	SlaveTimeout     time.Duration
}

// Environment couples one project's repository with its build queue.
type Environment struct {
	Project          string
	Repo             vcs.Repository
	Queue            *queue.BuildQueue
	AdjustTimestamps bool
}

// Master coordinates builds across environments: a periodic job turns
// new revisions into pending builds, and the HTTP handlers allocate
// them to slaves and ingest their step results.
type Master struct {
	cfg      Config
	store    store.Store
	envs     []*Environment
	registry *Registry
	notifier *Notifier
	recorder metrics.Recorder
	next     atomic.Uint32 // round-robin offset over envs
	now      func() time.Time
}

// New assembles a master from its environments. The build queues are
// created here so orphan recycling feeds the session registry and the
// lifecycle listeners.
func New(cfg Config, st store.Store, recorder metrics.Recorder, notifier *Notifier, envs []EnvironmentConfig) *Master {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	if notifier == nil {
		notifier = NewNotifier(LogListener{})
	}

	m := &Master{
		cfg:      cfg,
		store:    st,
		registry: NewRegistry(),
		notifier: notifier,
		recorder: recorder,
		now:      time.Now,
	}
	for _, ec := range envs {
		m.envs = append(m.envs, &Environment{
			Project:          ec.Project,
			Repo:             ec.Repo,
			AdjustTimestamps: ec.AdjustTimestamps,
			Queue: queue.New(ec.Project, st, ec.Repo, queue.Options{
				BuildAll:      ec.BuildAll,
				StabilizeWait: ec.StabilizeWait,
				Timeout:       ec.SlaveTimeout,
				Metrics:       recorder,
				OnOrphan:      m.buildOrphaned,
			}),
		})
	}
	return m
}

// Subscribe adds a build lifecycle listener.
func (m *Master) Subscribe(l Listener) {
	m.notifier.Subscribe(l)
}

// Environments returns the master's environments in configuration order.
func (m *Master) Environments() []*Environment {
	return m.envs
}

func (m *Master) buildOrphaned(b *model.Build) {
	m.registry.DropBuild(b.ID)
	m.notifier.BuildOrphaned(b)
}

// Run serves the slave API and keeps the build queues populated until
// the context is canceled.
func (m *Master) Run(ctx context.Context) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if _, err := sched.NewJob(
		gocron.DurationJob(m.cfg.CheckInterval),
		gocron.NewTask(func() { m.populateAll(gctx) }),
		gocron.WithName("populate"),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	); err != nil {
		return fmt.Errorf("schedule populate job: %w", err)
	}

	ln, err := net.Listen("tcp", m.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", m.cfg.Addr, err)
	}
	if m.cfg.MaxConns > 0 {
		ln = netutil.LimitListener(ln, m.cfg.MaxConns)
	}

	srv := &http.Server{
		Handler:      m.Router(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	slog.Info("build master listening",
		slog.String("addr", ln.Addr().String()),
		slog.Int("environments", len(m.envs)),
		slog.Duration("check_interval", m.cfg.CheckInterval))

	sched.Start()

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("slave api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown slave api server: %w", err)
		}
		return nil
	})

	err = g.Wait()
	if serr := sched.Shutdown(); serr != nil {
		slog.Warn("scheduler shutdown failed", logfields.Error(serr))
	}
	return err
}

// populateAll polls every environment for new revisions. Repository
// trouble in one environment is logged and skipped so the others still
// get their turn.
func (m *Master) populateAll(ctx context.Context) {
	for _, env := range m.envs {
		if ctx.Err() != nil {
			return
		}
		if err := env.Queue.Populate(ctx); err != nil {
			slog.Warn("populating build queue failed",
				logfields.Project(env.Project), logfields.Error(err))
			continue
		}
		counts, err := m.store.BuildCounts(ctx, env.Project)
		if err != nil {
			slog.Warn("counting builds failed",
				logfields.Project(env.Project), logfields.Error(err))
			continue
		}
		m.recorder.SetPendingBuilds(env.Project, counts[model.BuildPending])
		slog.Debug("build queue populated",
			logfields.Project(env.Project),
			slog.Int("pending", counts[model.BuildPending]),
			slog.Int("in_progress", counts[model.BuildInProgress]))
	}
	m.scheduleDispatch(ctx)
}

// scheduleDispatch arms a one-shot queue depth check a fraction of the
// poll interval after populating. Slaves pull work on their own
// cadence, so by the time the hook fires the remaining depth is what
// nobody picked up.
func (m *Master) scheduleDispatch(ctx context.Context) {
	time.AfterFunc(m.cfg.CheckInterval/5, func() {
		if ctx.Err() != nil {
			return
		}
		for _, env := range m.envs {
			counts, err := m.store.BuildCounts(ctx, env.Project)
			if err != nil {
				continue
			}
			if pending := counts[model.BuildPending]; pending > 0 {
				slog.Info("builds waiting for a slave",
					logfields.Project(env.Project), slog.Int("pending", pending))
			}
		}
	})
}

// rotation returns the environments starting at a rotating offset so a
// busy project cannot starve the others.
func (m *Master) rotation() []*Environment {
	if len(m.envs) <= 1 {
		return m.envs
	}
	start := int(m.next.Add(1)-1) % len(m.envs)
	out := make([]*Environment, 0, len(m.envs))
	out = append(out, m.envs[start:]...)
	out = append(out, m.envs[:start]...)
	return out
}

func (m *Master) environment(project string) *Environment {
	for _, env := range m.envs {
		if env.Project == project {
			return env
		}
	}
	return nil
}

// adjustTimestamps reports whether builds of the given project get their
// timestamps warped toward revision time.
func (m *Master) adjustTimestamps(project string) bool {
	if m.cfg.AdjustTimestamps {
		return true
	}
	env := m.environment(project)
	return env != nil && env.AdjustTimestamps
}
