package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/SpamExperts/bitten/internal/logfields"
	"github.com/SpamExperts/bitten/internal/metrics"
	"github.com/SpamExperts/bitten/internal/model"
	"github.com/SpamExperts/bitten/internal/store"
	"github.com/SpamExperts/bitten/internal/vcs"
)

// BuildQueue schedules the builds of one project. Populate turns new
// repository revisions into pending builds, GetBuildForSlave hands them
// out to polling slaves, and in-progress builds whose slave went quiet
// are recycled back into the pending pool.
type BuildQueue struct {
	project       string
	store         store.Store
	repo          vcs.Repository
	buildAll      bool
	stabilizeWait time.Duration
	timeout       time.Duration
	metrics       metrics.Recorder
	onOrphan      func(*model.Build)
	now           func() time.Time

	mu sync.Mutex // serializes allocation against orphan recycling
}

// Options tune a BuildQueue beyond its required collaborators.
type Options struct {
	// BuildAll enqueues every missed revision instead of only the newest
	// unbuilt one per platform.
	BuildAll bool

	// StabilizeWait postpones building a revision until it is at least
	// this old, giving closely spaced commits a chance to settle.
	StabilizeWait time.Duration

	// Timeout recycles an in-progress build once its slave has been
	// silent for this long. Zero disables recycling.
	Timeout time.Duration

	// Metrics receives queue counters. Defaults to the noop recorder.
	Metrics metrics.Recorder

	// OnOrphan is invoked for every build reset back to pending.
	OnOrphan func(*model.Build)
}

// New creates the build queue of one project.
func New(project string, st store.Store, repo vcs.Repository, opts Options) *BuildQueue {
	rec := opts.Metrics
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &BuildQueue{
		project:       project,
		store:         st,
		repo:          repo,
		buildAll:      opts.BuildAll,
		stabilizeWait: opts.StabilizeWait,
		timeout:       opts.Timeout,
		metrics:       rec,
		onOrphan:      opts.OnOrphan,
		now:           time.Now,
	}
}

// Project returns the name of the project this queue schedules for.
func (q *BuildQueue) Project() string {
	return q.project
}

// Populate scans the repository for revisions that should be built and
// inserts the missing pending builds. With BuildAll off, at most one
// build per platform is added per call: the newest unbuilt revision.
func (q *BuildQueue) Populate(ctx context.Context) error {
	if err := q.repo.Sync(ctx); err != nil {
		slog.Warn("repository sync failed", logfields.Project(q.project), logfields.Error(err))
	}

	configs, err := q.store.Configs(ctx, q.project, false)
	if err != nil {
		return fmt.Errorf("list build configs: %w", err)
	}

	now := q.now()
	var inserts []*model.Build
	for _, config := range configs {
		builds, err := q.collectConfig(ctx, config, now)
		if err != nil {
			slog.Warn("change collection failed",
				logfields.Project(q.project), logfields.Config(config.Name), logfields.Error(err))
			continue
		}
		inserts = append(inserts, builds...)
	}

	for _, build := range inserts {
		err := q.store.InsertBuild(ctx, build)
		if errors.Is(err, store.ErrConflict) {
			// Another populate run got there first.
			slog.Info("build already queued",
				logfields.Config(build.Config), logfields.Rev(build.Rev), logfields.PlatformID(build.Platform))
			continue
		}
		if err != nil {
			return fmt.Errorf("insert build: %w", err)
		}
		slog.Info("enqueued build", logfields.Project(q.project),
			logfields.Config(build.Config), logfields.Rev(build.Rev), logfields.PlatformID(build.Platform))
		q.metrics.IncBuildEnqueued(q.project, build.Config)
	}

	if counts, err := q.store.BuildCounts(ctx, q.project); err == nil {
		q.metrics.SetPendingBuilds(q.project, counts[model.BuildPending])
	}
	return nil
}

// collectConfig walks one config's changes newest-first and returns the
// builds that should be inserted for it.
func (q *BuildQueue) collectConfig(ctx context.Context, config *model.BuildConfig, now time.Time) ([]*model.Build, error) {
	changes, err := CollectChanges(ctx, q.repo, config, q.store)
	if err != nil {
		return nil, err
	}
	defer changes.Close()

	var builds []*model.Build
	seen := make(map[int64]bool)
	for {
		change, err := changes.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		// A platform showing up a second time means we moved past its
		// newest revision; older revisions only get built with BuildAll.
		if !q.buildAll && seen[change.Platform.ID] {
			slog.Debug("ignoring older revisions",
				logfields.Config(config.Name), logfields.Platform(change.Platform.Name))
			break
		}
		seen[change.Platform.ID] = true

		if change.Build != nil {
			continue
		}

		cs, err := q.repo.Changeset(ctx, change.Rev)
		if err != nil {
			return nil, err
		}
		if q.stabilizeWait > 0 && now.Sub(cs.Date) < q.stabilizeWait {
			slog.Info("delaying build of recent revision",
				logfields.Config(config.Name), logfields.Rev(change.Rev))
			continue
		}

		builds = append(builds, &model.Build{
			Project:  q.project,
			Config:   config.Name,
			Rev:      change.Rev,
			RevTime:  cs.Date.Unix(),
			Platform: change.Platform.ID,
			Status:   model.BuildPending,
		})
	}
	return builds, nil
}

// GetBuildForSlave hands the next eligible pending build to the named
// slave, pruning obsolete pending builds it walks past. It returns nil
// without error when nothing is pending for the slave's platforms.
func (q *BuildQueue) GetBuildForSlave(ctx context.Context, slave string, props map[string]string) (*model.Build, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.resetOrphaned(ctx); err != nil {
		return nil, err
	}

	platforms, err := MatchSlave(ctx, q.store, q.project, slave, props)
	if err != nil {
		return nil, err
	}
	if len(platforms) == 0 {
		// Keep scanning: obsolete pending builds are pruned even when
		// the slave matches nothing.
		slog.Debug("slave matches no target platform",
			logfields.Project(q.project), logfields.Slave(slave))
	}
	eligible := make(map[int64]bool, len(platforms))
	for _, platform := range platforms {
		eligible[platform.ID] = true
	}

	pending, err := q.store.BuildsByStatus(ctx, q.project, model.BuildPending)
	if err != nil {
		return nil, err
	}

	var selected *model.Build
	var obsolete []*model.Build
	for _, build := range pending {
		drop, err := q.shouldDeleteBuild(ctx, build)
		if err != nil {
			return nil, err
		}
		if drop {
			obsolete = append(obsolete, build)
			continue
		}
		if eligible[build.Platform] {
			selected = build
			break
		}
	}

	for _, build := range obsolete {
		slog.Info("dropping obsolete build",
			logfields.BuildID(build.ID), logfields.Config(build.Config), logfields.Rev(build.Rev))
		if err := q.store.DeleteBuild(ctx, build.ID); err != nil {
			return nil, fmt.Errorf("delete obsolete build %d: %w", build.ID, err)
		}
		q.metrics.IncBuildDropped(q.project, build.Config)
	}

	if selected == nil {
		slog.Debug("no pending builds", logfields.Project(q.project), logfields.Slave(slave))
		return nil, nil
	}

	if err := q.store.AllocateBuild(ctx, selected, slave, props, q.now().Unix()); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Lost the build to a concurrent allocation; the slave will
			// simply poll again.
			return nil, nil
		}
		return nil, err
	}
	slog.Info("allocated build", logfields.BuildID(selected.ID),
		logfields.Config(selected.Config), logfields.Rev(selected.Rev), logfields.Slave(slave))
	q.metrics.IncBuildAllocated(q.project, selected.Config)
	return selected, nil
}

// ResetOrphanedBuilds returns in-progress builds whose slave has been
// inactive past the queue timeout to the pending pool.
func (q *BuildQueue) ResetOrphanedBuilds(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.resetOrphaned(ctx)
}

func (q *BuildQueue) resetOrphaned(ctx context.Context) error {
	if q.timeout <= 0 {
		// Without a timeout no in-progress build is ever considered
		// orphaned.
		return nil
	}

	inProgress, err := q.store.BuildsByStatus(ctx, q.project, model.BuildInProgress)
	if err != nil {
		return err
	}
	cutoff := q.now().Add(-q.timeout).Unix()
	for _, build := range inProgress {
		if build.LastActivity > cutoff {
			continue
		}
		slog.Info("recycling orphaned build", logfields.BuildID(build.ID),
			logfields.Config(build.Config), logfields.Rev(build.Rev), logfields.Slave(build.Slave))
		if err := q.store.DeleteSteps(ctx, build.ID); err != nil {
			return fmt.Errorf("reset build %d: %w", build.ID, err)
		}
		if err := q.store.DeleteLogs(ctx, build.ID); err != nil {
			return fmt.Errorf("reset build %d: %w", build.ID, err)
		}
		if err := q.store.DeleteReports(ctx, build.ID); err != nil {
			return fmt.Errorf("reset build %d: %w", build.ID, err)
		}
		build.Reset()
		if err := q.store.UpdateBuild(ctx, build); err != nil {
			return fmt.Errorf("reset build %d: %w", build.ID, err)
		}
		q.metrics.IncBuildOrphaned(q.project, build.Config)
		if q.onOrphan != nil {
			q.onOrphan(build)
		}
	}
	return nil
}

// shouldDeleteBuild reports whether a pending build is obsolete: its
// platform or config is gone, its revision fell outside the config's
// revision window, or a newer revision of the same config and platform
// was already built (and BuildAll is off).
func (q *BuildQueue) shouldDeleteBuild(ctx context.Context, build *model.Build) (bool, error) {
	_, err := q.store.Platform(ctx, build.Platform)
	if errors.Is(err, store.ErrNotFound) {
		slog.Info("platform of pending build no longer exists",
			logfields.BuildID(build.ID), logfields.PlatformID(build.Platform))
		return true, nil
	}
	if err != nil {
		return false, err
	}

	config, err := q.store.Config(ctx, q.project, build.Config)
	if errors.Is(err, store.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if !config.Active {
		slog.Info("config of pending build is deactivated",
			logfields.BuildID(build.ID), logfields.Config(build.Config))
		return true, nil
	}

	if config.MinRev != "" {
		older, err := q.repo.RevOlderThan(ctx, build.Rev, config.MinRev)
		if err != nil {
			slog.Warn("revision order check failed", logfields.Rev(build.Rev), logfields.Error(err))
			return false, nil
		}
		if older {
			return true, nil
		}
	}
	if config.MaxRev != "" {
		newer, err := q.repo.RevOlderThan(ctx, config.MaxRev, build.Rev)
		if err != nil {
			slog.Warn("revision order check failed", logfields.Rev(build.Rev), logfields.Error(err))
			return false, nil
		}
		if newer {
			return true, nil
		}
	}

	if !q.buildAll {
		newest, err := q.store.NewestBuild(ctx, q.project, build.Config, build.Platform)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return false, err
		}
		if newest != nil && newest.RevTime > build.RevTime {
			return true, nil
		}
	}
	return false, nil
}
