// Package queue implements the scheduling core of the build master:
// discovering revisions that need builds, matching slaves against target
// platforms, and handing out pending builds.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/SpamExperts/bitten/internal/logfields"
	"github.com/SpamExperts/bitten/internal/model"
	"github.com/SpamExperts/bitten/internal/store"
	"github.com/SpamExperts/bitten/internal/vcs"
)

// Change is one unit of potential work discovered by the collector: a
// revision that touched the config's subtree, paired with one of the
// config's target platforms. Build is the already existing build of that
// (rev, platform) pair, nil when none has been created yet.
type Change struct {
	Platform model.TargetPlatform
	Rev      string
	Build    *model.Build
}

// ChangeIter produces a config's changes newest-first, one Change per
// (revision, platform) pair. Next returns io.EOF once the walk is done.
type ChangeIter struct {
	ctx       context.Context
	repo      vcs.Repository
	config    *model.BuildConfig
	store     store.Store
	platforms []model.TargetPlatform
	path      string
	hist      vcs.HistoryIter
	buf       []Change
}

// CollectChanges walks the history of the config's repository path and
// pairs each relevant revision with the config's target platforms. The
// walk ends at the revision where the path last lived somewhere else (a
// copy or move boundary) and honors the config's min_rev/max_rev window.
//
// A config pointing at a path that does not exist (yet, or anymore) is
// not an error; the iterator just produces nothing.
func CollectChanges(ctx context.Context, repo vcs.Repository, config *model.BuildConfig, st store.Store) (*ChangeIter, error) {
	it := &ChangeIter{
		ctx:    ctx,
		repo:   repo,
		config: config,
		store:  st,
		path:   repo.NormalizePath(config.Path),
	}

	node, err := repo.Node(ctx, config.Path, "")
	if err != nil {
		if errors.Is(err, vcs.ErrNoSuchNode) {
			slog.Warn("configured path not found in repository",
				logfields.Config(config.Name), logfields.Path(config.Path))
			return it, nil
		}
		return nil, fmt.Errorf("resolve %q: %w", config.Path, err)
	}

	platforms, err := st.Platforms(ctx, config.Project, config.Name)
	if err != nil {
		return nil, err
	}
	if len(platforms) == 0 {
		// No platforms means no work; skip the history walk entirely.
		return it, nil
	}
	it.platforms = platforms

	hist, err := node.History(ctx)
	if err != nil {
		return nil, err
	}
	it.hist = hist
	return it, nil
}

// Next returns the next change, or io.EOF when the walk is exhausted.
func (it *ChangeIter) Next() (Change, error) {
	for {
		if len(it.buf) > 0 {
			change := it.buf[0]
			it.buf = it.buf[1:]
			return change, nil
		}
		if it.hist == nil {
			return Change{}, io.EOF
		}

		entry, err := it.hist.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				it.Close()
			}
			return Change{}, err
		}

		// The node lived under a different path before a copy or move;
		// revisions beyond that point belong to another subtree.
		if entry.Path != it.path {
			it.Close()
			return Change{}, io.EOF
		}

		if it.config.MinRev != "" {
			older, err := it.repo.RevOlderThan(it.ctx, entry.Rev, it.config.MinRev)
			if err != nil {
				return Change{}, err
			}
			if older {
				it.Close()
				return Change{}, io.EOF
			}
		}
		if it.config.MaxRev != "" {
			newer, err := it.repo.RevOlderThan(it.ctx, it.config.MaxRev, entry.Rev)
			if err != nil {
				return Change{}, err
			}
			if newer {
				continue
			}
		}

		// Ignore revisions that leave the tree empty, such as the bare
		// creation of the directory itself.
		node, err := it.repo.Node(it.ctx, entry.Path, entry.Rev)
		if err != nil {
			if errors.Is(err, vcs.ErrNoSuchNode) {
				continue
			}
			return Change{}, err
		}
		entries, err := node.Entries(it.ctx)
		if err != nil {
			return Change{}, err
		}
		if len(entries) == 0 {
			continue
		}

		for _, platform := range it.platforms {
			build, err := it.store.BuildFor(it.ctx, it.config.Project, it.config.Name, entry.Rev, platform.ID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return Change{}, err
			}
			it.buf = append(it.buf, Change{Platform: platform, Rev: entry.Rev, Build: build})
		}
	}
}

// Close releases the underlying history walk. Safe to call repeatedly.
func (it *ChangeIter) Close() {
	if it.hist != nil {
		it.hist.Close()
		it.hist = nil
	}
}
