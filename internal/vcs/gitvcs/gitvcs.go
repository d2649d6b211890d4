// Package gitvcs adapts a git repository to the vcs interfaces using go-git.
package gitvcs

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/SpamExperts/bitten/internal/vcs"
)

// Repository wraps a local git repository (a plain working copy or a clone
// kept as the coordinator's mirror).
type Repository struct {
	name   string
	branch string
	repo   *git.Repository
}

// Open opens an existing local repository.
func Open(name, dir, branch string) (*Repository, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", dir, err)
	}
	return &Repository{name: name, branch: branch, repo: repo}, nil
}

// Clone clones url into dir and returns the repository. When dir already
// holds a clone it is opened instead; Sync picks up new revisions.
func Clone(ctx context.Context, name, url, dir, branch string) (*Repository, error) {
	opts := &git.CloneOptions{URL: url}
	if branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(branch)
		opts.SingleBranch = true
	}
	repo, err := git.PlainCloneContext(ctx, dir, false, opts)
	if errors.Is(err, git.ErrRepositoryAlreadyExists) {
		return Open(name, dir, branch)
	}
	if err != nil {
		return nil, fmt.Errorf("clone repository %s: %w", url, err)
	}
	return &Repository{name: name, branch: branch, repo: repo}, nil
}

func (r *Repository) Name() string { return r.name }

// NormalizePath cleans a configured path into the repository-relative form
// used by history entries: no leading or trailing slashes, "" for the root.
func (r *Repository) NormalizePath(p string) string {
	p = path.Clean("/" + p)
	return strings.TrimPrefix(p, "/")
}

// Node resolves a path at a revision (newest when rev is empty).
func (r *Repository) Node(ctx context.Context, p, rev string) (vcs.Node, error) {
	commit, err := r.commitAt(rev)
	if err != nil {
		return nil, err
	}
	p = r.NormalizePath(p)
	if p == "" {
		return &node{repo: r, path: p, hash: commit.Hash, isDir: true}, nil
	}

	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("tree of %s: %w", commit.Hash, err)
	}
	if _, err := tree.Tree(p); err == nil {
		return &node{repo: r, path: p, hash: commit.Hash, isDir: true}, nil
	}
	if _, err := tree.File(p); err == nil {
		return &node{repo: r, path: p, hash: commit.Hash, isDir: false}, nil
	}
	return nil, fmt.Errorf("%s at %s: %w", p, commit.Hash, vcs.ErrNoSuchNode)
}

// Changeset resolves revision metadata. Dates are committer times in UTC.
func (r *Repository) Changeset(ctx context.Context, rev string) (vcs.Changeset, error) {
	commit, err := r.commitAt(rev)
	if err != nil {
		return vcs.Changeset{}, err
	}
	return vcs.Changeset{
		Rev:     commit.Hash.String(),
		Date:    commit.Committer.When.UTC(),
		Author:  commit.Author.Name,
		Message: commit.Message,
	}, nil
}

// RevOlderThan orders revisions by committer time, hash as tiebreak. Git has
// no total order on commits; committer time is the closest usable proxy for
// the min_rev/max_rev window checks.
func (r *Repository) RevOlderThan(ctx context.Context, a, b string) (bool, error) {
	ca, err := r.commitAt(a)
	if err != nil {
		return false, err
	}
	cb, err := r.commitAt(b)
	if err != nil {
		return false, err
	}
	if ca.Committer.When.Equal(cb.Committer.When) {
		return ca.Hash.String() < cb.Hash.String(), nil
	}
	return ca.Committer.When.Before(cb.Committer.When), nil
}

// Sync fetches from the origin when the repository has one.
func (r *Repository) Sync(ctx context.Context) error {
	remotes, err := r.repo.Remotes()
	if err != nil {
		return fmt.Errorf("list remotes: %w", err)
	}
	if len(remotes) == 0 {
		// Local-only repository, nothing to fetch.
		return nil
	}
	err = r.repo.FetchContext(ctx, &git.FetchOptions{})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	return nil
}

func (r *Repository) Close() error { return nil }

// headHash resolves the revision the coordinator should walk from: the
// remote-tracking branch when one exists (it advances on Sync), then the
// local branch, then HEAD.
func (r *Repository) headHash() (plumbing.Hash, error) {
	if r.branch != "" {
		for _, name := range []plumbing.ReferenceName{
			plumbing.NewRemoteReferenceName("origin", r.branch),
			plumbing.NewBranchReferenceName(r.branch),
		} {
			if ref, err := r.repo.Reference(name, true); err == nil {
				return ref.Hash(), nil
			}
		}
	}
	ref, err := r.repo.Head()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve head: %w", err)
	}
	return ref.Hash(), nil
}

func (r *Repository) commitAt(rev string) (*object.Commit, error) {
	var hash plumbing.Hash
	if rev == "" {
		h, err := r.headHash()
		if err != nil {
			return nil, err
		}
		hash = h
	} else {
		h, err := r.repo.ResolveRevision(plumbing.Revision(rev))
		if err != nil {
			return nil, fmt.Errorf("resolve revision %q: %w", rev, err)
		}
		hash = *h
	}
	commit, err := r.repo.CommitObject(hash)
	if err != nil {
		return nil, fmt.Errorf("commit %s: %w", hash, err)
	}
	return commit, nil
}

type node struct {
	repo  *Repository
	path  string
	hash  plumbing.Hash
	isDir bool
}

func (n *node) Path() string { return n.path }
func (n *node) IsDir() bool  { return n.isDir }

// History walks the commits touching the node's subtree, newest first. Git
// log follows the path across the whole subtree; renames are not followed,
// so every entry carries the node's own path.
func (n *node) History(ctx context.Context) (vcs.HistoryIter, error) {
	opts := &git.LogOptions{From: n.hash}
	if n.path != "" {
		prefix := n.path + "/"
		p := n.path
		opts.PathFilter = func(fp string) bool {
			return fp == p || strings.HasPrefix(fp, prefix)
		}
	}
	commits, err := n.repo.repo.Log(opts)
	if err != nil {
		return nil, fmt.Errorf("log %s: %w", n.path, err)
	}
	return &historyIter{path: n.path, commits: commits}, nil
}

func (n *node) Entries(ctx context.Context) ([]string, error) {
	if !n.isDir {
		return nil, nil
	}
	commit, err := n.repo.repo.CommitObject(n.hash)
	if err != nil {
		return nil, fmt.Errorf("commit %s: %w", n.hash, err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("tree of %s: %w", n.hash, err)
	}
	if n.path != "" {
		tree, err = tree.Tree(n.path)
		if err != nil {
			return nil, fmt.Errorf("%s at %s: %w", n.path, n.hash, vcs.ErrNoSuchNode)
		}
	}
	names := make([]string, 0, len(tree.Entries))
	for _, entry := range tree.Entries {
		names = append(names, entry.Name)
	}
	return names, nil
}

type historyIter struct {
	path    string
	commits object.CommitIter
}

// Next returns io.EOF from the underlying commit iterator when exhausted.
func (it *historyIter) Next() (vcs.HistoryEntry, error) {
	commit, err := it.commits.Next()
	if err != nil {
		return vcs.HistoryEntry{}, err
	}
	return vcs.HistoryEntry{
		Path: it.path,
		Rev:  commit.Hash.String(),
		Kind: vcs.ChangeEdit,
	}, nil
}

func (it *historyIter) Close() { it.commits.Close() }
