// Package vcstest provides an in-memory vcs.Repository for tests.
package vcstest

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/SpamExperts/bitten/internal/vcs"
)

// MemRepo is a scriptable in-memory repository. Revisions are added oldest
// to newest; their order defines RevOlderThan.
type MemRepo struct {
	name       string
	order      []string
	changesets map[string]vcs.Changeset
	entries    map[string]map[string][]string
	history    map[string][]vcs.HistoryEntry

	SyncErr   error
	SyncCount int
}

// NewRepo creates an empty repository.
func NewRepo(name string) *MemRepo {
	return &MemRepo{
		name:       name,
		changesets: make(map[string]vcs.Changeset),
		entries:    make(map[string]map[string][]string),
		history:    make(map[string][]vcs.HistoryEntry),
	}
}

// AddRev appends a revision touching the given paths. Nodes from earlier
// revisions carry forward; each touched path gets a default entry list and a
// newest-first history entry.
func (r *MemRepo) AddRev(rev string, date time.Time, paths ...string) {
	r.changesets[rev] = vcs.Changeset{Rev: rev, Date: date}

	nodes := make(map[string][]string)
	if len(r.order) > 0 {
		for p, e := range r.entries[r.order[len(r.order)-1]] {
			nodes[p] = e
		}
	}
	for _, p := range paths {
		p = r.NormalizePath(p)
		if _, ok := nodes[p]; !ok {
			nodes[p] = []string{"file"}
		}
		r.history[p] = append([]vcs.HistoryEntry{{Path: p, Rev: rev, Kind: vcs.ChangeEdit}}, r.history[p]...)
	}
	r.entries[rev] = nodes
	r.order = append(r.order, rev)
}

// SetEntries overrides the children of a node at one revision. An empty list
// makes the tree empty at that revision.
func (r *MemRepo) SetEntries(rev, path string, entries ...string) {
	path = r.NormalizePath(path)
	if r.entries[rev] == nil {
		r.entries[rev] = make(map[string][]string)
	}
	r.entries[rev][path] = entries
}

// SetHistory replaces the scripted history of a path (newest first). Used to
// exercise copy/move boundaries.
func (r *MemRepo) SetHistory(path string, entries ...vcs.HistoryEntry) {
	r.history[r.NormalizePath(path)] = entries
}

func (r *MemRepo) Name() string { return r.name }

func (r *MemRepo) NormalizePath(path string) string {
	return strings.Trim(path, "/")
}

func (r *MemRepo) Node(ctx context.Context, path, rev string) (vcs.Node, error) {
	path = r.NormalizePath(path)
	if rev == "" {
		if len(r.order) == 0 {
			return nil, fmt.Errorf("%s: %w", path, vcs.ErrNoSuchNode)
		}
		rev = r.order[len(r.order)-1]
	}
	nodes, ok := r.entries[rev]
	if !ok {
		return nil, fmt.Errorf("no revision %q", rev)
	}
	if _, ok := nodes[path]; !ok {
		return nil, fmt.Errorf("%s at %s: %w", path, rev, vcs.ErrNoSuchNode)
	}
	return &memNode{repo: r, path: path, rev: rev}, nil
}

func (r *MemRepo) Changeset(ctx context.Context, rev string) (vcs.Changeset, error) {
	cs, ok := r.changesets[rev]
	if !ok {
		return vcs.Changeset{}, fmt.Errorf("no revision %q", rev)
	}
	return cs, nil
}

func (r *MemRepo) RevOlderThan(ctx context.Context, a, b string) (bool, error) {
	ia, ok := r.index(a)
	if !ok {
		return false, fmt.Errorf("no revision %q", a)
	}
	ib, ok := r.index(b)
	if !ok {
		return false, fmt.Errorf("no revision %q", b)
	}
	return ia < ib, nil
}

func (r *MemRepo) Sync(ctx context.Context) error {
	r.SyncCount++
	return r.SyncErr
}

func (r *MemRepo) Close() error { return nil }

func (r *MemRepo) index(rev string) (int, bool) {
	for i, candidate := range r.order {
		if candidate == rev {
			return i, true
		}
	}
	return 0, false
}

type memNode struct {
	repo *MemRepo
	path string
	rev  string
}

func (n *memNode) Path() string { return n.path }
func (n *memNode) IsDir() bool  { return true }

func (n *memNode) History(ctx context.Context) (vcs.HistoryIter, error) {
	at, ok := n.repo.index(n.rev)
	if !ok {
		return nil, fmt.Errorf("no revision %q", n.rev)
	}
	var entries []vcs.HistoryEntry
	for _, e := range n.repo.history[n.path] {
		if idx, ok := n.repo.index(e.Rev); ok && idx <= at {
			entries = append(entries, e)
		}
	}
	return &memHistoryIter{entries: entries}, nil
}

func (n *memNode) Entries(ctx context.Context) ([]string, error) {
	return n.repo.entries[n.rev][n.path], nil
}

type memHistoryIter struct {
	entries []vcs.HistoryEntry
	pos     int
}

func (it *memHistoryIter) Next() (vcs.HistoryEntry, error) {
	if it.pos >= len(it.entries) {
		return vcs.HistoryEntry{}, io.EOF
	}
	e := it.entries[it.pos]
	it.pos++
	return e, nil
}

func (it *memHistoryIter) Close() {}
