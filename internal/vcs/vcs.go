// Package vcs defines the repository abstraction the change collector walks:
// node lookup, newest-first history, revision ordering and changeset dates.
package vcs

import (
	"context"
	"errors"
	"time"
)

// ErrNoSuchNode indicates the requested path does not exist at the
// requested revision.
var ErrNoSuchNode = errors.New("vcs: no such node")

// ChangeKind classifies one history entry.
type ChangeKind string

const (
	ChangeAdd  ChangeKind = "add"
	ChangeEdit ChangeKind = "edit"
	ChangeCopy ChangeKind = "copy"
	ChangeMove ChangeKind = "move"
)

// HistoryEntry is one step of a node's history walk: the path of the node at
// that revision (which differs from the current path across copies/moves),
// the revision identifier and the kind of change.
type HistoryEntry struct {
	Path string
	Rev  string
	Kind ChangeKind
}

// HistoryIter walks a node's history newest-first. Next returns io.EOF when
// the history is exhausted.
type HistoryIter interface {
	Next() (HistoryEntry, error)
	Close()
}

// Node is a file or directory at a particular revision.
type Node interface {
	Path() string
	IsDir() bool

	// History iterates the revisions that touched this node, newest first.
	History(ctx context.Context) (HistoryIter, error)

	// Entries lists the names of the node's direct children. A file node
	// has none.
	Entries(ctx context.Context) ([]string, error)
}

// Changeset carries the metadata of one revision.
type Changeset struct {
	Rev     string
	Date    time.Time
	Author  string
	Message string
}

// Repository supplies history, node metadata and revision ordering. The
// coordinator treats revision identifiers as opaque strings; only the
// repository knows how to order them.
type Repository interface {
	Name() string

	// NormalizePath canonicalizes a configured path for comparison with
	// history entry paths.
	NormalizePath(path string) string

	// Node resolves a path at a revision. An empty rev means the newest
	// revision. Returns ErrNoSuchNode when the path does not exist.
	Node(ctx context.Context, path, rev string) (Node, error)

	// Changeset resolves revision metadata.
	Changeset(ctx context.Context, rev string) (Changeset, error)

	// RevOlderThan reports whether revision a is strictly older than b.
	RevOlderThan(ctx context.Context, a, b string) (bool, error)

	// Sync picks up new revisions from the origin, when there is one.
	Sync(ctx context.Context) error

	Close() error
}
