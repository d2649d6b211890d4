package gitvcs

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SpamExperts/bitten/internal/vcs"
)

var fixtureEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// initRepo creates a git repository and returns its path and a commit
// helper. Commits get strictly increasing committer times so revision
// ordering does not depend on wall clock granularity.
func initRepo(t *testing.T) (string, func(name, content string) string) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)

	seq := 0
	commit := func(name, content string) string {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		_, err := wt.Add(name)
		require.NoError(t, err)
		seq++
		hash, err := wt.Commit("add "+name, &git.CommitOptions{
			Author: &object.Signature{
				Name:  "tester",
				Email: "tester@example.com",
				When:  fixtureEpoch.Add(time.Duration(seq) * time.Minute),
			},
		})
		require.NoError(t, err)
		return hash.String()
	}
	return dir, commit
}

func openRepo(t *testing.T, dir string) *Repository {
	t.Helper()
	repo, err := Open("widgets", dir, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestOpenMissingDirectory(t *testing.T) {
	_, err := Open("widgets", filepath.Join(t.TempDir(), "nope"), "")
	require.Error(t, err)
}

func TestNormalizePath(t *testing.T) {
	r := &Repository{}
	cases := map[string]string{
		"":            "",
		"/":           "",
		"trunk":       "trunk",
		"/trunk/":     "trunk",
		"trunk//sub/": "trunk/sub",
		"a/../b":      "b",
	}
	for in, want := range cases {
		assert.Equal(t, want, r.NormalizePath(in), "input %q", in)
	}
}

func TestNodeResolution(t *testing.T) {
	dir, commit := initRepo(t)
	first := commit("trunk/hello.txt", "one\n")
	commit("branches/exp/other.txt", "two\n")

	repo := openRepo(t, dir)
	ctx := context.Background()

	root, err := repo.Node(ctx, "", "")
	require.NoError(t, err)
	assert.True(t, root.IsDir())
	assert.Equal(t, "", root.Path())

	trunk, err := repo.Node(ctx, "trunk/", "")
	require.NoError(t, err)
	assert.True(t, trunk.IsDir())
	assert.Equal(t, "trunk", trunk.Path(), "path is stored in normalized form")

	file, err := repo.Node(ctx, "trunk/hello.txt", "")
	require.NoError(t, err)
	assert.False(t, file.IsDir())

	_, err = repo.Node(ctx, "missing", "")
	require.ErrorIs(t, err, vcs.ErrNoSuchNode)

	_, err = repo.Node(ctx, "branches/exp", first)
	require.ErrorIs(t, err, vcs.ErrNoSuchNode, "subtree must not exist before its first commit")
}

func TestNodeEntries(t *testing.T) {
	dir, commit := initRepo(t)
	commit("trunk/hello.txt", "one\n")
	commit("trunk/sub/more.txt", "two\n")
	commit("branches/exp/other.txt", "three\n")

	repo := openRepo(t, dir)
	ctx := context.Background()

	root, err := repo.Node(ctx, "", "")
	require.NoError(t, err)
	names, err := root.Entries(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"branches", "trunk"}, names)

	trunk, err := repo.Node(ctx, "trunk", "")
	require.NoError(t, err)
	names, err = trunk.Entries(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"hello.txt", "sub"}, names)

	file, err := repo.Node(ctx, "trunk/hello.txt", "")
	require.NoError(t, err)
	names, err = file.Entries(ctx)
	require.NoError(t, err)
	assert.Empty(t, names, "file nodes have no entries")
}

func TestHistoryFiltersBySubtree(t *testing.T) {
	dir, commit := initRepo(t)
	c1 := commit("trunk/hello.txt", "one\n")
	commit("branches/exp/other.txt", "two\n")
	c3 := commit("trunk/sub/more.txt", "three\n")

	repo := openRepo(t, dir)
	ctx := context.Background()

	trunk, err := repo.Node(ctx, "trunk", "")
	require.NoError(t, err)
	it, err := trunk.History(ctx)
	require.NoError(t, err)
	defer it.Close()

	var revs []string
	for {
		entry, err := it.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, "trunk", entry.Path)
		assert.Equal(t, vcs.ChangeEdit, entry.Kind)
		revs = append(revs, entry.Rev)
	}
	assert.Equal(t, []string{c3, c1}, revs, "newest first, other subtrees skipped")
}

func TestHistoryAtRootSeesAllCommits(t *testing.T) {
	dir, commit := initRepo(t)
	c1 := commit("trunk/hello.txt", "one\n")
	c2 := commit("branches/exp/other.txt", "two\n")

	repo := openRepo(t, dir)
	ctx := context.Background()

	root, err := repo.Node(ctx, "", "")
	require.NoError(t, err)
	it, err := root.History(ctx)
	require.NoError(t, err)
	defer it.Close()

	var revs []string
	for {
		entry, err := it.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		revs = append(revs, entry.Rev)
	}
	assert.Equal(t, []string{c2, c1}, revs)
}

func TestChangesetMetadata(t *testing.T) {
	dir, commit := initRepo(t)
	c1 := commit("trunk/hello.txt", "one\n")
	c2 := commit("trunk/version.txt", "2\n")

	repo := openRepo(t, dir)
	ctx := context.Background()

	cs, err := repo.Changeset(ctx, c1)
	require.NoError(t, err)
	assert.Equal(t, c1, cs.Rev)
	assert.Equal(t, "tester", cs.Author)
	assert.Equal(t, "add trunk/hello.txt", cs.Message)
	assert.WithinDuration(t, fixtureEpoch.Add(time.Minute), cs.Date, time.Second)

	newest, err := repo.Changeset(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, c2, newest.Rev, "empty revision resolves to the newest commit")
}

func TestRevOlderThan(t *testing.T) {
	dir, commit := initRepo(t)
	older := commit("trunk/hello.txt", "one\n")
	newer := commit("trunk/version.txt", "2\n")

	repo := openRepo(t, dir)
	ctx := context.Background()

	got, err := repo.RevOlderThan(ctx, older, newer)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = repo.RevOlderThan(ctx, newer, older)
	require.NoError(t, err)
	assert.False(t, got)

	got, err = repo.RevOlderThan(ctx, older, older)
	require.NoError(t, err)
	assert.False(t, got, "a revision is not older than itself")

	_, err = repo.RevOlderThan(ctx, older, "0000000000000000000000000000000000000000")
	require.Error(t, err)
}

func TestSyncWithoutRemote(t *testing.T) {
	dir, commit := initRepo(t)
	commit("trunk/hello.txt", "one\n")

	repo := openRepo(t, dir)
	require.NoError(t, repo.Sync(context.Background()))
}

func TestCloneAndSync(t *testing.T) {
	src, commit := initRepo(t)
	first := commit("trunk/hello.txt", "one\n")

	ctx := context.Background()
	mirror := filepath.Join(t.TempDir(), "mirror")
	repo, err := Clone(ctx, "widgets", src, mirror, "master")
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	cs, err := repo.Changeset(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, first, cs.Rev)

	second := commit("trunk/version.txt", "2\n")
	require.NoError(t, repo.Sync(ctx))

	cs, err = repo.Changeset(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, second, cs.Rev, "sync advances to the fetched upstream head")

	again, err := Clone(ctx, "widgets", src, mirror, "master")
	require.NoError(t, err, "cloning into an existing mirror opens it")
	t.Cleanup(func() { _ = again.Close() })
}
