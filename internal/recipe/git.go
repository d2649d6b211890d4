package recipe

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// NSGit is the namespace of the git tool commands.
const NSGit = "http://bitten.edgewall.org/tools/git"

// GitCheckout implements git:checkout. It clones the repository at
// "url" into "dir" (the base directory when absent) and, when a
// "revision" attribute is present, checks out that revision. A work
// directory kept from an earlier build is fetched instead of recloned.
func GitCheckout(ctx context.Context, rc *RunContext, attrs map[string]string) error {
	url := attrs["url"]
	if url == "" {
		return errors.New(`the "url" attribute is required`)
	}
	dir := rc.BaseDir
	if d := attrs["dir"]; d != "" {
		dir = rc.Resolve(d)
	}

	repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{URL: url})
	if errors.Is(err, git.ErrRepositoryAlreadyExists) {
		repo, err = git.PlainOpen(dir)
		if err == nil {
			if ferr := repo.FetchContext(ctx, &git.FetchOptions{}); ferr != nil &&
				!errors.Is(ferr, git.NoErrAlreadyUpToDate) {
				err = ferr
			}
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rc.Error(fmt.Sprintf("git checkout failed (%s)", err))
		return nil
	}

	if rev := attrs["revision"]; rev != "" {
		if err := checkoutRevision(repo, rev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			rc.Error(fmt.Sprintf("git checkout failed (%s)", err))
			return nil
		}
		rc.Log(Message{Level: LevelInfo, Text: fmt.Sprintf("checked out %s at revision %s", url, rev)})
		return nil
	}
	rc.Log(Message{Level: LevelInfo, Text: fmt.Sprintf("checked out %s", url)})
	return nil
}

func checkoutRevision(repo *git.Repository, rev string) error {
	hash, err := repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	return wt.Checkout(&git.CheckoutOptions{Hash: *hash, Force: true})
}
