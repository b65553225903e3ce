package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Committer records an accepted fix in the working directory's
// repository and returns the commit reference.
type Committer interface {
	Commit(ctx context.Context, workdir, branch, message string) (string, error)
}

// GitCommitter commits through go-git.
type GitCommitter struct {
	AuthorName  string
	AuthorEmail string
}

// NewGitCommitter uses the given identity, defaulting to the daemon's.
func NewGitCommitter(name, email string) *GitCommitter {
	if name == "" {
		name = "remedyd"
	}
	if email == "" {
		email = "remedyd@localhost"
	}
	return &GitCommitter{AuthorName: name, AuthorEmail: email}
}

// Commit stages everything in the worktree and commits it, creating
// the branch first when one is named.
func (c *GitCommitter) Commit(ctx context.Context, workdir, branch, message string) (string, error) {
	repo, err := git.PlainOpen(workdir)
	if err != nil {
		return "", fmt.Errorf("open repository %s: %w", workdir, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("open worktree: %w", err)
	}

	if branch != "" {
		ref := plumbing.NewBranchReferenceName(branch)
		err := wt.Checkout(&git.CheckoutOptions{Branch: ref, Create: true, Keep: true})
		if err != nil {
			// The branch may exist from a previous attempt.
			err = wt.Checkout(&git.CheckoutOptions{Branch: ref, Keep: true})
		}
		if err != nil {
			return "", fmt.Errorf("checkout branch %s: %w", branch, err)
		}
	}

	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("stage changes: %w", err)
	}

	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  c.AuthorName,
			Email: c.AuthorEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return hash.String(), nil
}
