// Package checkpoint snapshots workspace state around state-mutating tool
// executions so changes can be rolled back. Snapshots are commits in a
// shadow git repository whose object storage lives under the task state
// directory while its worktree is the workspace itself, so no .git directory
// is created (or disturbed) in the workspace.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/filesystem"
)

// Manager is the contract consumed by the tool dispatcher
type Manager interface {
	// Snapshot records the current workspace state and returns a reference
	Snapshot(ctx context.Context, taskID, label string) (string, error)

	// Restore resets the workspace to a previously returned reference
	Restore(ctx context.Context, ref string) error
}

// GitManager implements Manager on a shadow git repository
type GitManager struct {
	workspacePath string
	repo          *git.Repository
}

// NewGitManager opens (or initializes) the shadow repository for a workspace
func NewGitManager(workspacePath string) (*GitManager, error) {
	gitDir := filepath.Join(workspacePath, ".spindle", "checkpoints")

	storage := filesystem.NewStorage(osfs.New(gitDir), cache.NewObjectLRUDefault())
	worktree := osfs.New(workspacePath)

	repo, err := git.Init(storage, worktree)
	if errors.Is(err, git.ErrRepositoryAlreadyExists) {
		repo, err = git.Open(storage, worktree)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint repository: %w", err)
	}

	return &GitManager{workspacePath: workspacePath, repo: repo}, nil
}

// Snapshot implements Manager.Snapshot
func (m *GitManager) Snapshot(ctx context.Context, taskID, label string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	wt, err := m.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to get worktree: %w", err)
	}
	wt.Excludes = excludePatterns()

	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("failed to stage workspace: %w", err)
	}

	hash, err := wt.Commit(fmt.Sprintf("checkpoint %s: %s", taskID, label), &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  "spindle",
			Email: "checkpoint@spindle.local",
			When:  time.Now(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to commit checkpoint: %w", err)
	}

	return hash.String(), nil
}

// Restore implements Manager.Restore
func (m *GitManager) Restore(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	wt, err := m.repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}
	wt.Excludes = excludePatterns()

	err = wt.Reset(&git.ResetOptions{
		Commit: plumbing.NewHash(ref),
		Mode:   git.HardReset,
	})
	if err != nil {
		return fmt.Errorf("failed to restore checkpoint %s: %w", ref, err)
	}
	return nil
}

// excludePatterns keeps spindle state and nested git metadata out of snapshots
func excludePatterns() []gitignore.Pattern {
	return []gitignore.Pattern{
		gitignore.ParsePattern(".spindle/", nil),
		gitignore.ParsePattern(".git/", nil),
	}
}
