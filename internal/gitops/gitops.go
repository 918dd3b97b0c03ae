// Package gitops wraps version-control access for one workspace root. Repo
// state (HEAD, status, reset) goes through go-git; unified diffs shell out
// to the git binary because worktree-vs-HEAD patch text is not something
// go-git produces.
package gitops

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"go.uber.org/zap"
)

// ErrNoRepository marks a workspace root without a usable git repository.
// Callers degrade to a no-VCS cycle instead of aborting.
var ErrNoRepository = errors.New("no git repository at workspace root")

// Client is bound to a single repository worktree.
type Client struct {
	logger *zap.Logger
	root   string
	repo   *git.Repository
}

// Open locates the repository at (or above) root.
func Open(logger *zap.Logger, root string) (*Client, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}

	repo, err := git.PlainOpenWithOptions(abs, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%w: %s", ErrNoRepository, abs)
		}
		return nil, fmt.Errorf("open repository at %s: %w", abs, err)
	}

	return &Client{
		logger: logger.Named("gitops"),
		root:   abs,
		repo:   repo,
	}, nil
}

// Root returns the absolute workspace root the client was opened on.
func (c *Client) Root() string {
	return c.root
}

// HeadShort returns the abbreviated HEAD commit hash, or "" on an unborn
// branch.
func (c *Client) HeadShort() string {
	head, err := c.repo.Head()
	if err != nil {
		if !errors.Is(err, plumbing.ErrReferenceNotFound) {
			c.logger.Warn("Failed to resolve HEAD.", zap.Error(err))
		}
		return ""
	}
	return head.Hash().String()[:12]
}

// UntrackedFiles lists worktree paths git does not know about, sorted,
// relative to the repository root.
func (c *Client) UntrackedFiles() ([]string, error) {
	status, err := c.status()
	if err != nil {
		return nil, err
	}

	var files []string
	for path, st := range status {
		if st.Worktree == git.Untracked {
			files = append(files, path)
		}
	}
	sort.Strings(files)
	return files, nil
}

// ChangedFiles lists tracked paths with staged or unstaged modifications,
// sorted.
func (c *Client) ChangedFiles() ([]string, error) {
	status, err := c.status()
	if err != nil {
		return nil, err
	}

	var files []string
	for path, st := range status {
		if st.Worktree == git.Untracked {
			continue
		}
		if st.Staging != git.Unmodified || st.Worktree != git.Unmodified {
			files = append(files, path)
		}
	}
	sort.Strings(files)
	return files, nil
}

// IsClean reports whether the worktree has no pending changes at all.
func (c *Client) IsClean() (bool, error) {
	status, err := c.status()
	if err != nil {
		return false, err
	}
	return status.IsClean(), nil
}

func (c *Client) status() (git.Status, error) {
	wt, err := c.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("open worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("compute worktree status: %w", err)
	}
	return status, nil
}

// Diff returns the unified diff of pending changes. With staged set it
// covers the index against HEAD, otherwise the worktree against the index.
func (c *Client) Diff(ctx context.Context, staged bool) (string, error) {
	if _, err := exec.LookPath("git"); err != nil {
		return "", fmt.Errorf("git executable not found: %w", err)
	}

	args := []string{"diff", "--no-color"}
	if staged {
		args = append(args, "--cached")
	}

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = c.root
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// RestoreWorktree hard-resets tracked files to HEAD. Untracked files are
// untouched; RemoveUntracked handles those.
func (c *Client) RestoreWorktree() error {
	head, err := c.repo.Head()
	if err != nil {
		return fmt.Errorf("resolve HEAD for reset: %w", err)
	}
	wt, err := c.repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if err := wt.Reset(&git.ResetOptions{Commit: head.Hash(), Mode: git.HardReset}); err != nil {
		return fmt.Errorf("hard reset to %s: %w", head.Hash().String()[:12], err)
	}

	c.logger.Info("Worktree restored to HEAD.", zap.String("head", head.Hash().String()[:12]))
	return nil
}

// RemoveUntracked deletes untracked files that are not part of the given
// baseline, returning the removed paths. Paths that would escape the
// repository root are skipped.
func (c *Client) RemoveUntracked(baseline []string) ([]string, error) {
	current, err := c.UntrackedFiles()
	if err != nil {
		return nil, err
	}

	known := make(map[string]struct{}, len(baseline))
	for _, path := range baseline {
		known[filepath.ToSlash(path)] = struct{}{}
	}

	var removed []string
	for _, path := range current {
		if _, ok := known[filepath.ToSlash(path)]; ok {
			continue
		}

		abs := filepath.Join(c.root, filepath.FromSlash(path))
		rel, err := filepath.Rel(c.root, abs)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			c.logger.Warn("Refusing to remove path outside workspace root.", zap.String("path", path))
			continue
		}

		if err := os.Remove(abs); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return removed, fmt.Errorf("remove untracked file %s: %w", path, err)
		}
		removed = append(removed, path)
		c.pruneEmptyParents(abs)
	}

	if len(removed) > 0 {
		c.logger.Info("Removed untracked files created since baseline.", zap.Int("count", len(removed)))
	}
	return removed, nil
}

// pruneEmptyParents removes directories left empty by a file removal,
// walking upward until a non-empty directory or the repository root.
func (c *Client) pruneEmptyParents(abs string) {
	for dir := filepath.Dir(abs); dir != c.root; dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			return
		}
	}
}
