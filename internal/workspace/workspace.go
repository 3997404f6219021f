// Package workspace manages the branch-scoped git worktrees tasks run in.
package workspace

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/hochfrequenz/claude-issue-orchestrator/internal/config"
)

var (
	// ErrRepoNotConfigured means no local checkout is mapped for the repository
	ErrRepoNotConfigured = errors.New("repository not configured")
	// ErrCheckoutMissing means the mapped checkout is not a git repository
	ErrCheckoutMissing = errors.New("local checkout missing")
)

// Manager creates and maintains task workspaces
type Manager struct {
	cfg    *config.Config
	logger *slog.Logger
}

// New creates a Manager. A nil logger discards output.
func New(cfg *config.Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{cfg: cfg, logger: logger}
}

var unsafeSlug = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Slug turns a branch name into a single path segment. Names that are
// already safe segments are kept as is; any name that had to be rewritten
// gets a short hash of the original, so "feat/x" and "feat-x" never share
// a workspace or plan file.
func Slug(branch string) string {
	s := strings.Trim(unsafeSlug.ReplaceAllString(branch, "-"), "-.")
	if s != "" && s == branch {
		return s
	}
	if s == "" {
		s = "branch"
	}
	sum := sha256.Sum256([]byte(branch))
	return s + "-" + hex.EncodeToString(sum[:4])
}

// ResolveWorkspacePath returns the worktree location for repo and branch
func (m *Manager) ResolveWorkspacePath(repo, branch string) string {
	return filepath.Join(m.cfg.General.WorktreeDir, repo, Slug(branch))
}

// Checkout returns the local checkout configured for repo
func (m *Manager) Checkout(repo string) (string, error) {
	dir, ok := m.cfg.RepoCheckout(repo)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrRepoNotConfigured, repo)
	}
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		return "", fmt.Errorf("%w: %s (%s)", ErrCheckoutMissing, repo, dir)
	}
	return dir, nil
}

// CreateOrReuseWorkspace returns a worktree for branch. An existing valid
// worktree is reused after syncing remote-tracking refs. Otherwise the branch
// is checked out tracking its upstream if one exists, or forked from
// origin/<baseBranch>.
func (m *Manager) CreateOrReuseWorkspace(ctx context.Context, repo, branch, baseBranch string) (string, error) {
	checkout, err := m.Checkout(repo)
	if err != nil {
		return "", err
	}
	path := m.ResolveWorkspacePath(repo, branch)
	url := m.cfg.Git.RemoteURL(repo)

	if _, err := os.Stat(path); err == nil {
		if m.isWorktree(ctx, path) {
			if err := m.fetchRefs(ctx, checkout, url); err != nil {
				return "", err
			}
			m.logger.Debug("reusing workspace", "path", path)
			return path, nil
		}
		m.logger.Warn("workspace is not a valid worktree, recreating", "path", path)
		_, _ = m.git(ctx, checkout, "worktree", "remove", "--force", path)
		if err := os.RemoveAll(path); err != nil {
			return "", fmt.Errorf("removing broken workspace: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating worktree dir: %w", err)
	}
	if _, err := m.git(ctx, checkout, "worktree", "prune"); err != nil {
		return "", err
	}
	if err := m.fetchRefs(ctx, checkout, url); err != nil {
		return "", err
	}

	upstream, err := m.git(ctx, checkout, "ls-remote", "--heads", url, "refs/heads/"+branch)
	if err != nil {
		return "", err
	}

	local := m.localBranchExists(ctx, checkout, branch)
	switch {
	case upstream != "" && local && m.hasUnpushedCommits(ctx, checkout, branch):
		m.logger.Warn("local branch has commits not on upstream, keeping it", "branch", branch, "path", path)
		_, err = m.git(ctx, checkout, "worktree", "add", path, branch)
	case upstream != "":
		_, err = m.git(ctx, checkout, "worktree", "add", "--track", "-B", branch, path, "origin/"+branch)
	case local:
		_, err = m.git(ctx, checkout, "worktree", "add", path, branch)
	default:
		_, err = m.git(ctx, checkout, "worktree", "add", "--no-track", "-b", branch, path, "origin/"+baseBranch)
	}
	if err != nil {
		return "", err
	}
	return path, nil
}

// fetchRefs updates refs/remotes/origin/* in checkout from the canonical URL
func (m *Manager) fetchRefs(ctx context.Context, checkout, url string) error {
	_, err := m.git(ctx, checkout, "fetch", "--prune", url, "+refs/heads/*:refs/remotes/origin/*")
	return err
}

func (m *Manager) isWorktree(ctx context.Context, path string) bool {
	top, err := m.git(ctx, path, "rev-parse", "--show-toplevel")
	if err != nil {
		return false
	}
	want, err1 := filepath.EvalSymlinks(path)
	got, err2 := filepath.EvalSymlinks(top)
	return err1 == nil && err2 == nil && want == got
}

func (m *Manager) localBranchExists(ctx context.Context, checkout, branch string) bool {
	_, err := m.git(ctx, checkout, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// hasUnpushedCommits reports whether the local branch holds commits that
// origin/<branch> does not
func (m *Manager) hasUnpushedCommits(ctx context.Context, checkout, branch string) bool {
	out, err := m.git(ctx, checkout, "rev-list", "--count", "origin/"+branch+"..refs/heads/"+branch)
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) != "0"
}

// RemoveWorkspace deletes the worktree for repo and branch. The branch is kept.
func (m *Manager) RemoveWorkspace(ctx context.Context, repo, branch string) error {
	path := m.ResolveWorkspacePath(repo, branch)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	checkout, err := m.Checkout(repo)
	if err != nil {
		return os.RemoveAll(path)
	}
	if _, err := m.git(ctx, checkout, "worktree", "remove", "--force", path); err != nil {
		m.logger.Warn("git worktree remove failed, deleting directory", "path", path, "error", err)
		if err := os.RemoveAll(path); err != nil {
			return err
		}
	}
	_, err = m.git(ctx, checkout, "worktree", "prune")
	return err
}
