// Package issues adapts issue trackers to the orchestrator.
package issues

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/hochfrequenz/claude-issue-orchestrator/internal/config"
	"github.com/hochfrequenz/claude-issue-orchestrator/internal/domain"
)

// ErrInvalidKey is returned for keys the tracker cannot address
var ErrInvalidKey = errors.New("invalid issue key")

// Tracker is the issue tracker surface the CLI and orchestrator use
type Tracker interface {
	FetchIssue(ctx context.Context, key string) (domain.IssueSnapshot, error)
	TransitionIssue(ctx context.Context, key, state string) error
	AddComment(ctx context.Context, key, body string) error
}

// Runner executes gh with args and returns stdout
type Runner func(ctx context.Context, args ...string) ([]byte, error)

// GHRunner runs the real gh binary, authenticating with token when set
func GHRunner(token string) Runner {
	return func(ctx context.Context, args ...string) ([]byte, error) {
		cmd := exec.CommandContext(ctx, "gh", args...)
		cmd.Env = os.Environ()
		if token != "" {
			cmd.Env = append(cmd.Env, "GH_TOKEN="+token)
		}
		out, err := cmd.Output()
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return nil, fmt.Errorf("gh %s: %s: %w", args[0], strings.TrimSpace(string(exitErr.Stderr)), err)
			}
			return nil, fmt.Errorf("gh %s: %w", args[0], err)
		}
		return out, nil
	}
}

// FromConfig returns the tracker selected by tracker.kind
func FromConfig(cfg *config.Config) (Tracker, error) {
	switch cfg.Tracker.Kind {
	case "", "none":
		return Noop{}, nil
	case "github":
		return NewGitHub(cfg.Git.Org, cfg.Tracker.Repo, GHRunner(cfg.Git.Token)), nil
	default:
		return nil, fmt.Errorf("unknown tracker kind %q", cfg.Tracker.Kind)
	}
}

// GitHub tracks issues in GitHub repositories via the gh CLI. Keys look like
// "org/repo#42", "repo#42" (under the configured org) or "#42" (the default repo).
type GitHub struct {
	org         string
	defaultRepo string
	gh          Runner
}

// NewGitHub creates a GitHub tracker
func NewGitHub(org, defaultRepo string, gh Runner) *GitHub {
	return &GitHub{org: org, defaultRepo: defaultRepo, gh: gh}
}

// ParseKey splits an issue key into "owner/repo" and issue number
func (g *GitHub) ParseKey(key string) (string, int, error) {
	repo, num, ok := strings.Cut(strings.TrimSpace(key), "#")
	if !ok {
		return "", 0, fmt.Errorf("%w: %q (want repo#number)", ErrInvalidKey, key)
	}
	n, err := strconv.Atoi(num)
	if err != nil || n <= 0 {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if repo == "" {
		repo = g.defaultRepo
	}
	if repo == "" {
		return "", 0, fmt.Errorf("%w: %q has no repository and tracker.repo is unset", ErrInvalidKey, key)
	}
	if !strings.Contains(repo, "/") && g.org != "" {
		repo = g.org + "/" + repo
	}
	return repo, n, nil
}

type ghIssue struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	URL    string `json:"url"`
}

// FetchIssue loads the issue title, body and URL
func (g *GitHub) FetchIssue(ctx context.Context, key string) (domain.IssueSnapshot, error) {
	repo, n, err := g.ParseKey(key)
	if err != nil {
		return domain.IssueSnapshot{}, err
	}
	out, err := g.gh(ctx, "issue", "view", strconv.Itoa(n), "--repo", repo, "--json", "number,title,body,url")
	if err != nil {
		return domain.IssueSnapshot{}, err
	}
	var issue ghIssue
	if err := json.Unmarshal(out, &issue); err != nil {
		return domain.IssueSnapshot{}, fmt.Errorf("parse gh output: %w", err)
	}
	return domain.IssueSnapshot{Key: key, Summary: issue.Title, URL: issue.URL, Description: issue.Body}, nil
}

// TransitionIssue marks the issue with a label named after state
func (g *GitHub) TransitionIssue(ctx context.Context, key, state string) error {
	if state == "" {
		return nil
	}
	repo, n, err := g.ParseKey(key)
	if err != nil {
		return err
	}
	_, err = g.gh(ctx, "issue", "edit", strconv.Itoa(n), "--repo", repo, "--add-label", state)
	return err
}

// AddComment posts a comment on the issue
func (g *GitHub) AddComment(ctx context.Context, key, body string) error {
	repo, n, err := g.ParseKey(key)
	if err != nil {
		return err
	}
	_, err = g.gh(ctx, "issue", "comment", strconv.Itoa(n), "--repo", repo, "--body", body)
	return err
}

// Noop is used when no tracker is configured. Issues are described entirely
// by what the operator passes on the command line.
type Noop struct{}

func (Noop) FetchIssue(_ context.Context, key string) (domain.IssueSnapshot, error) {
	return domain.IssueSnapshot{Key: key, Summary: key}, nil
}

func (Noop) TransitionIssue(context.Context, string, string) error { return nil }

func (Noop) AddComment(context.Context, string, string) error { return nil }
