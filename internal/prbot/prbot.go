// Package prbot talks to GitHub pull requests through the gh CLI.
package prbot

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/hochfrequenz/claude-issue-orchestrator/internal/domain"
)

const prBodyTemplate = `## Summary
Resolves %s: %s
%s
## Changes
%s

---
Autonomous implementation by Issue Orchestrator
`

// ReactionAddressed marks a review comment as handled
const ReactionAddressed = "+1"

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
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		out, err := cmd.Output()
		if err != nil {
			return nil, fmt.Errorf("gh %s: %s: %w", args[0], strings.TrimSpace(stderr.String()), err)
		}
		return out, nil
	}
}

// PRBot handles PR creation and review interaction
type PRBot struct {
	org string
	gh  Runner
}

// NewPRBot creates a PRBot for repositories under org
func NewPRBot(org string, gh Runner) *PRBot {
	return &PRBot{org: org, gh: gh}
}

func (p *PRBot) slug(repo string) string {
	if strings.Contains(repo, "/") || p.org == "" {
		return repo
	}
	return p.org + "/" + repo
}

// BuildTitle returns the pull request title for an issue
func BuildTitle(issueKey, summary string) string {
	return fmt.Sprintf("%s: %s", issueKey, summary)
}

// BuildPRBody constructs the PR body
func BuildPRBody(issue domain.IssueSnapshot, changeSummary string) string {
	link := ""
	if issue.URL != "" {
		link = "\n" + issue.URL + "\n"
	}
	if strings.TrimSpace(changeSummary) == "" {
		changeSummary = "See commits."
	}
	return fmt.Sprintf(prBodyTemplate, issue.Key, issue.Summary, link, changeSummary)
}

// CreatePullRequest opens a pull request and returns its URL and number
func (p *PRBot) CreatePullRequest(ctx context.Context, spec domain.PullRequestSpec) (*domain.PullRequest, error) {
	out, err := p.gh(ctx, "pr", "create",
		"--repo", p.slug(spec.Repo),
		"--head", spec.Head,
		"--base", spec.Base,
		"--title", spec.Title,
		"--body", spec.Body,
	)
	if err != nil {
		return nil, err
	}

	url := lastLine(string(out))
	num := extractPRNumber(url)
	if num == 0 {
		return nil, fmt.Errorf("gh pr create: unexpected output %q", strings.TrimSpace(string(out)))
	}
	return &domain.PullRequest{Number: num, URL: url}, nil
}

// FindPullRequest returns the open pull request for branch, or nil
func (p *PRBot) FindPullRequest(ctx context.Context, repo, branch string) (*domain.PullRequest, error) {
	out, err := p.gh(ctx, "pr", "list", "--repo", p.slug(repo), "--head", branch, "--json", "number,url", "--limit", "1")
	if err != nil {
		return nil, err
	}
	var prs []domain.PullRequest
	if err := json.Unmarshal(out, &prs); err != nil {
		return nil, fmt.Errorf("parse gh pr list: %w", err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return &prs[0], nil
}

// AddComment posts a comment on a pull request
func (p *PRBot) AddComment(ctx context.Context, repo string, number int, body string) error {
	_, err := p.gh(ctx, "pr", "comment", strconv.Itoa(number), "--repo", p.slug(repo), "--body", body)
	return err
}

// AddReaction reacts to a review comment
func (p *PRBot) AddReaction(ctx context.Context, repo string, commentID int64, reaction string) error {
	_, err := p.gh(ctx, "api", "--method", "POST",
		fmt.Sprintf("repos/%s/pulls/comments/%d/reactions", p.slug(repo), commentID),
		"-f", "content="+reaction)
	return err
}

// ListPullRequestCommits returns the commits of a pull request
func (p *PRBot) ListPullRequestCommits(ctx context.Context, repo string, number int) ([]domain.Commit, error) {
	out, err := p.gh(ctx, "api", "--paginate",
		fmt.Sprintf("repos/%s/pulls/%d/commits", p.slug(repo), number),
		"--jq", ".[] | {sha: .sha, date: .commit.committer.date}")
	if err != nil {
		return nil, err
	}
	return decodeLines[domain.Commit](out)
}

// ListReviewComments returns the inline review comments of a pull request
func (p *PRBot) ListReviewComments(ctx context.Context, repo string, number int) ([]domain.ReviewComment, error) {
	out, err := p.gh(ctx, "api", "--paginate",
		fmt.Sprintf("repos/%s/pulls/%d/comments", p.slug(repo), number),
		"--jq", ".[] | {id: .id, author: .user.login, body: .body, created_at: .created_at}")
	if err != nil {
		return nil, err
	}
	return decodeLines[domain.ReviewComment](out)
}

// PullRequestAuthor returns the login that opened the pull request
func (p *PRBot) PullRequestAuthor(ctx context.Context, repo string, number int) (string, error) {
	out, err := p.gh(ctx, "pr", "view", strconv.Itoa(number), "--repo", p.slug(repo), "--json", "author", "--jq", ".author.login")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// decodeLines parses one JSON object per line, as produced by gh --jq
func decodeLines[T any](out []byte) ([]T, error) {
	var items []T
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var item T
		if err := json.Unmarshal(line, &item); err != nil {
			return nil, fmt.Errorf("parse gh output: %w", err)
		}
		items = append(items, item)
	}
	return items, scanner.Err()
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func extractPRNumber(url string) int {
	// URL format: https://github.com/owner/repo/pull/123
	parts := strings.Split(strings.TrimRight(url, "/"), "/")
	if len(parts) < 2 || parts[len(parts)-2] != "pull" {
		return 0
	}
	num, _ := strconv.Atoi(parts[len(parts)-1])
	return num
}
