package workspace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// CommandError is returned when an external command exits unsuccessfully.
// Credentials are redacted from Args and Output.
type CommandError struct {
	Args   []string
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("%s: %v", strings.Join(e.Args, " "), e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", strings.Join(e.Args, " "), out, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// run executes name with args in dir and returns trimmed combined output
func (m *Manager) run(ctx context.Context, dir string, env []string, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	cmd.Env = append(cmd.Env, env...)

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	start := time.Now()
	err := cmd.Run()
	m.logger.Debug("command finished",
		"cmd", m.redact(name+" "+strings.Join(args, " ")),
		"dir", dir,
		"duration", time.Since(start),
		"error", err)

	out := buf.String()
	if err != nil {
		redacted := make([]string, 0, len(args)+1)
		redacted = append(redacted, name)
		for _, a := range args {
			redacted = append(redacted, m.redact(a))
		}
		return out, &CommandError{Args: redacted, Output: m.redact(out), Err: err}
	}
	return strings.TrimSpace(out), nil
}

func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	return m.run(ctx, dir, nil, "git", args...)
}

// gitAs runs git with the bot identity as author and committer
func (m *Manager) gitAs(ctx context.Context, dir string, args ...string) (string, error) {
	g := m.cfg.Git
	full := append([]string{"-c", "user.name=" + g.BotName, "-c", "user.email=" + g.BotEmail}, args...)
	return m.run(ctx, dir, IdentityEnv(g.BotName, g.BotEmail), "git", full...)
}

// IdentityEnv returns the variables that pin git author and committer
func IdentityEnv(name, email string) []string {
	return []string{
		"GIT_AUTHOR_NAME=" + name,
		"GIT_AUTHOR_EMAIL=" + email,
		"GIT_COMMITTER_NAME=" + name,
		"GIT_COMMITTER_EMAIL=" + email,
	}
}

func (m *Manager) redact(s string) string {
	if tok := m.cfg.Git.Token; tok != "" {
		return strings.ReplaceAll(s, tok, "***")
	}
	return s
}

// exitCode returns the process exit code carried by err, or -1
func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// CommitAllChanges formats changed files, stages everything and commits if
// anything is staged. It reports whether a commit was created.
func (m *Manager) CommitAllChanges(ctx context.Context, path, message string) (bool, error) {
	m.formatChanged(ctx, path)

	if _, err := m.git(ctx, path, "add", "-A", "--", ".", ":(exclude)"+TranscriptName); err != nil {
		return false, err
	}

	_, err := m.git(ctx, path, "diff", "--cached", "--quiet")
	if err == nil {
		return false, nil
	}
	if exitCode(err) != 1 {
		return false, err
	}

	if _, err := m.gitAs(ctx, path, "commit", "-m", message); err != nil {
		return false, err
	}
	return true, nil
}

// formatChanged runs the configured formatter over modified and untracked
// files. Failures are logged and ignored.
func (m *Manager) formatChanged(ctx context.Context, path string) {
	formatter := m.cfg.Git.Formatter
	if len(formatter) == 0 {
		return
	}

	files, err := m.changedFiles(ctx, path)
	if err != nil {
		m.logger.Warn("listing changed files for formatter", "path", path, "error", err)
		return
	}
	if len(files) == 0 {
		return
	}

	args := append(append([]string{}, formatter[1:]...), files...)
	if _, err := m.run(ctx, path, nil, formatter[0], args...); err != nil {
		m.logger.Warn("formatter failed, committing unformatted", "path", path, "error", err)
	}
}

func (m *Manager) changedFiles(ctx context.Context, path string) ([]string, error) {
	modified, err := m.git(ctx, path, "diff", "--name-only", "--diff-filter=d", "HEAD")
	if err != nil {
		return nil, err
	}
	untracked, err := m.git(ctx, path, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, err
	}

	var files []string
	for _, out := range []string{modified, untracked} {
		for _, f := range strings.Split(out, "\n") {
			if f = strings.TrimSpace(f); f != "" && f != TranscriptName {
				files = append(files, f)
			}
		}
	}
	return files, nil
}

// PushBranch pushes HEAD to branch on the canonical upstream of repo
func (m *Manager) PushBranch(ctx context.Context, path, branch, repo string) error {
	_, err := m.git(ctx, path, "push", m.cfg.Git.RemoteURL(repo), "HEAD:refs/heads/"+branch)
	return err
}

// PullBranch rebases the local branch onto the upstream branch of repo
func (m *Manager) PullBranch(ctx context.Context, path, branch, repo string) error {
	_, err := m.gitAs(ctx, path, "pull", "--rebase", m.cfg.Git.RemoteURL(repo), branch)
	return err
}

// LatestCommitTime returns the committer time of HEAD in path
func (m *Manager) LatestCommitTime(ctx context.Context, path string) (time.Time, error) {
	out, err := m.git(ctx, path, "log", "-1", "--format=%cI")
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339, out)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse commit time %q: %w", out, err)
	}
	return t, nil
}
