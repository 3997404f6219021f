// Package executor supervises the coding agent subprocess.
package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hochfrequenz/claude-issue-orchestrator/internal/config"
)

// ErrCancelled is returned by Run when its context is cancelled, whatever
// the agent itself reported.
var ErrCancelled = errors.New("agent run cancelled")

// AgentError is a failure reported by, or observed from, the agent process
type AgentError struct {
	Message string
	Stderr  string
	Env     []string
	Err     error
}

func (e *AgentError) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		b.WriteString("\nstderr: ")
		b.WriteString(s)
	}
	if len(e.Env) > 0 {
		b.WriteString("\nenv: ")
		b.WriteString(strings.Join(e.Env, " "))
	}
	return b.String()
}

func (e *AgentError) Unwrap() error { return e.Err }

// Settings configures how the agent is launched
type Settings struct {
	Binary   string
	MaxTurns int
	Model    string
	BotName  string
	BotEmail string
	// GraceDelay is how long an interrupted agent gets before it is killed
	GraceDelay time.Duration
}

// SettingsFromConfig extracts launch settings from the app config
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		Binary:     cfg.Claude.Binary,
		MaxTurns:   cfg.Claude.MaxTurns,
		Model:      cfg.Claude.Model,
		BotName:    cfg.Git.BotName,
		BotEmail:   cfg.Git.BotEmail,
		GraceDelay: 5 * time.Second,
	}
}

// Request describes one agent invocation
type Request struct {
	Prompt          string
	Dir             string
	ResumeSessionID string
	// TranscriptPath receives every raw output line when set
	TranscriptPath string
}

// Result is what a successful run reports
type Result struct {
	SessionID string
	CostUSD   float64
	Text      string
	NumTurns  int
}

// Supervisor runs the agent CLI and translates its event stream
type Supervisor struct {
	settings Settings
	logger   *slog.Logger
}

// New creates a Supervisor
func New(settings Settings, logger *slog.Logger) *Supervisor {
	if settings.Binary == "" {
		settings.Binary = "claude"
	}
	if settings.GraceDelay <= 0 {
		settings.GraceDelay = 5 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Supervisor{settings: settings, logger: logger}
}

// Args returns the command line for req, without the binary
func (s *Supervisor) Args(req Request) []string {
	args := []string{
		"--print",
		"--verbose",
		"--dangerously-skip-permissions",
		"--output-format", "stream-json",
	}
	if s.settings.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(s.settings.MaxTurns))
	}
	if s.settings.Model != "" {
		args = append(args, "--model", s.settings.Model)
	}
	if req.ResumeSessionID != "" {
		args = append(args, "--resume", req.ResumeSessionID)
	}
	return append(args, "-p", req.Prompt)
}

// Run launches the agent in req.Dir and blocks until it exits. onProgress
// receives each progress line as it is produced. Cancelling ctx interrupts
// the agent, kills it after the grace delay and returns ErrCancelled.
func (s *Supervisor) Run(ctx context.Context, req Request, onProgress func(string)) (*Result, error) {
	if onProgress == nil {
		onProgress = func(string) {}
	}
	if err := ctx.Err(); err != nil {
		return nil, ErrCancelled
	}

	env := BuildEnv(os.Environ(), s.settings.BotName, s.settings.BotEmail)

	cmd := exec.CommandContext(ctx, s.settings.Binary, s.Args(req)...)
	cmd.Dir = req.Dir
	cmd.Env = env
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = s.settings.GraceDelay

	pr, pw := io.Pipe()
	stderr := &tailBuffer{max: 16 * 1024}
	cmd.Stdout = pw
	cmd.Stderr = stderr

	var transcript io.Writer = io.Discard
	if req.TranscriptPath != "" {
		f, err := os.OpenFile(req.TranscriptPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			s.logger.Warn("cannot open agent transcript", "path", req.TranscriptPath, "error", err)
		} else {
			defer f.Close()
			transcript = f
		}
	}

	if err := cmd.Start(); err != nil {
		pw.Close()
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}
		return nil, &AgentError{Message: "starting " + s.settings.Binary, Env: envFacts(env), Err: err}
	}
	s.logger.Info("agent started", "pid", cmd.Process.Pid, "dir", req.Dir, "resume", req.ResumeSessionID != "")

	var waitErr error
	done := make(chan struct{})
	go func() {
		waitErr = cmd.Wait()
		pw.Close()
		close(done)
	}()

	var final *streamEvent
	scanner := bufio.NewScanner(pr)
	// Increase buffer size for long JSON lines
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		transcript.Write(line)
		transcript.Write([]byte("\n"))

		ev, ok := parseEvent(line)
		if !ok {
			s.logger.Debug("non-json agent output", "line", string(line))
			continue
		}
		for _, l := range formatEvent(ev) {
			onProgress(l)
		}
		if ev.Type == "result" {
			final = ev
		}
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn("reading agent output", "error", err)
		io.Copy(io.Discard, pr)
	}
	<-done

	if ctx.Err() != nil {
		s.logger.Info("agent cancelled", "cause", context.Cause(ctx))
		return nil, ErrCancelled
	}

	if final == nil {
		return nil, &AgentError{
			Message: "agent exited without a result event",
			Stderr:  stderr.String(),
			Env:     envFacts(env),
			Err:     waitErr,
		}
	}
	if final.failed() {
		msg := "agent reported " + final.Subtype
		if final.Result != "" {
			msg += ": " + final.Result
		}
		return nil, &AgentError{Message: msg, Stderr: stderr.String(), Env: envFacts(env), Err: waitErr}
	}
	if waitErr != nil {
		s.logger.Warn("agent exited non-zero after a successful result", "error", waitErr)
	}

	return &Result{
		SessionID: final.SessionID,
		CostUSD:   final.cost(),
		Text:      final.Result,
		NumTurns:  final.NumTurns,
	}, nil
}

func parseEvent(line []byte) (*streamEvent, bool) {
	if len(line) == 0 || line[0] != '{' {
		return nil, false
	}
	ev := &streamEvent{}
	if err := json.Unmarshal(line, ev); err != nil {
		return nil, false
	}
	return ev, true
}

// tailBuffer keeps the last max bytes written to it
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append([]byte(nil), t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
