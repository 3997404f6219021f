package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAgent writes an executable shell script standing in for the agent CLI
func fakeAgent(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "claude")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return path
}

type progressRecorder struct {
	mu    sync.Mutex
	lines []string
	seen  chan string
}

func newRecorder() *progressRecorder {
	return &progressRecorder{seen: make(chan string, 100)}
}

func (r *progressRecorder) add(line string) {
	r.mu.Lock()
	r.lines = append(r.lines, line)
	r.mu.Unlock()
	r.seen <- line
}

func (r *progressRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

func testSupervisor(binary string) *Supervisor {
	return New(Settings{
		Binary:     binary,
		MaxTurns:   50,
		BotName:    "orch-bot",
		BotEmail:   "bot@example.com",
		GraceDelay: 500 * time.Millisecond,
	}, nil)
}

const successScript = `echo "$@" > args.txt
env > env.txt
echo "agent warming up" >&2
cat <<'EOF'
{"type":"system","subtype":"init","session_id":"sess-1","model":"opus"}
{"type":"assistant","message":{"content":[{"type":"text","text":"I will fix it"},{"type":"tool_use","name":"Bash","input":{"command":"go test ./..."}}]}}
{"type":"user","message":{"content":[{"type":"tool_result","content":"ok"}]}}
{"type":"result","subtype":"success","session_id":"sess-1","total_cost_usd":0.25,"num_turns":3,"result":"Done."}
EOF`

func TestSupervisor_RunSuccess(t *testing.T) {
	dir := t.TempDir()
	transcript := filepath.Join(dir, ".claude-agent.log")
	sup := testSupervisor(fakeAgent(t, successScript))
	rec := newRecorder()

	res, err := sup.Run(context.Background(), Request{
		Prompt:         "fix ENG-42",
		Dir:            dir,
		TranscriptPath: transcript,
	}, rec.add)
	require.NoError(t, err)

	assert.Equal(t, "sess-1", res.SessionID)
	assert.Equal(t, 0.25, res.CostUSD)
	assert.Equal(t, "Done.", res.Text)
	assert.Equal(t, []string{
		"[init] session sess-1 (model opus)",
		"[claude] I will fix it",
		"[bash] go test ./...",
		"[result] success (cost: $0.2500, turns: 3)",
	}, rec.all())

	args, err := os.ReadFile(filepath.Join(dir, "args.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(args), "--dangerously-skip-permissions")
	assert.Contains(t, string(args), "--output-format stream-json")
	assert.Contains(t, string(args), "--max-turns 50")
	assert.NotContains(t, string(args), "--resume")

	env, err := os.ReadFile(filepath.Join(dir, "env.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(env), "GIT_AUTHOR_NAME=orch-bot")
	assert.Contains(t, string(env), "GIT_COMMITTER_EMAIL=bot@example.com")

	raw, err := os.ReadFile(transcript)
	require.NoError(t, err)
	assert.Equal(t, 4, strings.Count(string(raw), "\n"))
}

func TestSupervisor_Args(t *testing.T) {
	sup := New(Settings{MaxTurns: 10, Model: "sonnet"}, nil)
	args := sup.Args(Request{Prompt: "p", ResumeSessionID: "sess-9"})

	assert.Equal(t, []string{
		"--print", "--verbose", "--dangerously-skip-permissions",
		"--output-format", "stream-json",
		"--max-turns", "10", "--model", "sonnet",
		"--resume", "sess-9", "-p", "p",
	}, args)
}

func TestSupervisor_LegacyCostField(t *testing.T) {
	sup := testSupervisor(fakeAgent(t, `echo '{"type":"result","subtype":"success","session_id":"s","cost_usd":0.07}'`))

	res, err := sup.Run(context.Background(), Request{Prompt: "p", Dir: t.TempDir()}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.07, res.CostUSD)
}

func TestSupervisor_ErrorResult(t *testing.T) {
	sup := testSupervisor(fakeAgent(t, `echo "rate limited" >&2
echo '{"type":"result","subtype":"error_max_turns","is_error":true,"session_id":"s"}'
exit 1`))

	_, err := sup.Run(context.Background(), Request{Prompt: "p", Dir: t.TempDir()}, nil)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrCancelled))

	var agentErr *AgentError
	require.True(t, errors.As(err, &agentErr))
	assert.Contains(t, agentErr.Message, "error_max_turns")
	assert.Contains(t, agentErr.Stderr, "rate limited")
	assert.Contains(t, err.Error(), "HOME=")
}

func TestSupervisor_MissingResult(t *testing.T) {
	sup := testSupervisor(fakeAgent(t, `echo '{"type":"system","subtype":"init","session_id":"s"}'`))

	_, err := sup.Run(context.Background(), Request{Prompt: "p", Dir: t.TempDir()}, nil)

	var agentErr *AgentError
	require.True(t, errors.As(err, &agentErr))
	assert.Contains(t, agentErr.Message, "without a result")
}

func TestSupervisor_StartFailure(t *testing.T) {
	sup := testSupervisor(filepath.Join(t.TempDir(), "no-such-agent"))

	_, err := sup.Run(context.Background(), Request{Prompt: "p", Dir: t.TempDir()}, nil)

	var agentErr *AgentError
	require.True(t, errors.As(err, &agentErr))
	assert.Contains(t, agentErr.Message, "starting")
}

func TestSupervisor_Cancel(t *testing.T) {
	sup := testSupervisor(fakeAgent(t, `echo '{"type":"system","subtype":"init","session_id":"s"}'
exec sleep 30`))
	rec := newRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		_, err := sup.Run(ctx, Request{Prompt: "p", Dir: t.TempDir()}, rec.add)
		errCh <- err
	}()

	select {
	case <-rec.seen:
	case <-time.After(5 * time.Second):
		t.Fatal("agent never started")
	}
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// An agent that answers the interrupt with an error result is still reported
// as cancelled.
func TestSupervisor_CancelWinsOverAgentError(t *testing.T) {
	sup := testSupervisor(fakeAgent(t, `trap 'echo "{\"type\":\"result\",\"subtype\":\"error_during_execution\",\"is_error\":true}"; exit 1' INT
echo '{"type":"system","subtype":"init","session_id":"s"}'
while :; do sleep 0.1; done`))
	rec := newRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		_, err := sup.Run(ctx, Request{Prompt: "p", Dir: t.TempDir()}, rec.add)
		errCh <- err
	}()

	<-rec.seen
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrCancelled)
		var agentErr *AgentError
		assert.False(t, errors.As(err, &agentErr))
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSupervisor_AlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := testSupervisor("claude").Run(ctx, Request{Prompt: "p", Dir: t.TempDir()}, nil)
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestBuildEnv(t *testing.T) {
	env := BuildEnv([]string{"PATH=/custom/bin", "GIT_AUTHOR_NAME=someone", "FOO=bar"}, "orch-bot", "bot@example.com")

	vars := map[string]string{}
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		vars[k] = v
	}
	assert.Equal(t, "bar", vars["FOO"])
	assert.True(t, strings.HasPrefix(vars["PATH"], "/custom/bin"))
	assert.NotEmpty(t, vars["HOME"])
	assert.NotEmpty(t, vars["USER"])
	assert.Equal(t, "orch-bot", vars["GIT_AUTHOR_NAME"])
	assert.Equal(t, "bot@example.com", vars["GIT_COMMITTER_EMAIL"])
}

func TestBuildEnv_EmptyHost(t *testing.T) {
	env := BuildEnv(nil, "", "")
	joined := strings.Join(env, "\n")
	assert.Contains(t, joined, "PATH="+defaultPath)
	assert.Contains(t, joined, "HOME=")
	assert.NotContains(t, joined, "GIT_AUTHOR_NAME")
}
