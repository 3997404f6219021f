package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/claude-issue-orchestrator/internal/config"
	"github.com/hochfrequenz/claude-issue-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-issue-orchestrator/internal/executor"
	"github.com/hochfrequenz/claude-issue-orchestrator/internal/notify"
	"github.com/hochfrequenz/claude-issue-orchestrator/internal/prompts"
	"github.com/hochfrequenz/claude-issue-orchestrator/internal/taskstore"
	"github.com/hochfrequenz/claude-issue-orchestrator/internal/workspace"
	"github.com/stretchr/testify/require"
)

// recordingStore remembers every status written per key
type recordingStore struct {
	*taskstore.Store
	mu       sync.Mutex
	statuses map[string][]domain.TaskStatus
}

func (r *recordingStore) SetStatus(key string, status domain.TaskStatus, patch domain.StatusPatch) error {
	r.mu.Lock()
	r.statuses[key] = append(r.statuses[key], status)
	r.mu.Unlock()
	return r.Store.SetStatus(key, status, patch)
}

func (r *recordingStore) history(key string) []domain.TaskStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.TaskStatus(nil), r.statuses[key]...)
}

type fakeWorkspace struct {
	mu        sync.Mutex
	root      string
	plansDir  string
	repos     map[string]bool
	calls     []string
	dirty     bool
	pushErr   error
	pullErr   error
	onInstall func()
}

func (w *fakeWorkspace) record(call string) {
	w.mu.Lock()
	w.calls = append(w.calls, call)
	w.mu.Unlock()
}

func (w *fakeWorkspace) callLog() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.calls...)
}

func (w *fakeWorkspace) Checkout(repo string) (string, error) {
	if !w.repos[repo] {
		return "", workspace.ErrRepoNotConfigured
	}
	return filepath.Join(w.root, "checkouts", repo), nil
}

func (w *fakeWorkspace) CreateOrReuseWorkspace(_ context.Context, repo, branch, _ string) (string, error) {
	w.record("create")
	path := filepath.Join(w.root, "worktrees", repo, workspace.Slug(branch))
	return path, os.MkdirAll(path, 0755)
}

func (w *fakeWorkspace) InstallDependencies(context.Context, string) error {
	w.record("install")
	if w.onInstall != nil {
		w.onInstall()
	}
	return nil
}

func (w *fakeWorkspace) CommitAllChanges(context.Context, string, string) (bool, error) {
	w.record("commit")
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dirty {
		w.dirty = false
		return true, nil
	}
	return false, nil
}

func (w *fakeWorkspace) PushBranch(context.Context, string, string, string) error {
	w.record("push")
	return w.pushErr
}

func (w *fakeWorkspace) PullBranch(context.Context, string, string, string) error {
	w.record("pull")
	return w.pullErr
}

func (w *fakeWorkspace) LatestCommitTime(context.Context, string) (time.Time, error) {
	return time.Time{}, nil
}

func (w *fakeWorkspace) EnsurePlanDirectory() error {
	return os.MkdirAll(w.plansDir, 0755)
}

func (w *fakeWorkspace) PlanPath(branch string) string {
	return filepath.Join(w.plansDir, workspace.Slug(branch)+".md")
}

func (w *fakeWorkspace) ReadPlan(branch string) (string, bool) {
	data, err := os.ReadFile(w.PlanPath(branch))
	if err != nil {
		return "", false
	}
	return string(data), true
}

func (w *fakeWorkspace) WritePlan(branch, text string) error {
	if err := w.EnsurePlanDirectory(); err != nil {
		return err
	}
	return os.WriteFile(w.PlanPath(branch), []byte(text), 0644)
}

type agentFunc func(ctx context.Context, req executor.Request, onProgress func(string)) (*executor.Result, error)

type fakeAgent struct {
	mu   sync.Mutex
	reqs []executor.Request
	run  agentFunc
}

func (a *fakeAgent) Run(ctx context.Context, req executor.Request, onProgress func(string)) (*executor.Result, error) {
	a.mu.Lock()
	a.reqs = append(a.reqs, req)
	run := a.run
	a.mu.Unlock()
	return run(ctx, req, onProgress)
}

func (a *fakeAgent) requests() []executor.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]executor.Request(nil), a.reqs...)
}

func succeed(text string) agentFunc {
	return func(_ context.Context, _ executor.Request, onProgress func(string)) (*executor.Result, error) {
		onProgress("[claude] working on it")
		return &executor.Result{SessionID: "sess-1", CostUSD: 0.5, Text: text}, nil
	}
}

func blockUntilCancelled(ctx context.Context, _ executor.Request, onProgress func(string)) (*executor.Result, error) {
	onProgress("[init] session sess-1 (model opus)")
	<-ctx.Done()
	return nil, executor.ErrCancelled
}

type reaction struct {
	id      int64
	content string
}

type fakeCodeHost struct {
	mu        sync.Mutex
	specs     []domain.PullRequestSpec
	existing  *domain.PullRequest
	comments  []string
	reactions []reaction
	author    string
	commits   []domain.Commit
	review    []domain.ReviewComment
}

func (h *fakeCodeHost) CreatePullRequest(_ context.Context, spec domain.PullRequestSpec) (*domain.PullRequest, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.specs = append(h.specs, spec)
	return &domain.PullRequest{Number: 7, URL: "https://github.com/acme/svc/pull/7"}, nil
}

func (h *fakeCodeHost) FindPullRequest(context.Context, string, string) (*domain.PullRequest, error) {
	return h.existing, nil
}

func (h *fakeCodeHost) AddComment(_ context.Context, _ string, _ int, body string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.comments = append(h.comments, body)
	return nil
}

func (h *fakeCodeHost) AddReaction(_ context.Context, _ string, id int64, content string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reactions = append(h.reactions, reaction{id, content})
	return nil
}

func (h *fakeCodeHost) ListPullRequestCommits(context.Context, string, int) ([]domain.Commit, error) {
	return h.commits, nil
}

func (h *fakeCodeHost) ListReviewComments(context.Context, string, int) ([]domain.ReviewComment, error) {
	return h.review, nil
}

func (h *fakeCodeHost) PullRequestAuthor(context.Context, string, int) (string, error) {
	return h.author, nil
}

type fakeTracker struct {
	mu          sync.Mutex
	transitions []string
	comments    []string
	err         error
}

func (f *fakeTracker) TransitionIssue(_ context.Context, _, state string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions = append(f.transitions, state)
	return f.err
}

func (f *fakeTracker) AddComment(_ context.Context, _, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, body)
	return f.err
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (f *fakeNotifier) Send(_ context.Context, n notify.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return nil
}

type harness struct {
	cfg      *config.Config
	store    *recordingStore
	ws       *fakeWorkspace
	agent    *fakeAgent
	host     *fakeCodeHost
	tracker  *fakeTracker
	notifier *fakeNotifier
	orch     *Orchestrator
	disp     *Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()

	store, err := taskstore.New(filepath.Join(root, "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	h := &harness{
		cfg:   cfg,
		store: &recordingStore{Store: store, statuses: map[string][]domain.TaskStatus{}},
		ws: &fakeWorkspace{
			root:     root,
			plansDir: filepath.Join(root, "plans"),
			repos:    map[string]bool{"svc": true},
		},
		agent:    &fakeAgent{run: succeed("Raised the HTTP timeout to 30s.")},
		host:     &fakeCodeHost{author: "issue-orchestrator[bot]"},
		tracker:  &fakeTracker{},
		notifier: &fakeNotifier{},
	}
	h.orch = New(cfg, Deps{
		Store:     h.store,
		Workspace: h.ws,
		Agent:     h.agent,
		Prompts:   prompts.NewLoader(),
		Tracker:   h.tracker,
		CodeHost:  h.host,
		Notifier:  h.notifier,
	}, nil)
	h.orch.SetPollInterval(20 * time.Millisecond)
	h.disp = NewDispatcher(h.orch, nil, nil)
	return h
}

func eng42Work() domain.WorkParams {
	return domain.WorkParams{
		Issue: domain.IssueSnapshot{
			Key:         "ENG-42",
			Summary:     "Fix timeout",
			URL:         "https://tracker.example.com/ENG-42",
			Description: "Requests to the upstream service time out after 5s.",
		},
		RepoName:   "svc",
		BranchName: "fix-timeout-ENG-42",
		BaseBranch: "main",
	}
}
