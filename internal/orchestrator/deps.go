package orchestrator

import (
	"context"
	"time"

	"github.com/hochfrequenz/claude-issue-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-issue-orchestrator/internal/executor"
	"github.com/hochfrequenz/claude-issue-orchestrator/internal/notify"
	"github.com/hochfrequenz/claude-issue-orchestrator/internal/prompts"
)

// Store is the task record store the orchestrator reads and mutates
type Store interface {
	Get(key string) (*domain.TaskRecord, bool)
	Save(rec *domain.TaskRecord) error
	AppendLog(key, line string) error
	SetStatus(key string, status domain.TaskStatus, patch domain.StatusPatch) error
	Update(key string, fn func(*domain.TaskRecord)) error
	IsCancelRequested(key string) bool
	ClearCancel(key string) error
	SaveParams(key string, params *domain.OrchestrationParams) error
	GetParams(key string) (*domain.OrchestrationParams, bool)
	ClearParams(key string) error
}

// Workspace manages branch-scoped checkouts and plan files
type Workspace interface {
	Checkout(repo string) (string, error)
	CreateOrReuseWorkspace(ctx context.Context, repo, branch, baseBranch string) (string, error)
	InstallDependencies(ctx context.Context, path string) error
	CommitAllChanges(ctx context.Context, path, message string) (bool, error)
	PushBranch(ctx context.Context, path, branch, repo string) error
	PullBranch(ctx context.Context, path, branch, repo string) error
	LatestCommitTime(ctx context.Context, path string) (time.Time, error)
	EnsurePlanDirectory() error
	PlanPath(branch string) string
	ReadPlan(branch string) (string, bool)
	WritePlan(branch, text string) error
}

// AgentRunner runs the coding agent
type AgentRunner interface {
	Run(ctx context.Context, req executor.Request, onProgress func(string)) (*executor.Result, error)
}

// PromptBuilder renders the text handed to the agent
type PromptBuilder interface {
	PlanPrompt(data prompts.PlanData) (string, error)
	ImplementPrompt(data prompts.ImplementData) (string, error)
	FeedbackPrompt(data prompts.FeedbackData) (string, error)
}

// IssueTracker is the subset of the tracker the flows write to
type IssueTracker interface {
	TransitionIssue(ctx context.Context, key, state string) error
	AddComment(ctx context.Context, key, body string) error
}

// CodeHost opens pull requests and interacts with their reviews
type CodeHost interface {
	CreatePullRequest(ctx context.Context, spec domain.PullRequestSpec) (*domain.PullRequest, error)
	FindPullRequest(ctx context.Context, repo, branch string) (*domain.PullRequest, error)
	AddComment(ctx context.Context, repo string, number int, body string) error
	AddReaction(ctx context.Context, repo string, commentID int64, reaction string) error
	ListPullRequestCommits(ctx context.Context, repo string, number int) ([]domain.Commit, error)
	ListReviewComments(ctx context.Context, repo string, number int) ([]domain.ReviewComment, error)
	PullRequestAuthor(ctx context.Context, repo string, number int) (string, error)
}

// Deps bundles the collaborators of an Orchestrator
type Deps struct {
	Store     Store
	Workspace Workspace
	Agent     AgentRunner
	Prompts   PromptBuilder
	Tracker   IssueTracker
	CodeHost  CodeHost
	Notifier  notify.Notifier
}
