package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/claude-issue-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-issue-orchestrator/internal/executor"
	"github.com/hochfrequenz/claude-issue-orchestrator/internal/issues"
	"github.com/hochfrequenz/claude-issue-orchestrator/internal/prbot"
	"github.com/hochfrequenz/claude-issue-orchestrator/internal/prompts"
	"github.com/hochfrequenz/claude-issue-orchestrator/internal/workspace"
)

// maxPRSummary caps how much of the agent's final message lands in the PR body
const maxPRSummary = 4000

// initRecord creates the record for a plan or implement run, or resets an
// existing one to initializing while keeping its session, cost and PR.
func (o *Orchestrator) initRecord(p *domain.OrchestrationParams) (*domain.TaskRecord, error) {
	w := p.Work
	rec, ok := o.store.Get(w.Issue.Key)
	if !ok {
		rec = domain.NewTaskRecord(w.Issue, w.RepoName, w.BranchName, w.BaseBranch)
	} else {
		rec.IssueSummary = w.Issue.Summary
		rec.IssueURL = w.Issue.URL
		rec.RepoName = w.RepoName
		rec.BranchName = w.BranchName
		rec.BaseBranch = w.BaseBranch
		rec.Status = domain.StatusInitializing
		rec.Error = ""
	}
	if err := o.store.Save(rec); err != nil {
		return nil, fmt.Errorf("save task record: %w", err)
	}
	return rec, nil
}

// prepareWorkspace runs the steps shared by plan and implement: record
// initialization and workspace creation.
func (o *Orchestrator) prepareWorkspace(ctx context.Context, p *domain.OrchestrationParams) (*domain.TaskRecord, string, error) {
	w := p.Work
	key := w.Issue.Key

	rec, err := o.initRecord(p)
	if err != nil {
		return nil, "", err
	}
	o.log(key, fmt.Sprintf("Starting %s for %s on %s/%s (base %s)", p.Mode, key, w.RepoName, w.BranchName, w.BaseBranch))

	if err := o.checkCancelled(ctx, key); err != nil {
		return nil, "", err
	}
	o.log(key, "Creating workspace")
	path, err := o.ws.CreateOrReuseWorkspace(ctx, w.RepoName, w.BranchName, w.BaseBranch)
	if err != nil {
		return nil, "", err
	}
	if err := o.transition(key, domain.StatusWorktreeCreated, domain.StatusPatch{WorktreePath: &path},
		"Workspace ready at "+path); err != nil {
		return nil, "", err
	}
	rec.WorktreePath = path
	return rec, path, nil
}

func (o *Orchestrator) runPlan(ctx context.Context, w *domain.WorkParams) error {
	key := w.Issue.Key
	rec, path, err := o.prepareWorkspace(ctx, domain.NewPlanParams(*w))
	if err != nil {
		return err
	}

	if err := o.ws.EnsurePlanDirectory(); err != nil {
		return fmt.Errorf("create plan directory: %w", err)
	}
	planPath := o.ws.PlanPath(w.BranchName)
	prior, hasPrior := o.ws.ReadPlan(w.BranchName)

	data := prompts.PlanData{
		Issue:            w.Issue,
		RepoName:         w.RepoName,
		BranchName:       w.BranchName,
		BaseBranch:       w.BaseBranch,
		UserInstructions: w.UserInstructions,
		PlanPath:         planPath,
	}
	var resume string
	if w.UpdateExistingPlan && hasPrior {
		data.ExistingPlan = prior
		resume = rec.ClaudeSessionID
	}
	prompt, err := o.prompts.PlanPrompt(data)
	if err != nil {
		return fmt.Errorf("build plan prompt: %w", err)
	}

	if err := o.checkCancelled(ctx, key); err != nil {
		return err
	}
	line := "Running agent to write the plan"
	if resume != "" {
		line = "Resuming agent session to revise the plan"
	}
	if err := o.transition(key, domain.StatusPlanning, domain.StatusPatch{}, line); err != nil {
		return err
	}
	res, err := o.runAgent(ctx, key, executor.Request{
		Prompt:          prompt,
		Dir:             path,
		ResumeSessionID: resume,
		TranscriptPath:  workspace.TranscriptPath(path),
	})
	if err != nil {
		return err
	}

	written, ok := o.ws.ReadPlan(w.BranchName)
	if !ok || (hasPrior && written == prior) {
		text := strings.TrimSpace(res.Text)
		if text == "" {
			return errors.New("agent finished without writing a plan")
		}
		if err := o.ws.WritePlan(w.BranchName, text+"\n"); err != nil {
			return fmt.Errorf("write plan: %w", err)
		}
		o.log(key, "Saved the agent's final message as the plan")
	}

	return o.transition(key, domain.StatusPlanComplete, domain.StatusPatch{}, "Plan written to "+planPath)
}

func (o *Orchestrator) runImplement(ctx context.Context, w *domain.WorkParams) error {
	key := w.Issue.Key
	rec, path, err := o.prepareWorkspace(ctx, domain.NewImplementParams(*w))
	if err != nil {
		return err
	}
	o.trackerTransition(ctx, key, o.cfg.Tracker.InProgressState)

	if err := o.checkCancelled(ctx, key); err != nil {
		return err
	}
	o.log(key, "Installing dependencies")
	if err := o.ws.InstallDependencies(ctx, path); err != nil {
		return err
	}
	if err := o.transition(key, domain.StatusDependenciesInstalled, domain.StatusPatch{}, "Dependencies installed"); err != nil {
		return err
	}

	data := prompts.ImplementData{
		Issue:            w.Issue,
		RepoName:         w.RepoName,
		BranchName:       w.BranchName,
		BaseBranch:       w.BaseBranch,
		UserInstructions: w.UserInstructions,
	}
	if plan, ok := o.ws.ReadPlan(w.BranchName); ok {
		data.Plan = plan
		o.log(key, "Including existing plan from "+o.ws.PlanPath(w.BranchName))
	}
	prompt, err := o.prompts.ImplementPrompt(data)
	if err != nil {
		return fmt.Errorf("build implement prompt: %w", err)
	}

	if err := o.checkCancelled(ctx, key); err != nil {
		return err
	}
	if err := o.transition(key, domain.StatusImplementing, domain.StatusPatch{}, "Running agent"); err != nil {
		return err
	}
	res, err := o.runAgent(ctx, key, executor.Request{
		Prompt:         prompt,
		Dir:            path,
		TranscriptPath: workspace.TranscriptPath(path),
	})
	if err != nil {
		return err
	}

	if err := o.transition(key, domain.StatusImplementationComplete, domain.StatusPatch{}, "Committing remaining changes"); err != nil {
		return err
	}
	if err := o.commit(ctx, key, path, fmt.Sprintf("%s: %s", key, w.Issue.Summary)); err != nil {
		return err
	}

	if err := o.transition(key, domain.StatusPushing, domain.StatusPatch{}, "Pushing "+w.BranchName); err != nil {
		return err
	}
	if err := o.ws.PushBranch(ctx, path, w.BranchName, w.RepoName); err != nil {
		return err
	}

	pr, err := o.openPullRequest(ctx, w, res.Text)
	if err != nil {
		return err
	}
	if err := o.transition(key, domain.StatusPRCreated,
		domain.StatusPatch{PRURL: &pr.URL, PRNumber: &pr.Number},
		"Pull request: "+pr.URL); err != nil {
		return err
	}

	if o.tracker != nil {
		cost := rec.CostUSD
		if cur, ok := o.store.Get(key); ok {
			cost = cur.CostUSD
		}
		if err := o.tracker.AddComment(ctx, key, issues.BuildPRComment(pr.Number, pr.URL, w.Issue.Summary, cost)); err != nil {
			o.warn(key, "comment on issue", err)
		}
	}
	o.trackerTransition(ctx, key, o.cfg.Tracker.InReviewState)

	return o.transition(key, domain.StatusComplete, domain.StatusPatch{}, "Done")
}

// openPullRequest reuses an open PR for the branch or creates one
func (o *Orchestrator) openPullRequest(ctx context.Context, w *domain.WorkParams, agentText string) (*domain.PullRequest, error) {
	if o.codeHost == nil {
		return nil, errors.New("no code host configured")
	}
	existing, err := o.codeHost.FindPullRequest(ctx, w.RepoName, w.BranchName)
	if err != nil {
		o.warn(w.Issue.Key, "look up existing pull request", err)
	} else if existing != nil {
		o.log(w.Issue.Key, "Reusing open pull request #"+fmt.Sprint(existing.Number))
		return existing, nil
	}

	o.log(w.Issue.Key, "Opening pull request")
	return o.codeHost.CreatePullRequest(ctx, domain.PullRequestSpec{
		Repo:  w.RepoName,
		Head:  w.BranchName,
		Base:  w.BaseBranch,
		Title: prbot.BuildTitle(w.Issue.Key, w.Issue.Summary),
		Body:  prbot.BuildPRBody(w.Issue, clip(strings.TrimSpace(agentText), maxPRSummary)),
	})
}

func (o *Orchestrator) runFeedback(ctx context.Context, f *domain.FeedbackParams) error {
	key := f.IssueKey
	rec, ok := o.store.Get(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, key)
	}
	repo := f.RepoName
	if repo == "" {
		repo = rec.RepoName
	}
	if rec.BranchName == "" {
		return fmt.Errorf("task %s has no branch", key)
	}

	if err := o.checkCancelled(ctx, key); err != nil {
		return err
	}
	empty := ""
	if err := o.transition(key, domain.StatusFeedbackImplementing, domain.StatusPatch{Error: &empty},
		"Addressing review feedback on "+rec.BranchName); err != nil {
		return err
	}

	// the stored workspace may have been pruned or broken since the last run
	path, err := o.ws.CreateOrReuseWorkspace(ctx, repo, rec.BranchName, rec.BaseBranch)
	if err != nil {
		return err
	}
	if path != rec.WorktreePath {
		if err := o.store.Update(key, func(r *domain.TaskRecord) { r.WorktreePath = path }); err != nil {
			return fmt.Errorf("save workspace path: %w", err)
		}
		o.log(key, "Workspace restored at "+path)
	}

	if err := o.commit(ctx, key, path, fmt.Sprintf("%s: save local changes", key)); err != nil {
		return err
	}
	o.log(key, "Pulling "+rec.BranchName)
	if err := o.ws.PullBranch(ctx, path, rec.BranchName, repo); err != nil {
		o.warn(key, "pull failed, continuing with local state", err)
	}

	review := o.reviewBaseline(ctx, key, repo, rec.PRNumber, path)

	prompt, err := o.prompts.FeedbackPrompt(prompts.FeedbackData{
		IssueKey:           key,
		BranchName:         rec.BranchName,
		PRURL:              rec.PRURL,
		FeedbackText:       f.FeedbackText,
		NewCommentsContext: f.NewCommentsContext,
	})
	if err != nil {
		return fmt.Errorf("build feedback prompt: %w", err)
	}
	if rec.ClaudeSessionID != "" {
		o.log(key, "Resuming agent session")
	} else {
		o.log(key, "No prior agent session, starting a new one")
	}
	if _, err := o.runAgent(ctx, key, executor.Request{
		Prompt:          prompt,
		Dir:             path,
		ResumeSessionID: rec.ClaudeSessionID,
		TranscriptPath:  workspace.TranscriptPath(path),
	}); err != nil {
		return err
	}

	if err := o.transition(key, domain.StatusPushing, domain.StatusPatch{}, "Committing and pushing "+rec.BranchName); err != nil {
		return err
	}
	committed, err := o.ws.CommitAllChanges(ctx, path, fmt.Sprintf("%s: address review feedback", key))
	if err != nil {
		return err
	}
	if err := o.ws.PushBranch(ctx, path, rec.BranchName, repo); err != nil {
		return err
	}

	o.markAddressed(ctx, key, repo, review)
	if f.PostAsComment && rec.PRNumber > 0 && o.codeHost != nil {
		if err := o.codeHost.AddComment(ctx, repo, rec.PRNumber, issues.BuildFeedbackComment(f.FeedbackText, committed)); err != nil {
			o.warn(key, "comment on pull request", err)
		}
	}

	return o.transition(key, domain.StatusComplete, domain.StatusPatch{}, "Feedback addressed")
}

func (o *Orchestrator) commit(ctx context.Context, key, path, message string) error {
	committed, err := o.ws.CommitAllChanges(ctx, path, message)
	if err != nil {
		return err
	}
	if committed {
		o.log(key, "Committed uncommitted changes")
	} else {
		o.log(key, "No uncommitted changes")
	}
	return nil
}

func (o *Orchestrator) trackerTransition(ctx context.Context, key, state string) {
	if o.tracker == nil || state == "" {
		return
	}
	if err := o.tracker.TransitionIssue(ctx, key, state); err != nil {
		o.warn(key, "move issue to "+state, err)
		return
	}
	o.log(key, "Issue moved to "+state)
}

// reviewState is what the feedback flow captures before the agent runs
type reviewState struct {
	number   int
	baseline time.Time
	author   string
	comments []domain.ReviewComment
}

// reviewBaseline captures the newest commit time and the review comments
// that exist before the agent runs. A zero baseline disables marking.
func (o *Orchestrator) reviewBaseline(ctx context.Context, key, repo string, number int, path string) reviewState {
	state := reviewState{number: number}
	if o.codeHost == nil || number <= 0 {
		return state
	}

	var commits []domain.Commit
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		commits, err = o.codeHost.ListPullRequestCommits(gctx, repo, number)
		return err
	})
	g.Go(func() error {
		var err error
		state.author, err = o.codeHost.PullRequestAuthor(gctx, repo, number)
		return err
	})
	g.Go(func() error {
		var err error
		state.comments, err = o.codeHost.ListReviewComments(gctx, repo, number)
		return err
	})
	if err := g.Wait(); err != nil {
		o.warn(key, "load review state", err)
		return reviewState{number: number}
	}

	state.baseline = domain.LatestCommitTime(commits)
	if state.baseline.IsZero() {
		if t, err := o.ws.LatestCommitTime(ctx, path); err == nil {
			state.baseline = t
		}
	}
	return state
}

// markAddressed reacts to review comments posted after the baseline commit,
// skipping the PR author and bots
func (o *Orchestrator) markAddressed(ctx context.Context, key, repo string, state reviewState) {
	if o.codeHost == nil || state.baseline.IsZero() {
		return
	}
	marked := 0
	for _, c := range state.comments {
		if !c.CreatedAt.After(state.baseline) {
			continue
		}
		if strings.EqualFold(c.Author, state.author) || o.cfg.GitHub.IsBot(c.Author) {
			continue
		}
		if err := o.codeHost.AddReaction(ctx, repo, c.ID, prbot.ReactionAddressed); err != nil {
			o.warn(key, fmt.Sprintf("mark review comment %d addressed", c.ID), err)
			continue
		}
		marked++
	}
	if marked > 0 {
		o.log(key, fmt.Sprintf("Marked %d review comments as addressed", marked))
	}
}

func clip(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
