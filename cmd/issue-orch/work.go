package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/claude-issue-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-issue-orchestrator/internal/orchestrator"
)

var (
	workRepo         string
	workBranch       string
	workBase         string
	workSummary      string
	workInstructions string
	workUpdatePlan   bool
	workDetach       bool

	feedbackText    string
	feedbackFile    string
	feedbackComment bool
	feedbackDetach  bool
)

func init() {
	planCmd := &cobra.Command{
		Use:   "plan ISSUE",
		Short: "Have the agent write an implementation plan for an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWork(cmd.Context(), domain.ModePlan, args[0])
		},
	}
	addWorkFlags(planCmd)
	planCmd.Flags().BoolVar(&workUpdatePlan, "update", false, "revise the existing plan instead of starting over")
	rootCmd.AddCommand(planCmd)

	implementCmd := &cobra.Command{
		Use:   "implement ISSUE",
		Short: "Implement an issue and open a pull request",
		Long: `Implement an issue and open a pull request.

Repository and branch default to those of an earlier plan run for the same
issue, so "plan" followed by "implement" needs the flags only once.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWork(cmd.Context(), domain.ModeImplement, args[0])
		},
	}
	addWorkFlags(implementCmd)
	rootCmd.AddCommand(implementCmd)

	feedbackCmd := &cobra.Command{
		Use:   "feedback ISSUE",
		Short: "Apply review feedback to an existing task",
		Args:  cobra.ExactArgs(1),
		RunE:  runFeedback,
	}
	feedbackCmd.Flags().StringVar(&feedbackText, "text", "", "feedback to address")
	feedbackCmd.Flags().StringVarP(&feedbackFile, "file", "f", "", "read feedback from file (- for stdin)")
	feedbackCmd.Flags().BoolVar(&feedbackComment, "comment", false, "post a summary comment on the pull request")
	feedbackCmd.Flags().BoolVarP(&feedbackDetach, "detach", "d", false, "run in the background")
	rootCmd.AddCommand(feedbackCmd)
}

func addWorkFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&workRepo, "repo", "", "configured repository name")
	cmd.Flags().StringVar(&workBranch, "branch", "", "work branch (derived from the issue when empty)")
	cmd.Flags().StringVar(&workBase, "base", "", "base branch (default main)")
	cmd.Flags().StringVar(&workSummary, "summary", "", "override the issue summary")
	cmd.Flags().StringVarP(&workInstructions, "instructions", "i", "", "extra instructions for the agent")
	cmd.Flags().BoolVarP(&workDetach, "detach", "d", false, "run in the background")
}

// signalContext cancels on SIGINT or SIGTERM, which the orchestrator treats
// as a cancellation request
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// workParams merges flags with what an earlier run of the same issue recorded
func workParams(ctx context.Context, a *app, key string) (domain.WorkParams, error) {
	w := domain.WorkParams{
		RepoName:           workRepo,
		BranchName:         workBranch,
		BaseBranch:         workBase,
		UserInstructions:   workInstructions,
		UpdateExistingPlan: workUpdatePlan,
	}
	if prev, ok := a.store.GetParams(key); ok && prev.Work != nil {
		w.Issue = prev.Work.Issue
		w.RepoName = firstNonEmpty(w.RepoName, prev.Work.RepoName)
		w.BranchName = firstNonEmpty(w.BranchName, prev.Work.BranchName)
		w.BaseBranch = firstNonEmpty(w.BaseBranch, prev.Work.BaseBranch)
	} else if rec, ok := a.store.Get(key); ok {
		w.Issue = domain.IssueSnapshot{Key: key, Summary: rec.IssueSummary, URL: rec.IssueURL}
		w.RepoName = firstNonEmpty(w.RepoName, rec.RepoName)
		w.BranchName = firstNonEmpty(w.BranchName, rec.BranchName)
		w.BaseBranch = firstNonEmpty(w.BaseBranch, rec.BaseBranch)
	}

	if w.Issue.Key == "" || w.Issue.Description == "" {
		tracker, err := a.tracker()
		if err != nil {
			return w, err
		}
		issue, err := tracker.FetchIssue(ctx, key)
		if err != nil {
			return w, fmt.Errorf("fetch issue %s: %w", key, err)
		}
		issue.Key = key
		w.Issue = issue
	}
	if workSummary != "" {
		w.Issue.Summary = workSummary
	}
	if w.RepoName == "" {
		return w, errors.New("--repo is required")
	}
	w.BranchName = firstNonEmpty(w.BranchName, domain.BranchName(w.Issue))
	w.BaseBranch = firstNonEmpty(w.BaseBranch, "main")
	return w, nil
}

func runWork(ctx context.Context, mode domain.Mode, key string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext(ctx)
	defer stop()

	w, err := workParams(ctx, a, key)
	if err != nil {
		return err
	}
	params := domain.NewImplementParams(w)
	if mode == domain.ModePlan {
		params = domain.NewPlanParams(w)
	}
	return dispatch(ctx, a, w.RepoName, params, workDetach)
}

func runFeedback(cmd *cobra.Command, args []string) error {
	key := args[0]
	text, err := readFeedback(cmd.InOrStdin())
	if err != nil {
		return err
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	repo, err := a.repoFor(key)
	if err != nil {
		return err
	}
	params := domain.NewFeedbackParams(domain.FeedbackParams{
		IssueKey:      key,
		RepoName:      repo,
		FeedbackText:  text,
		PostAsComment: feedbackComment,
	})
	return dispatch(ctx, a, repo, params, feedbackDetach)
}

func readFeedback(stdin io.Reader) (string, error) {
	text := feedbackText
	switch feedbackFile {
	case "":
	case "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", err
		}
		text = string(data)
	default:
		data, err := os.ReadFile(feedbackFile)
		if err != nil {
			return "", err
		}
		text = string(data)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("feedback text is required (--text or --file)")
	}
	return text, nil
}

func dispatch(ctx context.Context, a *app, repo string, params *domain.OrchestrationParams, detach bool) error {
	key := params.IssueKey()
	d, err := a.dispatcher(repo, key)
	if err != nil {
		return err
	}
	status, err := d.Dispatch(ctx, params, detach)
	if detach && err == nil {
		fmt.Printf("Dispatched %s for %s (%s)\n", params.Mode, key, status)
		fmt.Printf("Follow with: issue-orch logs --follow %s\n", key)
		return nil
	}
	return reportOutcome(a, key, status, err)
}

// reportOutcome prints the final state of a foreground run
func reportOutcome(a *app, key string, status domain.TaskStatus, err error) error {
	if errors.Is(err, orchestrator.ErrTaskCancelled) {
		fmt.Printf("%s %s\n", key, statusStyle(domain.StatusCancelled).Render(string(domain.StatusCancelled)))
		return err
	}
	if err != nil {
		return err
	}
	fmt.Printf("%s %s\n", key, statusStyle(status).Render(string(status)))
	if rec, ok := a.store.Get(key); ok {
		if rec.PRURL != "" {
			fmt.Printf("Pull request: %s\n", rec.PRURL)
		}
		if rec.CostUSD > 0 {
			fmt.Printf("Agent cost: $%.2f\n", rec.CostUSD)
		}
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
