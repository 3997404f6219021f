package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/claude-issue-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-issue-orchestrator/internal/orchestrator"
	"github.com/hochfrequenz/claude-issue-orchestrator/internal/taskstore"
)

var (
	listAll     bool
	listStatus  string
	showLines   int
	logsFollow  bool
	followEvery = 2 * time.Second
)

func init() {
	runCmd := &cobra.Command{
		Use:    "run ISSUE",
		Short:  "Run the stored orchestration for an issue (used by detached workers)",
		Args:   cobra.ExactArgs(1),
		Hidden: true,
		RunE:   runRun,
	}
	rootCmd.AddCommand(runCmd)

	cancelCmd := &cobra.Command{
		Use:   "cancel ISSUE",
		Short: "Request cancellation of a running task",
		Args:  cobra.ExactArgs(1),
		RunE:  runCancel,
	}
	rootCmd.AddCommand(cancelCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE:  runList,
	}
	listCmd.Flags().BoolVarP(&listAll, "all", "a", false, "include finished tasks")
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	rootCmd.AddCommand(listCmd)

	showCmd := &cobra.Command{
		Use:   "show ISSUE",
		Short: "Show a task and its recent progress",
		Args:  cobra.ExactArgs(1),
		RunE:  runShow,
	}
	showCmd.Flags().IntVarP(&showLines, "lines", "n", 20, "progress lines to show (0 for all)")
	rootCmd.AddCommand(showCmd)

	logsCmd := &cobra.Command{
		Use:   "logs ISSUE",
		Short: "Print the progress log of a task",
		Args:  cobra.ExactArgs(1),
		RunE:  runLogs,
	}
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "keep printing until the run finishes")
	rootCmd.AddCommand(logsCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	key := args[0]
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
	orch, err := a.orchestrator(repo)
	if err != nil {
		return err
	}
	status, err := orch.Run(ctx, key)
	if err != nil {
		logger.Error("run failed", "issue", key, "status", status, "error", err)
	}
	return reportOutcome(a, key, status, err)
}

func runCancel(cmd *cobra.Command, args []string) error {
	key := args[0]
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	rec, ok := a.store.Get(key)
	if !ok {
		return fmt.Errorf("%w: %s", orchestrator.ErrTaskNotFound, key)
	}
	if !rec.Status.IsActive() {
		return fmt.Errorf("task %s is not running (%s)", key, rec.Status)
	}
	if err := a.store.RequestCancel(key); err != nil {
		return err
	}
	fmt.Printf("Cancellation requested for %s\n", key)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	tasks, err := a.store.ListAll()
	if err != nil {
		return err
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].UpdatedAt.After(tasks[j].UpdatedAt) })

	var shown []*domain.TaskRecord
	for _, t := range tasks {
		if listStatus != "" && string(t.Status) != listStatus {
			continue
		}
		if listStatus == "" && !listAll && t.Status.IsTerminal() {
			continue
		}
		shown = append(shown, t)
	}
	if len(shown) == 0 {
		fmt.Println("No tasks")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ISSUE\tREPO\tBRANCH\tPR\tUPDATED\tSTATUS")
	for _, t := range shown {
		pr := "-"
		if t.PRNumber > 0 {
			pr = fmt.Sprintf("#%d", t.PRNumber)
		}
		// status last so colour codes do not skew column widths
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.IssueKey, t.RepoName, t.BranchName, pr,
			t.UpdatedAt.Format("2006-01-02 15:04"),
			statusStyle(t.Status).Render(string(t.Status)))
	}
	return w.Flush()
}

func runShow(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	rec, ok := a.store.Get(args[0])
	if !ok {
		return fmt.Errorf("%w: %s", orchestrator.ErrTaskNotFound, args[0])
	}
	fmt.Println(titleStyle.Render(rec.IssueKey + "  " + rec.IssueSummary))
	field := func(label, value string) {
		if value != "" {
			fmt.Printf("%s %s\n", labelStyle.Render(fmt.Sprintf("%-10s", label+":")), value)
		}
	}
	field("Status", statusStyle(rec.Status).Render(string(rec.Status)))
	field("Issue", rec.IssueURL)
	field("Repo", rec.RepoName)
	field("Branch", fmt.Sprintf("%s (base %s)", rec.BranchName, rec.BaseBranch))
	field("Workspace", rec.WorktreePath)
	field("Session", rec.ClaudeSessionID)
	field("PR", rec.PRURL)
	if rec.CostUSD > 0 {
		field("Cost", fmt.Sprintf("$%.2f", rec.CostUSD))
	}
	field("Updated", rec.UpdatedAt.Format(time.RFC3339))
	if rec.Error != "" {
		field("Error", errorStyle.Render(rec.Error))
	}

	lines := rec.ProgressLog
	if showLines > 0 && len(lines) > showLines {
		lines = lines[len(lines)-showLines:]
	}
	if len(lines) > 0 {
		fmt.Println()
		fmt.Println(strings.Join(lines, "\n"))
	}
	return nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	key := args[0]
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	rec, ok := a.store.Get(key)
	if !ok {
		return fmt.Errorf("%w: %s", orchestrator.ErrTaskNotFound, key)
	}
	for _, line := range rec.ProgressLog {
		fmt.Println(line)
	}
	if !logsFollow || !rec.Status.IsActive() {
		return nil
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()
	err = followLog(ctx, a.store, a.cfg.General.DatabasePath, rec, func(line string) { fmt.Println(line) })
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// followLog prints lines appended to the task's progress log until the run
// stops being active. The database directory is watched for writes; a slow
// ticker covers filesystems without change notifications.
func followLog(ctx context.Context, store *taskstore.Store, dbPath string, rec *domain.TaskRecord, emit func(string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(dbPath)); err != nil {
		return err
	}
	dbName := filepath.Base(dbPath)

	ticker := time.NewTicker(followEvery)
	defer ticker.Stop()

	prev := rec.ProgressLog
	refresh := func() bool {
		cur, ok := store.Get(rec.IssueKey)
		if !ok {
			return false
		}
		for _, line := range domain.NewLogLines(prev, cur.ProgressLog) {
			emit(line)
		}
		prev = cur.ProgressLog
		return cur.Status.IsActive()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasPrefix(filepath.Base(ev.Name), dbName) || !ev.Has(fsnotify.Write) {
				continue
			}
			if !refresh() {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Debug("watch error", "error", err)
		case <-ticker.C:
			if !refresh() {
				return nil
			}
		}
	}
}
