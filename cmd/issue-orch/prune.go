package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/claude-issue-orchestrator/internal/housekeeping"
	"github.com/hochfrequenz/claude-issue-orchestrator/internal/workspace"
)

var (
	pruneDryRun    bool
	pruneOlderThan time.Duration
)

func init() {
	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove finished tasks and their workspaces",
		RunE:  runPrune,
	}
	pruneCmd.Flags().BoolVar(&pruneDryRun, "dry-run", false, "only list what would be removed")
	pruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 0, "retention (default from config)")
	rootCmd.AddCommand(pruneCmd)
}

func runPrune(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	keep := retention(a.cfg)
	if pruneOlderThan > 0 {
		keep = pruneOlderThan
	}
	pruner := housekeeping.NewPruner(a.store, workspace.New(a.cfg, logger), keep, logger)

	if pruneDryRun {
		candidates, err := pruner.Candidates()
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			fmt.Println("Nothing to prune")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ISSUE\tWORKSPACE\tUPDATED\tSTATUS")
		for _, t := range candidates {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.IssueKey, t.WorktreePath,
				t.UpdatedAt.Format("2006-01-02"), statusStyle(t.Status).Render(string(t.Status)))
		}
		return w.Flush()
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()
	report, err := pruner.Prune(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d task(s)\n", len(report.Removed))
	for _, key := range report.Failed {
		fmt.Printf("  %s %s\n", errorStyle.Render("kept"), key)
	}
	return nil
}
