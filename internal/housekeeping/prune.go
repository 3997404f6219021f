// Package housekeeping removes finished tasks once their retention window
// has passed.
package housekeeping

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/hochfrequenz/claude-issue-orchestrator/internal/domain"
)

// Store is the part of the task store pruning needs
type Store interface {
	ListAll() ([]*domain.TaskRecord, error)
	Remove(key string) error
}

// Workspaces removes task checkouts
type Workspaces interface {
	RemoveWorkspace(ctx context.Context, repo, branch string) error
}

// Pruner deletes terminal tasks older than the retention window together
// with their workspaces
type Pruner struct {
	store     Store
	ws        Workspaces
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewPruner creates a Pruner
func NewPruner(store Store, ws Workspaces, retention time.Duration, logger *slog.Logger) *Pruner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Pruner{store: store, ws: ws, retention: retention, logger: logger, now: time.Now}
}

// Report lists what a prune pass did
type Report struct {
	Removed []string
	Failed  []string
}

// Candidates returns the tasks a prune pass would remove
func (p *Pruner) Candidates() ([]*domain.TaskRecord, error) {
	tasks, err := p.store.ListAll()
	if err != nil {
		return nil, err
	}
	cutoff := p.now().Add(-p.retention)
	var out []*domain.TaskRecord
	for _, t := range tasks {
		if t.Status.IsTerminal() && t.UpdatedAt.Before(cutoff) {
			out = append(out, t)
		}
	}
	return out, nil
}

// Prune removes every candidate. A task whose workspace cannot be removed
// keeps its record so the next pass retries it.
func (p *Pruner) Prune(ctx context.Context) (Report, error) {
	var report Report
	candidates, err := p.Candidates()
	if err != nil {
		return report, err
	}
	for _, t := range candidates {
		if t.RepoName != "" && t.BranchName != "" {
			if err := p.ws.RemoveWorkspace(ctx, t.RepoName, t.BranchName); err != nil {
				p.logger.Warn("remove workspace", "issue", t.IssueKey, "error", err)
				report.Failed = append(report.Failed, t.IssueKey)
				continue
			}
		}
		if err := p.store.Remove(t.IssueKey); err != nil {
			p.logger.Warn("remove task", "issue", t.IssueKey, "error", err)
			report.Failed = append(report.Failed, t.IssueKey)
			continue
		}
		p.logger.Info("pruned task", "issue", t.IssueKey, "status", t.Status, "updated", t.UpdatedAt)
		report.Removed = append(report.Removed, t.IssueKey)
	}
	return report, nil
}
