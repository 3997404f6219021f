package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/hochfrequenz/claude-issue-orchestrator/internal/domain"
)

// Spawner starts a detached worker for key
type Spawner func(ctx context.Context, key string) error

// DetachedSpawner re-executes the current binary as "<exe> [--config path] run KEY"
// with output appended to logPath
func DetachedSpawner(configPath, logPath string) Spawner {
	return func(ctx context.Context, key string) error {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("locate executable: %w", err)
		}
		var args []string
		if configPath != "" {
			args = append(args, "--config", configPath)
		}
		args = append(args, "run", key)

		if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
			return err
		}
		logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open worker log: %w", err)
		}
		defer logFile.Close()

		cmd := exec.Command(exe, args...)
		cmd.Stdout = logFile
		cmd.Stderr = logFile
		cmd.Env = os.Environ()
		detach(cmd)
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("start worker: %w", err)
		}
		return cmd.Process.Release()
	}
}

// Dispatcher validates a request, persists its params and starts the
// orchestrator for it
type Dispatcher struct {
	orch   *Orchestrator
	spawn  Spawner
	logger *slog.Logger
}

// NewDispatcher creates a Dispatcher. spawn may be nil when only foreground
// runs are used.
func NewDispatcher(orch *Orchestrator, spawn Spawner, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Dispatcher{orch: orch, spawn: spawn, logger: logger}
}

// Dispatch starts params. Configuration problems are returned before any
// state is written. With detach set the run continues in a background
// process and the current status is returned immediately.
func (d *Dispatcher) Dispatch(ctx context.Context, params *domain.OrchestrationParams, detach bool) (domain.TaskStatus, error) {
	if err := d.Validate(params); err != nil {
		return "", err
	}
	key := params.IssueKey()
	store := d.orch.store

	if err := store.ClearCancel(key); err != nil {
		return "", err
	}
	if err := store.SaveParams(key, params); err != nil {
		return "", fmt.Errorf("save params: %w", err)
	}
	if params.Work != nil {
		if _, err := d.orch.initRecord(params); err != nil {
			return "", err
		}
	} else {
		// mark the task active right away so it can be cancelled before the
		// worker picks it up
		if err := store.Update(key, func(r *domain.TaskRecord) {
			r.Status = domain.StatusFeedbackImplementing
			r.Error = ""
		}); err != nil {
			return "", fmt.Errorf("mark feedback dispatched: %w", err)
		}
	}
	d.orch.log(key, fmt.Sprintf("Dispatched %s", params.Mode))
	d.logger.Info("dispatched", "issue", key, "mode", params.Mode, "detach", detach)

	if !detach {
		return d.orch.Run(ctx, key)
	}
	if d.spawn == nil {
		return "", d.abandon(key, fmt.Errorf("detached runs are not available"))
	}
	if err := d.spawn(ctx, key); err != nil {
		return "", d.abandon(key, err)
	}
	rec, _ := store.Get(key)
	if rec == nil {
		return "", nil
	}
	return rec.Status, nil
}

// Validate checks params against configuration without touching state
func (d *Dispatcher) Validate(params *domain.OrchestrationParams) error {
	if err := params.Validate(); err != nil {
		return err
	}
	if params.Mode == domain.ModeFeedback {
		f := params.Feedback
		rec, ok := d.orch.store.Get(f.IssueKey)
		if !ok {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, f.IssueKey)
		}
		if rec.BranchName == "" {
			return fmt.Errorf("task %s has no branch to apply feedback on", f.IssueKey)
		}
		if f.RepoName == "" {
			f.RepoName = rec.RepoName
		}
		_, err := d.orch.ws.Checkout(f.RepoName)
		return err
	}
	_, err := d.orch.ws.Checkout(params.Work.RepoName)
	return err
}

// abandon records a dispatch whose worker never started so the task does
// not stay active
func (d *Dispatcher) abandon(key string, err error) error {
	d.orch.setStatus(key, domain.StatusError, domain.StatusPatch{Error: domain.Ptr(err.Error())})
	d.orch.log(key, "Error: "+err.Error())
	if clearErr := d.orch.store.ClearParams(key); clearErr != nil {
		d.logger.Warn("clear params", "issue", key, "error", clearErr)
	}
	return err
}
