// Package orchestrator drives delegated issues through the plan, implement
// and feedback flows.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hochfrequenz/claude-issue-orchestrator/internal/config"
	"github.com/hochfrequenz/claude-issue-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-issue-orchestrator/internal/executor"
	"github.com/hochfrequenz/claude-issue-orchestrator/internal/notify"
)

var (
	// ErrNoParams means nothing was dispatched for the key
	ErrNoParams = errors.New("no orchestration params")
	// ErrTaskNotFound means the key has no task record
	ErrTaskNotFound = errors.New("task not found")
	// ErrCancelRequested is the cause attached to a run context when the
	// cancellation flag is observed
	ErrCancelRequested = errors.New("cancellation requested")
	// ErrTaskCancelled is returned by Run when the task ended cancelled
	ErrTaskCancelled = errors.New("task cancelled")
)

const notifyTimeout = 15 * time.Second

// Orchestrator runs one task at a time per call to Run. Any number of Run
// calls for different keys may proceed concurrently.
type Orchestrator struct {
	cfg      *config.Config
	store    Store
	ws       Workspace
	agent    AgentRunner
	prompts  PromptBuilder
	tracker  IssueTracker
	codeHost CodeHost
	notifier notify.Notifier
	logger   *slog.Logger

	pollInterval time.Duration
}

// New creates an Orchestrator. Tracker, CodeHost and Notifier may be nil.
func New(cfg *config.Config, d Deps, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	o := &Orchestrator{
		cfg:          cfg,
		store:        d.Store,
		ws:           d.Workspace,
		agent:        d.Agent,
		prompts:      d.Prompts,
		tracker:      d.Tracker,
		codeHost:     d.CodeHost,
		notifier:     d.Notifier,
		logger:       logger,
		pollInterval: cfg.CancelPollInterval(),
	}
	if o.notifier == nil {
		o.notifier = notify.NoopNotifier{}
	}
	return o
}

// SetPollInterval overrides how often the cancellation flag is checked
func (o *Orchestrator) SetPollInterval(d time.Duration) {
	if d > 0 {
		o.pollInterval = d
	}
}

// Run executes the flow stored for key and returns its terminal status.
// The error is nil when the flow succeeded, ErrTaskCancelled when it was
// cancelled and the failure otherwise. Missing params or a missing record
// for a feedback run are reported before any state is touched.
func (o *Orchestrator) Run(ctx context.Context, key string) (domain.TaskStatus, error) {
	params, ok := o.store.GetParams(key)
	if !ok {
		return "", fmt.Errorf("%w for %s", ErrNoParams, key)
	}
	if err := params.Validate(); err != nil {
		return "", err
	}
	if params.Mode == domain.ModeFeedback {
		if _, ok := o.store.Get(key); !ok {
			return "", fmt.Errorf("%w: %s", ErrTaskNotFound, key)
		}
	}

	logger := o.logger.With("issue", key, "mode", params.Mode)
	logger.Info("starting run")

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := o.watchCancel(runCtx, key, cancel)

	var err error
	switch params.Mode {
	case domain.ModePlan:
		err = o.runPlan(runCtx, params.Work)
	case domain.ModeImplement:
		err = o.runImplement(runCtx, params.Work)
	case domain.ModeFeedback:
		err = o.runFeedback(runCtx, params.Feedback)
	}
	stop()

	status, err := o.finish(runCtx, key, err)
	o.teardown(key, params.Mode)
	o.notifyOutcome(ctx, key, params.Mode)

	logger.Info("run finished", "status", status)
	return status, err
}

// watchCancel polls the cancellation flag and cancels ctx with
// ErrCancelRequested once it is set. The returned func stops the watcher
// and waits for it to exit.
func (o *Orchestrator) watchCancel(ctx context.Context, key string, cancel context.CancelCauseFunc) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(o.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if o.store.IsCancelRequested(key) {
					o.logger.Info("cancellation requested", "issue", key)
					cancel(ErrCancelRequested)
					return
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}

// checkCancelled returns a cancellation error if the run should stop before
// the next step
func (o *Orchestrator) checkCancelled(ctx context.Context, key string) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	if o.store.IsCancelRequested(key) {
		return ErrCancelRequested
	}
	return nil
}

func (o *Orchestrator) isCancellation(ctx context.Context, key string, err error) bool {
	switch {
	case errors.Is(err, executor.ErrCancelled), errors.Is(err, ErrCancelRequested):
		return true
	case ctx.Err() != nil:
		return true
	default:
		return o.store.IsCancelRequested(key)
	}
}

// finish records the terminal state of a failed run. Successful flows have
// already written their final status.
func (o *Orchestrator) finish(ctx context.Context, key string, runErr error) (domain.TaskStatus, error) {
	if runErr == nil {
		rec, ok := o.store.Get(key)
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrTaskNotFound, key)
		}
		return rec.Status, nil
	}

	if o.isCancellation(ctx, key, runErr) {
		o.setStatus(key, domain.StatusCancelled, domain.StatusPatch{})
		o.log(key, "Cancelled")
		return domain.StatusCancelled, ErrTaskCancelled
	}

	msg := runErr.Error()
	o.setStatus(key, domain.StatusError, domain.StatusPatch{Error: &msg})
	o.log(key, "Error: "+msg)
	return domain.StatusError, runErr
}

// teardown always clears the cancellation flag. Params survive only a plan
// run so a follow-up implement can reuse them.
func (o *Orchestrator) teardown(key string, mode domain.Mode) {
	if err := o.store.ClearCancel(key); err != nil {
		o.logger.Warn("clear cancel flag", "issue", key, "error", err)
	}
	if mode == domain.ModePlan {
		return
	}
	if err := o.store.ClearParams(key); err != nil {
		o.logger.Warn("clear params", "issue", key, "error", err)
	}
}

func (o *Orchestrator) notifyOutcome(ctx context.Context, key string, mode domain.Mode) {
	rec, ok := o.store.Get(key)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := o.notifier.Send(ctx, notify.ForOutcome(rec, mode)); err != nil {
		o.logger.Warn("send notification", "issue", key, "error", err)
	}
}

// transition writes status (with patch) and a log line describing the step
// about to run
func (o *Orchestrator) transition(key string, status domain.TaskStatus, patch domain.StatusPatch, line string) error {
	if err := o.store.SetStatus(key, status, patch); err != nil {
		return fmt.Errorf("set status %s: %w", status, err)
	}
	o.log(key, line)
	return nil
}

func (o *Orchestrator) setStatus(key string, status domain.TaskStatus, patch domain.StatusPatch) {
	if err := o.store.SetStatus(key, status, patch); err != nil {
		o.logger.Error("set status", "issue", key, "status", status, "error", err)
	}
}

func (o *Orchestrator) log(key, line string) {
	if err := o.store.AppendLog(key, line); err != nil {
		o.logger.Warn("append log", "issue", key, "error", err)
	}
}

// warn records a best-effort failure without failing the task
func (o *Orchestrator) warn(key, what string, err error) {
	o.logger.Warn(what, "issue", key, "error", err)
	o.log(key, fmt.Sprintf("Warning: %s: %v", what, err))
}

// runAgent runs the agent and folds its session id and cost into the record.
// A cancellation flag observed when the agent returns wins over its outcome.
func (o *Orchestrator) runAgent(ctx context.Context, key string, req executor.Request) (*executor.Result, error) {
	res, err := o.agent.Run(ctx, req, func(line string) { o.log(key, line) })
	if res != nil {
		if uerr := o.store.Update(key, func(r *domain.TaskRecord) {
			if res.SessionID != "" {
				r.ClaudeSessionID = res.SessionID
			}
			r.CostUSD += res.CostUSD
		}); uerr != nil {
			o.logger.Warn("record agent result", "issue", key, "error", uerr)
		}
	}
	if cerr := o.checkCancelled(ctx, key); cerr != nil {
		return nil, cerr
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}
