package main

import (
	"fmt"
	"path/filepath"

	"github.com/hochfrequenz/claude-issue-orchestrator/internal/config"
	"github.com/hochfrequenz/claude-issue-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-issue-orchestrator/internal/executor"
	"github.com/hochfrequenz/claude-issue-orchestrator/internal/issues"
	"github.com/hochfrequenz/claude-issue-orchestrator/internal/notify"
	"github.com/hochfrequenz/claude-issue-orchestrator/internal/orchestrator"
	"github.com/hochfrequenz/claude-issue-orchestrator/internal/prbot"
	"github.com/hochfrequenz/claude-issue-orchestrator/internal/prompts"
	"github.com/hochfrequenz/claude-issue-orchestrator/internal/taskstore"
	"github.com/hochfrequenz/claude-issue-orchestrator/internal/workspace"
)

func resolvedConfigPath() string {
	if configPath == "" {
		return config.DefaultConfigPath()
	}
	return configPath
}

func loadProvider() (*config.Provider, error) {
	return config.NewProvider(resolvedConfigPath())
}

func loadConfig() (*config.Config, error) {
	p, err := loadProvider()
	if err != nil {
		return nil, err
	}
	return p.Current(), nil
}

// app bundles the configuration and the store shared by every command
type app struct {
	cfg   *config.Config
	store *taskstore.Store
}

func openApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	store, err := taskstore.New(cfg.General.DatabasePath, taskstore.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, store: store}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// workerLogPath is where a detached worker's stdout and stderr go
func (a *app) workerLogPath(key string) string {
	return filepath.Join(filepath.Dir(a.cfg.General.DatabasePath), "workers", domain.TaskID(key)+".log")
}

func (a *app) tracker() (issues.Tracker, error) {
	return issues.FromConfig(a.cfg)
}

// orchestrator wires the real collaborators. Prompt overrides are looked up
// in the repo's checkout first.
func (a *app) orchestrator(repo string) (*orchestrator.Orchestrator, error) {
	tracker, err := a.tracker()
	if err != nil {
		return nil, err
	}
	ws := workspace.New(a.cfg, logger)
	checkout, _ := a.cfg.RepoCheckout(repo)

	return orchestrator.New(a.cfg, orchestrator.Deps{
		Store:     a.store,
		Workspace: ws,
		Agent:     executor.New(executor.SettingsFromConfig(a.cfg), logger),
		Prompts:   prompts.DefaultLoader(checkout),
		Tracker:   tracker,
		CodeHost:  prbot.NewPRBot(a.cfg.Git.Org, prbot.GHRunner(a.cfg.Git.Token)),
		Notifier:  notify.FromConfig(a.cfg.Notifications),
	}, logger), nil
}

func (a *app) dispatcher(repo, key string) (*orchestrator.Dispatcher, error) {
	orch, err := a.orchestrator(repo)
	if err != nil {
		return nil, err
	}
	return orchestrator.NewDispatcher(orch, orchestrator.DetachedSpawner(configPath, a.workerLogPath(key)), logger), nil
}

// repoFor finds the repository a stored task runs against
func (a *app) repoFor(key string) (string, error) {
	if params, ok := a.store.GetParams(key); ok {
		if params.Work != nil {
			return params.Work.RepoName, nil
		}
		if params.Feedback.RepoName != "" {
			return params.Feedback.RepoName, nil
		}
	}
	if rec, ok := a.store.Get(key); ok {
		return rec.RepoName, nil
	}
	return "", fmt.Errorf("%w: %s", orchestrator.ErrTaskNotFound, key)
}
