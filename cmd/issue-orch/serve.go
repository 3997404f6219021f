package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/claude-issue-orchestrator/internal/api"
	"github.com/hochfrequenz/claude-issue-orchestrator/internal/config"
	"github.com/hochfrequenz/claude-issue-orchestrator/internal/housekeeping"
	"github.com/hochfrequenz/claude-issue-orchestrator/internal/taskstore"
	"github.com/hochfrequenz/claude-issue-orchestrator/internal/workspace"
)

var (
	servePort           int
	serveHost           string
	serveNoHousekeeping bool
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the control API and scheduled housekeeping",
		Long: `Start the control API and scheduled housekeeping.

SIGHUP reloads the configuration file and reschedules housekeeping.`,
		RunE: runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (default from config)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "address to bind (default from config)")
	serveCmd.Flags().BoolVar(&serveNoHousekeeping, "no-housekeeping", false, "do not prune finished tasks")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	provider, err := loadProvider()
	if err != nil {
		return err
	}
	cfg := provider.Current()

	store, err := taskstore.New(cfg.General.DatabasePath, taskstore.WithLogger(logger))
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	host := firstNonEmpty(serveHost, cfg.Web.Host)
	port := cfg.Web.Port
	if servePort != 0 {
		port = servePort
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	fmt.Printf("Control API on http://%s/api/tasks\n", addr)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return api.NewServer(store, logger).Run(ctx, addr)
	})
	if !serveNoHousekeeping {
		g.Go(func() error {
			return runHousekeeping(ctx, provider, store)
		})
	}
	return g.Wait()
}

// runHousekeeping runs the prune schedule of the current configuration and
// restarts it whenever SIGHUP reloads the file
func runHousekeeping(ctx context.Context, provider *config.Provider, store *taskstore.Store) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		cfg := provider.Current()
		pruner := housekeeping.NewPruner(store, workspace.New(cfg, logger), retention(cfg), logger)
		sched, err := housekeeping.NewScheduler(pruner, cfg.Housekeeping.Schedule, logger)
		if err != nil {
			return err
		}

		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- sched.Start(runCtx) }()

		select {
		case <-ctx.Done():
			cancel()
			<-done
			return nil
		case err := <-done:
			cancel()
			return err
		case <-hup:
			cancel()
			<-done
			if _, err := provider.Reload(); err != nil {
				logger.Error("config reload failed, keeping previous", "path", provider.Path(), "error", err)
				continue
			}
			logger.Info("config reloaded", "path", provider.Path())
		}
	}
}

func retention(cfg *config.Config) time.Duration {
	return time.Duration(cfg.Housekeeping.RetentionDays) * 24 * time.Hour
}
