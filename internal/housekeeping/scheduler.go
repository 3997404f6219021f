package housekeeping

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a five-field cron expression or a descriptor such as @daily
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("housekeeping schedule %q: %w", expr, err)
	}
	return sched, nil
}

// Scheduler runs a prune pass whenever its cron schedule comes due
type Scheduler struct {
	pruner   *Pruner
	schedule cron.Schedule
	logger   *slog.Logger

	mu      sync.Mutex
	lastRun time.Time
	running bool
	tick    time.Duration
	now     func() time.Time
}

// NewScheduler creates a Scheduler for expr
func NewScheduler(pruner *Pruner, expr string, logger *slog.Logger) (*Scheduler, error) {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Scheduler{
		pruner:   pruner,
		schedule: sched,
		logger:   logger,
		lastRun:  time.Now(),
		tick:     time.Minute,
		now:      time.Now,
	}, nil
}

// NextRun returns when the next prune pass is due
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schedule.Next(s.lastRun)
}

// ShouldRun reports whether a pass is due and none is in flight
func (s *Scheduler) ShouldRun() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	return !s.now().Before(s.schedule.Next(s.lastRun))
}

func (s *Scheduler) markRunning() {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
}

func (s *Scheduler) markComplete() {
	s.mu.Lock()
	s.running = false
	s.lastRun = s.now()
	s.mu.Unlock()
}

// RunOnce performs one prune pass and records it as the last run
func (s *Scheduler) RunOnce(ctx context.Context) (Report, error) {
	s.markRunning()
	defer s.markComplete()
	report, err := s.pruner.Prune(ctx)
	if err != nil {
		s.logger.Error("housekeeping failed", "error", err)
		return report, err
	}
	s.logger.Info("housekeeping finished", "removed", len(report.Removed), "failed", len(report.Failed))
	return report, nil
}

// Start checks the schedule every tick until ctx is cancelled
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	s.logger.Info("housekeeping scheduled", "next", s.NextRun())

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if s.ShouldRun() {
				s.RunOnce(ctx)
			}
		}
	}
}
