package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/govflow/internal/jobs"
	"github.com/robfig/cron/v3"
)

// Maintainer is the part of the queue the supervisor keeps healthy.
type Maintainer interface {
	PromoteDue(ctx context.Context, now time.Time) (int, error)
	RequeueStale(ctx context.Context, before time.Time) (int, error)
}

// Sweeper expires input requests whose deadline has passed.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// SupervisorConfig holds the cron schedules and recovery thresholds.
type SupervisorConfig struct {
	PromoteSchedule string
	ReaperSchedule  string
	SweepSchedule   string
	VisibilityTTL   time.Duration
	OrphanBatch     int
}

// Supervisor runs the periodic maintenance the queue needs: promoting due
// retries, recovering jobs lost by crashed workers and expiring input
// requests.
type Supervisor struct {
	cron    *cron.Cron
	queue   Maintainer
	jobs    *jobs.Service
	sweeper Sweeper
	cfg     SupervisorConfig
	logger  *slog.Logger
}

// NewSupervisor creates a Supervisor and registers its schedules.
func NewSupervisor(q Maintainer, svc *jobs.Service, sweeper Sweeper, cfg SupervisorConfig, logger *slog.Logger) (*Supervisor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.VisibilityTTL <= 0 {
		cfg.VisibilityTTL = 2 * time.Minute
	}
	if cfg.OrphanBatch <= 0 {
		cfg.OrphanBatch = 100
	}
	cl := cronLogger{logger: logger}
	s := &Supervisor{
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		queue:   q,
		jobs:    svc,
		sweeper: sweeper,
		cfg:     cfg,
		logger:  logger,
	}

	for _, task := range []struct {
		name     string
		schedule string
		run      func(context.Context) error
	}{
		{"promote", cfg.PromoteSchedule, s.Promote},
		{"reaper", cfg.ReaperSchedule, s.Reap},
		{"sweep", cfg.SweepSchedule, s.Sweep},
	} {
		if task.schedule == "" {
			continue
		}
		run := task.run
		name := task.name
		if _, err := s.cron.AddFunc(task.schedule, func() {
			if err := run(context.Background()); err != nil {
				s.logger.Error("supervisor task failed", "task", name, "error", err)
			}
		}); err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", name, task.schedule, err)
		}
	}
	return s, nil
}

// Start runs the schedules in the background.
func (s *Supervisor) Start() {
	s.cron.Start()
}

// Stop halts the schedules and waits for running tasks.
func (s *Supervisor) Stop() {
	<-s.cron.Stop().Done()
}

// Promote moves due delayed jobs to the ready queue.
func (s *Supervisor) Promote(ctx context.Context) error {
	n, err := s.queue.PromoteDue(ctx, s.jobs.Now())
	if err != nil {
		return fmt.Errorf("promote due: %w", err)
	}
	if n > 0 {
		s.logger.Debug("promoted due jobs", "count", n)
	}
	return nil
}

// Reap returns jobs whose claim went stale to the queue and re-enqueues
// runnable records that are missing from it.
func (s *Supervisor) Reap(ctx context.Context) error {
	cutoff := s.jobs.Now().Add(-s.cfg.VisibilityTTL)
	n, err := s.queue.RequeueStale(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("requeue stale: %w", err)
	}
	if n > 0 {
		s.logger.Warn("requeued stale claims", "count", n)
	}

	orphans, err := s.jobs.Orphans(ctx, cutoff, s.cfg.OrphanBatch)
	if err != nil {
		return fmt.Errorf("find orphans: %w", err)
	}
	var recovered []uuid.UUID
	for _, j := range orphans {
		if err := s.jobs.Requeue(ctx, j); err != nil {
			s.logger.Error("requeue orphan", "job_id", j.ID, "error", err)
			continue
		}
		recovered = append(recovered, j.ID)
	}
	if len(recovered) > 0 {
		s.logger.Warn("recovered orphaned jobs", "count", len(recovered), "job_ids", recovered)
	}
	return nil
}

// Sweep expires overdue input requests.
func (s *Supervisor) Sweep(ctx context.Context) error {
	if s.sweeper == nil {
		return nil
	}
	n, err := s.sweeper.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("sweep inputs: %w", err)
	}
	if n > 0 {
		s.logger.Info("expired input requests", "count", n)
	}
	return nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
